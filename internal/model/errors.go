package model

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует доменные ошибки.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindState
	KindPayment
	KindFulfillment
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindPayment:
		return "payment"
	case KindFulfillment:
		return "fulfillment"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Сентинелы для сопоставления через errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrState       = errors.New("state error")
	ErrPayment     = errors.New("payment error")
	ErrFulfillment = errors.New("fulfillment error")
	ErrNotFound    = errors.New("not found")
)

// DomainError описывает ошибку бизнес-правила.
type DomainError struct {
	Kind    ErrorKind
	Op      string
	Message string
}

func (e *DomainError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

// Is позволяет сравнивать ошибку с сентинелом своего вида.
func (e *DomainError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrState:
		return e.Kind == KindState
	case ErrPayment:
		return e.Kind == KindPayment
	case ErrFulfillment:
		return e.Kind == KindFulfillment
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

func newError(kind ErrorKind, op, format string, args ...any) error {
	return &DomainError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validationf создаёт ошибку валидации.
func Validationf(op, format string, args ...any) error {
	return newError(KindValidation, op, format, args...)
}

// Statef создаёт ошибку недопустимого состояния.
func Statef(op, format string, args ...any) error {
	return newError(KindState, op, format, args...)
}

// Paymentf создаёт ошибку оплаты.
func Paymentf(op, format string, args ...any) error {
	return newError(KindPayment, op, format, args...)
}

// NotFoundf создаёт ошибку отсутствующей сущности.
func NotFoundf(op, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

// FulfillmentError описывает сбой внешней системы при исполнении продажи.
// Не откатывает оплату; фиксируется для ручной сверки.
type FulfillmentError struct {
	OrderID string
	Kind    IntentKind
	Cause   error
}

func (e *FulfillmentError) Error() string {
	return fmt.Sprintf("fulfillment %s for order %s: %v", e.Kind, e.OrderID, e.Cause)
}

func (e *FulfillmentError) Unwrap() error { return e.Cause }

// Is сопоставляет ошибку с ErrFulfillment.
func (e *FulfillmentError) Is(target error) bool { return target == ErrFulfillment }
