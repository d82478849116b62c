package model

import "time"

// IntentKind описывает вид запроса во внешнюю систему.
type IntentKind string

const (
	IntentStockDeduction     IntentKind = "stock_deduction"
	IntentAccountingPosting  IntentKind = "accounting_posting"
	IntentStockReturn        IntentKind = "stock_return"
	IntentAccountingReversal IntentKind = "accounting_reversal"
)

// Reversal возвращает вид сторнирующего запроса.
func (k IntentKind) Reversal() (IntentKind, bool) {
	switch k {
	case IntentStockDeduction:
		return IntentStockReturn, true
	case IntentAccountingPosting:
		return IntentAccountingReversal, true
	default:
		return "", false
	}
}

// IntentStatus описывает состояние записи исходящей очереди.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentDone      IntentStatus = "done"
	IntentFailed    IntentStatus = "failed"
	IntentDead      IntentStatus = "dead"
	IntentCancelled IntentStatus = "cancelled"
)

// Dispatchable сообщает, может ли воркер взять запись в работу.
func (s IntentStatus) Dispatchable() bool {
	return s == IntentPending || s == IntentFailed
}

// FulfillmentIntent — запись исходящей очереди, создаваемая вместе
// с переходом заказа, который её требует.
type FulfillmentIntent struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"order_id"`
	Kind          IntentKind   `json:"kind"`
	Status        IntentStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     string       `json:"last_error,omitempty"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
