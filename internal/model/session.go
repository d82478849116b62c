package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState описывает состояние кассовой смены.
type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionOpened  SessionState = "opened"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// Active сообщает, занимает ли смена терминал.
func (s SessionState) Active() bool {
	return s == SessionOpening || s == SessionOpened
}

// AcceptsOrders сообщает, можно ли создавать и менять черновики заказов.
func (s SessionState) AcceptsOrders() bool {
	return s.Active()
}

// CanTransitionTo проверяет допустимость перехода между состояниями смены.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	switch s {
	case SessionOpening:
		return next == SessionOpened
	case SessionOpened:
		return next == SessionClosing
	case SessionClosing:
		return next == SessionClosed
	case SessionClosed:
		return next == SessionOpened
	default:
		return false
	}
}

// Session описывает кассовую смену на терминале.
type Session struct {
	ID            string           `json:"id"`
	TerminalID    string           `json:"terminal_id"`
	CashierID     string           `json:"cashier_id"`
	Name          string           `json:"name"`
	State         SessionState     `json:"state"`
	OpeningCash   decimal.Decimal  `json:"opening_cash"`
	ClosingCash   *decimal.Decimal `json:"closing_cash,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	OrderSequence int              `json:"-"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	// Closures хранит снимки итогов каждого закрытия; записи только добавляются.
	Closures []ClosureSnapshot `json:"closures,omitempty"`
}

// LastClosure возвращает последний снимок закрытия.
func (s *Session) LastClosure() (ClosureSnapshot, bool) {
	if len(s.Closures) == 0 {
		return ClosureSnapshot{}, false
	}
	return s.Closures[len(s.Closures)-1], true
}

// SessionTotals содержит производные итоги смены.
type SessionTotals struct {
	OrderCount        int                        `json:"order_count"`
	TotalAmount       decimal.Decimal            `json:"total_amount"`
	ByCategory        CategoryTotals             `json:"by_category"`
	ByPaymentMethod   map[string]decimal.Decimal `json:"by_payment_method"`
	TotalCashPayments decimal.Decimal            `json:"total_cash_payments"`
	TotalReturns      decimal.Decimal            `json:"total_returns"`
}

// ClosureSnapshot фиксирует итоги смены в момент закрытия.
// Снимок записывается один раз и больше не пересчитывается.
type ClosureSnapshot struct {
	SessionID              string          `json:"session_id"`
	Sequence               int             `json:"sequence"`
	Totals                 SessionTotals   `json:"totals"`
	OpeningCash            decimal.Decimal `json:"opening_cash"`
	TheoreticalClosingCash decimal.Decimal `json:"theoretical_closing_cash"`
	ClosingCash            decimal.Decimal `json:"closing_cash"`
	CashDifference         decimal.Decimal `json:"cash_difference"`
	Notes                  string          `json:"notes,omitempty"`
	ClosedAt               time.Time       `json:"closed_at"`
}

// ProductSales описывает продажи одного товара за смену.
type ProductSales struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

// ClosureReport — отчёт о закрытии смены.
type ClosureReport struct {
	Session     Session         `json:"session"`
	Closure     ClosureSnapshot `json:"closure"`
	TopProducts []ProductSales  `json:"top_products"`
}
