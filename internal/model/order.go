package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState описывает состояние заказа.
type OrderState string

const (
	OrderDraft     OrderState = "draft"
	OrderPaid      OrderState = "paid"
	OrderDone      OrderState = "done"
	OrderInvoiced  OrderState = "invoiced"
	OrderCancelled OrderState = "cancelled"
	OrderRefunded  OrderState = "refunded"
)

// CanTransitionTo проверяет допустимость перехода между состояниями заказа.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	switch s {
	case OrderDraft:
		return next == OrderPaid || next == OrderCancelled
	case OrderPaid:
		return next == OrderDone || next == OrderInvoiced || next == OrderCancelled || next == OrderRefunded
	case OrderDone, OrderInvoiced:
		return next == OrderRefunded
	default:
		return false
	}
}

// Counted сообщает, входит ли заказ в итоги смены.
func (s OrderState) Counted() bool {
	switch s {
	case OrderPaid, OrderDone, OrderInvoiced, OrderRefunded:
		return true
	default:
		return false
	}
}

// DiscountType описывает вид скидки на заказ.
type DiscountType string

const (
	DiscountNone    DiscountType = ""
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// Totals содержит рассчитанные суммы заказа.
type Totals struct {
	Untaxed        decimal.Decimal `json:"amount_untaxed"`
	Tax            decimal.Decimal `json:"amount_tax"`
	Subtotal       decimal.Decimal `json:"amount_subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"amount_total"`
}

// OrderLine описывает строку заказа.
type OrderLine struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxSetID        string          `json:"tax_set_id,omitempty"`
	SubtotalUntaxed decimal.Decimal `json:"subtotal_untaxed"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	// RefundedLineID указывает строку исходного заказа для возвратов.
	RefundedLineID string `json:"refunded_line_id,omitempty"`
}

// Payment описывает платёж по заказу.
type Payment struct {
	ID              string          `json:"id"`
	PaymentMethodID string          `json:"payment_method_id"`
	Category        PaymentCategory `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionRef  string          `json:"transaction_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Order описывает продажу внутри смены.
type Order struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	TerminalID    string          `json:"terminal_id"`
	Reference     string          `json:"reference"`
	Sequence      int             `json:"sequence"`
	CustomerID    string          `json:"customer_id,omitempty"`
	State         OrderState      `json:"state"`
	DiscountType  DiscountType    `json:"discount_type,omitempty"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	Totals        Totals          `json:"totals"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountReturn  decimal.Decimal `json:"amount_return"`
	Lines         []OrderLine     `json:"lines"`
	Payments      []Payment       `json:"payments,omitempty"`
	OfflineID     string          `json:"offline_id,omitempty"`
	IsOffline     bool            `json:"is_offline"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
	RefundOf      string          `json:"refund_of,omitempty"`
	// RefundedFrom — состояние исходного заказа до возврата. Отмена черновика
	// возврата возвращает исходный заказ в это состояние.
	RefundedFrom  OrderState      `json:"refunded_from,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Line возвращает индекс строки по идентификатору.
func (o *Order) Line(id string) (int, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// Clone возвращает глубокую копию заказа. Сервис меняет копию и сохраняет
// её только после успешных проверок.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	c.Payments = append([]Payment(nil), o.Payments...)
	if o.SyncedAt != nil {
		t := *o.SyncedAt
		c.SyncedAt = &t
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return &c
}
