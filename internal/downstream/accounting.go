package downstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// AccountingClient обращается к бухгалтерской системе.
type AccountingClient struct {
	*Client
}

// NewAccountingClient создаёт клиент бухгалтерской системы.
func NewAccountingClient(baseURL string) *AccountingClient {
	return &AccountingClient{Client: NewClient(baseURL)}
}

type salePayment struct {
	Method   string          `json:"method"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

type saleEntry struct {
	OrderID    string          `json:"order_id"`
	Reference  string          `json:"reference"`
	SessionID  string          `json:"session_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Untaxed    decimal.Decimal `json:"amount_untaxed"`
	Tax        decimal.Decimal `json:"amount_tax"`
	Discount   decimal.Decimal `json:"discount"`
	Total      decimal.Decimal `json:"amount_total"`
	Change     decimal.Decimal `json:"amount_return"`
	Payments   []salePayment   `json:"payments"`
	Date       time.Time       `json:"date"`
}

func newSaleEntry(o *model.Order) saleEntry {
	e := saleEntry{
		OrderID:    o.ID,
		Reference:  o.Reference,
		SessionID:  o.SessionID,
		CustomerID: o.CustomerID,
		Untaxed:    o.Totals.Untaxed,
		Tax:        o.Totals.Tax,
		Discount:   o.Totals.DiscountAmount,
		Total:      o.Totals.Total,
		Change:     o.AmountReturn,
		Payments:   make([]salePayment, 0, len(o.Payments)),
		Date:       o.CreatedAt,
	}
	if o.PaidAt != nil {
		e.Date = *o.PaidAt
	}
	for _, p := range o.Payments {
		e.Payments = append(e.Payments, salePayment{
			Method:   p.PaymentMethodID,
			Category: string(p.Category),
			Amount:   p.Amount,
		})
	}
	return e
}

// PostSale проводит продажу в учёте.
func (c *AccountingClient) PostSale(ctx context.Context, key string, order *model.Order) error {
	if err := c.do(ctx, http.MethodPost, "/api/accounting/sales", key, newSaleEntry(order), nil); err != nil {
		return fmt.Errorf("accounting posting: %w", err)
	}
	return nil
}

// ReverseSale сторнирует проводку отменённой продажи.
func (c *AccountingClient) ReverseSale(ctx context.Context, key string, order *model.Order) error {
	if err := c.do(ctx, http.MethodPost, "/api/accounting/reversals", key, newSaleEntry(order), nil); err != nil {
		return fmt.Errorf("accounting reversal: %w", err)
	}
	return nil
}
