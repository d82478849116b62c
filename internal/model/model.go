// Package model содержит доменные сущности кассового движка.
package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentCategory описывает закрытый набор категорий способов оплаты.
type PaymentCategory string

const (
	PaymentCategoryCash    PaymentCategory = "cash"
	PaymentCategoryCard    PaymentCategory = "card"
	PaymentCategoryDigital PaymentCategory = "digital"
	PaymentCategoryOther   PaymentCategory = "other"
)

// ParsePaymentCategory проверяет строковое значение категории.
func ParsePaymentCategory(raw string) (PaymentCategory, error) {
	c := PaymentCategory(raw)
	if !c.IsValid() {
		return "", Validationf("parse payment category", "unknown payment category %q", raw)
	}
	return c, nil
}

// IsValid сообщает, входит ли категория в закрытый набор.
func (c PaymentCategory) IsValid() bool {
	switch c {
	case PaymentCategoryCash, PaymentCategoryCard, PaymentCategoryDigital, PaymentCategoryOther:
		return true
	default:
		return false
	}
}

// PaymentMethod описывает способ оплаты, разрешённый на терминале.
type PaymentMethod struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category PaymentCategory `json:"category"`
}

// Terminal содержит конфигурацию кассового терминала.
// Конфигурация не меняется, пока на терминале есть активная смена.
type Terminal struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	Name               string          `json:"name"`
	WarehouseID        string          `json:"warehouse_id"`
	PriceListID        string          `json:"price_list_id"`
	PaymentMethods     []PaymentMethod `json:"payment_methods"`
	MaxDiscountPercent decimal.Decimal `json:"max_discount_percent"`
	RequiresCustomer   bool            `json:"requires_customer"`
	KioskMode          bool            `json:"kiosk_mode"`
	CashControl        bool            `json:"cash_control"`
	AllowedCashiers    []string        `json:"allowed_cashiers,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PaymentMethod возвращает способ оплаты терминала по идентификатору.
func (t *Terminal) PaymentMethod(id string) (PaymentMethod, bool) {
	for _, m := range t.PaymentMethods {
		if m.ID == id {
			return m, true
		}
	}
	return PaymentMethod{}, false
}

// CashierAllowed сообщает, может ли кассир открыть смену на терминале.
// Пустой список означает отсутствие ограничений.
func (t *Terminal) CashierAllowed(cashierID string) bool {
	if len(t.AllowedCashiers) == 0 {
		return true
	}
	return slices.Contains(t.AllowedCashiers, cashierID)
}

// Validate проверяет согласованность конфигурации терминала.
func (t *Terminal) Validate() error {
	const op = "validate terminal"

	if t.Code == "" {
		return Validationf(op, "terminal code is required")
	}
	if t.MaxDiscountPercent.IsNegative() || t.MaxDiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return Validationf(op, "max discount percent must be within [0, 100], got %s", t.MaxDiscountPercent)
	}
	if len(t.PaymentMethods) == 0 {
		return Validationf(op, "terminal %s has no payment methods", t.Code)
	}

	seen := make(map[string]struct{}, len(t.PaymentMethods))
	for _, m := range t.PaymentMethods {
		if m.ID == "" {
			return Validationf(op, "payment method id is required")
		}
		if _, dup := seen[m.ID]; dup {
			return Validationf(op, "duplicate payment method %s", m.ID)
		}
		seen[m.ID] = struct{}{}

		if !m.Category.IsValid() {
			return Validationf(op, "payment method %s has unknown category %q", m.ID, m.Category)
		}
		if t.KioskMode && m.Category == PaymentCategoryCash {
			return Validationf(op, "kiosk terminal %s cannot accept cash method %s", t.Code, m.ID)
		}
	}

	return nil
}

// CategoryTotals содержит суммы платежей по категориям.
type CategoryTotals struct {
	Cash    decimal.Decimal `json:"cash"`
	Card    decimal.Decimal `json:"card"`
	Digital decimal.Decimal `json:"digital"`
	Other   decimal.Decimal `json:"other"`
}

// Add прибавляет сумму к категории. Неизвестная категория — ошибка программы.
func (c *CategoryTotals) Add(category PaymentCategory, amount decimal.Decimal) {
	switch category {
	case PaymentCategoryCash:
		c.Cash = c.Cash.Add(amount)
	case PaymentCategoryCard:
		c.Card = c.Card.Add(amount)
	case PaymentCategoryDigital:
		c.Digital = c.Digital.Add(amount)
	case PaymentCategoryOther:
		c.Other = c.Other.Add(amount)
	default:
		panic(fmt.Sprintf("unhandled payment category %q", category))
	}
}

// Get возвращает сумму по категории.
func (c CategoryTotals) Get(category PaymentCategory) decimal.Decimal {
	switch category {
	case PaymentCategoryCash:
		return c.Cash
	case PaymentCategoryCard:
		return c.Card
	case PaymentCategoryDigital:
		return c.Digital
	case PaymentCategoryOther:
		return c.Other
	default:
		panic(fmt.Sprintf("unhandled payment category %q", category))
	}
}

// Product — данные товара из каталога с ценой по прайс-листу терминала.
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxSetID  string          `json:"tax_set_id,omitempty"`
}

// StockLine — количество товара для списания или возврата на склад.
type StockLine struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}
