// Package money реализует расчёт сумм строк и заказов.
package money

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// DefaultDigits — точность валюты по умолчанию.
const DefaultDigits = 2

var hundred = decimal.NewFromInt(100)

// TaxResult — результат расчёта налогов по строке целиком.
type TaxResult struct {
	TotalExcluded decimal.Decimal
	TotalIncluded decimal.Decimal
}

// TaxEngine описывает внешний расчёт налогов.
type TaxEngine interface {
	ComputeAll(ctx context.Context, price decimal.Decimal, taxSetID string, quantity decimal.Decimal) (TaxResult, error)
}

// Calculator считает суммы строк и заказа с округлением до точности валюты.
type Calculator struct {
	digits int32
	taxes  TaxEngine
}

// NewCalculator создаёт калькулятор. Если taxes равен nil, строки с набором
// налогов считаются ошибкой.
func NewCalculator(digits int32, taxes TaxEngine) *Calculator {
	if digits < 0 {
		digits = DefaultDigits
	}
	return &Calculator{digits: digits, taxes: taxes}
}

// Digits возвращает точность валюты.
func (c *Calculator) Digits() int32 { return c.digits }

// Round округляет сумму до точности валюты (половина — от нуля).
func (c *Calculator) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(c.digits)
}

// Line рассчитывает суммы одной строки. Округление выполняется здесь,
// до суммирования по заказу.
func (c *Calculator) Line(ctx context.Context, line model.OrderLine) (model.OrderLine, error) {
	if line.DiscountPercent.IsNegative() || line.DiscountPercent.GreaterThan(hundred) {
		return line, model.Validationf("compute line", "line discount %s out of [0, 100]", line.DiscountPercent)
	}

	price := line.UnitPrice.Mul(hundred.Sub(line.DiscountPercent)).Div(hundred)

	excluded := price.Mul(line.Quantity)
	included := excluded
	if line.TaxSetID != "" {
		if c.taxes == nil {
			return line, fmt.Errorf("compute line %s: tax engine not configured", line.ProductID)
		}
		res, err := c.taxes.ComputeAll(ctx, price, line.TaxSetID, line.Quantity)
		if err != nil {
			return line, fmt.Errorf("compute taxes for %s: %w", line.ProductID, err)
		}
		excluded, included = res.TotalExcluded, res.TotalIncluded
	}

	line.SubtotalUntaxed = c.Round(excluded)
	line.Total = c.Round(included)
	line.Tax = line.Total.Sub(line.SubtotalUntaxed)

	return line, nil
}

// DiscountAmount считает скидку на заказ от суммы до скидки.
// Процент ограничен [0, 100], фиксированная скидка — модулем суммы.
func (c *Calculator) DiscountAmount(subtotal decimal.Decimal, kind model.DiscountType, value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() || subtotal.IsZero() {
		return decimal.Zero
	}

	switch kind {
	case model.DiscountPercent:
		if value.GreaterThan(hundred) {
			value = hundred
		}
		return c.Round(subtotal.Mul(value).Div(hundred))
	case model.DiscountFixed:
		abs := subtotal.Abs()
		if value.GreaterThan(abs) {
			value = abs
		}
		if subtotal.IsNegative() {
			value = value.Neg()
		}
		return c.Round(value)
	default:
		return decimal.Zero
	}
}

// Order пересчитывает все строки и итоги заказа. Возвращает новый набор
// строк и новый снимок итогов; при ошибке заказ остаётся прежним.
func (c *Calculator) Order(ctx context.Context, o *model.Order) ([]model.OrderLine, model.Totals, error) {
	lines := make([]model.OrderLine, len(o.Lines))

	var t model.Totals
	for i, l := range o.Lines {
		computed, err := c.Line(ctx, l)
		if err != nil {
			return nil, model.Totals{}, err
		}
		lines[i] = computed

		t.Untaxed = t.Untaxed.Add(computed.SubtotalUntaxed)
		t.Tax = t.Tax.Add(computed.Tax)
		t.Subtotal = t.Subtotal.Add(computed.Total)
	}

	t.DiscountAmount = c.DiscountAmount(t.Subtotal, o.DiscountType, o.DiscountValue)
	t.Total = t.Subtotal.Sub(t.DiscountAmount)

	return lines, t, nil
}

// Change возвращает сдачу: max(0, paid − total).
func Change(paid, total decimal.Decimal) decimal.Decimal {
	d := paid.Sub(total)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
