// Package fulfillment исполняет продажи во внешних системах через
// исходящую очередь: оплаченный заказ сохраняет намерения вместе со сменой
// состояния, а воркер доставляет их складу и бухгалтерии с повторами.
package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// ErrServiceNotConfigured возвращается, если внешняя система не подключена.
var ErrServiceNotConfigured = errors.New("fulfillment service not configured")

// StockService — складская система.
type StockService interface {
	Deduct(ctx context.Context, key, orderID, warehouseID string, lines []model.StockLine) error
	Return(ctx context.Context, key, orderID, warehouseID string, lines []model.StockLine) error
}

// AccountingService — бухгалтерская система.
type AccountingService interface {
	PostSale(ctx context.Context, key string, order *model.Order) error
	ReverseSale(ctx context.Context, key string, order *model.Order) error
}

// Dispatcher — граница исполнения продажи. Каждый вызов независим и может
// завершиться ошибкой, не затрагивая состояние заказа.
type Dispatcher interface {
	RequestStockDeduction(ctx context.Context, key string, order *model.Order, terminal *model.Terminal) error
	RequestAccountingPosting(ctx context.Context, key string, order *model.Order) error
	RequestStockReturn(ctx context.Context, key string, order *model.Order, terminal *model.Terminal) error
	RequestAccountingReversal(ctx context.Context, key string, order *model.Order) error
}

// Gateway реализует Dispatcher поверх клиентов внешних систем.
type Gateway struct {
	stock      StockService
	accounting AccountingService
}

// NewGateway создаёт шлюз. Любой из сервисов может быть nil.
func NewGateway(stock StockService, accounting AccountingService) *Gateway {
	return &Gateway{stock: stock, accounting: accounting}
}

// RequestStockDeduction списывает товары заказа со склада терминала.
func (g *Gateway) RequestStockDeduction(ctx context.Context, key string, order *model.Order, terminal *model.Terminal) error {
	if g.stock == nil {
		return ErrServiceNotConfigured
	}
	return g.stock.Deduct(ctx, key, order.ID, terminal.WarehouseID, StockLines(order))
}

// RequestAccountingPosting проводит продажу в учёте.
func (g *Gateway) RequestAccountingPosting(ctx context.Context, key string, order *model.Order) error {
	if g.accounting == nil {
		return ErrServiceNotConfigured
	}
	return g.accounting.PostSale(ctx, key, order)
}

// RequestStockReturn возвращает товары отменённого заказа на склад.
func (g *Gateway) RequestStockReturn(ctx context.Context, key string, order *model.Order, terminal *model.Terminal) error {
	if g.stock == nil {
		return ErrServiceNotConfigured
	}
	return g.stock.Return(ctx, key, order.ID, terminal.WarehouseID, StockLines(order))
}

// RequestAccountingReversal сторнирует проводку отменённого заказа.
func (g *Gateway) RequestAccountingReversal(ctx context.Context, key string, order *model.Order) error {
	if g.accounting == nil {
		return ErrServiceNotConfigured
	}
	return g.accounting.ReverseSale(ctx, key, order)
}

// StockLines сворачивает строки заказа по товарам, сохраняя порядок
// первого появления. Количества возвратов отрицательные.
func StockLines(order *model.Order) []model.StockLine {
	idx := make(map[string]int, len(order.Lines))
	lines := make([]model.StockLine, 0, len(order.Lines))

	for _, l := range order.Lines {
		i, ok := idx[l.ProductID]
		if !ok {
			idx[l.ProductID] = len(lines)
			lines = append(lines, model.StockLine{ProductID: l.ProductID, Quantity: decimal.Zero})
			i = len(lines) - 1
		}
		lines[i].Quantity = lines[i].Quantity.Add(l.Quantity)
	}

	return lines
}

func dispatch(ctx context.Context, d Dispatcher, intent model.FulfillmentIntent, order *model.Order, terminal *model.Terminal) error {
	switch intent.Kind {
	case model.IntentStockDeduction:
		return d.RequestStockDeduction(ctx, intent.ID, order, terminal)
	case model.IntentAccountingPosting:
		return d.RequestAccountingPosting(ctx, intent.ID, order)
	case model.IntentStockReturn:
		return d.RequestStockReturn(ctx, intent.ID, order, terminal)
	case model.IntentAccountingReversal:
		return d.RequestAccountingReversal(ctx, intent.ID, order)
	default:
		return permanentError{fmt.Errorf("unknown intent kind %q", intent.Kind)}
	}
}

type permanentError struct{ error }

func (e permanentError) Permanent() bool { return true }
func (e permanentError) Unwrap() error   { return e.error }
