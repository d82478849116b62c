package downstream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// StockClient обращается к складской системе.
type StockClient struct {
	*Client
}

// NewStockClient создаёт клиент складской системы.
func NewStockClient(baseURL string) *StockClient {
	return &StockClient{Client: NewClient(baseURL)}
}

type stockMovement struct {
	OrderID     string            `json:"order_id"`
	WarehouseID string            `json:"warehouse_id"`
	Lines       []model.StockLine `json:"lines"`
}

// Deduct списывает товары заказа со склада.
func (c *StockClient) Deduct(ctx context.Context, key, orderID, warehouseID string, lines []model.StockLine) error {
	err := c.do(ctx, http.MethodPost, "/api/stock/deductions", key, stockMovement{
		OrderID:     orderID,
		WarehouseID: warehouseID,
		Lines:       lines,
	}, nil)
	if err != nil {
		return fmt.Errorf("stock deduction: %w", err)
	}
	return nil
}

// Return возвращает товары отменённого заказа на склад.
func (c *StockClient) Return(ctx context.Context, key, orderID, warehouseID string, lines []model.StockLine) error {
	err := c.do(ctx, http.MethodPost, "/api/stock/returns", key, stockMovement{
		OrderID:     orderID,
		WarehouseID: warehouseID,
		Lines:       lines,
	}, nil)
	if err != nil {
		return fmt.Errorf("stock return: %w", err)
	}
	return nil
}
