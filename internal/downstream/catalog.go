package downstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// CatalogClient запрашивает товары у внешнего каталога.
type CatalogClient struct {
	*Client
}

// NewCatalogClient создаёт клиент каталога.
func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{Client: NewClient(baseURL)}
}

type productResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxSetID  string          `json:"tax_set_id"`
}

// Lookup возвращает товар с ценой по прайс-листу.
func (c *CatalogClient) Lookup(ctx context.Context, priceListID, productID string) (model.Product, error) {
	path := "/api/products/" + url.PathEscape(productID)
	if priceListID != "" {
		path += "?price_list=" + url.QueryEscape(priceListID)
	}

	var resp productResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return model.Product{}, model.NotFoundf("lookup product", "product %s not found", productID)
		}
		return model.Product{}, fmt.Errorf("lookup product %s: %w", productID, err)
	}

	return model.Product{
		ID:        resp.ID,
		Name:      resp.Name,
		UnitPrice: resp.UnitPrice,
		TaxSetID:  resp.TaxSetID,
	}, nil
}
