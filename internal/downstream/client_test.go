package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

func TestDeduct_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/stock/deductions" {
			t.Fatalf("path = %s, want /api/stock/deductions", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "intent-1" {
			t.Fatalf("Idempotency-Key = %q, want intent-1", got)
		}

		var req stockMovement
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.OrderID != "order-1" || req.WarehouseID != "wh-1" || len(req.Lines) != 1 {
			t.Fatalf("unexpected request: %+v", req)
		}
		if !req.Lines[0].Quantity.Equal(decimal.NewFromInt(2)) {
			t.Fatalf("quantity = %s, want 2", req.Lines[0].Quantity)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewStockClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Deduct(ctx, "intent-1", "order-1", "wh-1", []model.StockLine{
		{ProductID: "coffee", Quantity: decimal.NewFromInt(2)},
	})
	if err != nil {
		t.Fatalf("Deduct error: %v", err)
	}
}

func TestPostSale_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewAccountingClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.PostSale(ctx, "intent-2", &model.Order{ID: "order-1"})

	var ra *RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("expected RetryAfterError, got %v", err)
	}
	if ra.RetryAfter < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", ra.RetryAfter)
	}
}

func TestPostSale_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger locked", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewAccountingClient(ts.URL)

	err := client.PostSale(context.Background(), "k", &model.Order{ID: "order-1"})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", se.StatusCode)
	}
	if se.Permanent() {
		t.Fatalf("503 must be retryable")
	}
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		if got := (&StatusError{StatusCode: tt.code}).Permanent(); got != tt.permanent {
			t.Fatalf("Permanent(%d) = %v, want %v", tt.code, got, tt.permanent)
		}
	}
}

func TestNotConfigured(t *testing.T) {
	client := NewStockClient("")

	err := client.Deduct(context.Background(), "k", "o", "w", nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCatalogLookup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/products/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path != "/api/products/coffee" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("price_list"); got != "main" {
			t.Fatalf("price_list = %q, want main", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"coffee","name":"Coffee","unit_price":"2.50","tax_set_id":"vat"}`))
	}))
	defer ts.Close()

	client := NewCatalogClient(ts.URL)

	p, err := client.Lookup(context.Background(), "main", "coffee")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if p.Name != "Coffee" || p.TaxSetID != "vat" || !p.UnitPrice.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected product: %+v", p)
	}

	_, err = client.Lookup(context.Background(), "main", "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
