package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pos-engine/internal/model"
)

type item struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" validate:"dec_nonzero"`
	Discount  decimal.Decimal `json:"discount_percent" validate:"dec_percent"`
}

type request struct {
	Cash  decimal.Decimal `json:"cash" validate:"dec_nonneg"`
	Kind  string          `json:"kind" validate:"omitempty,oneof=percent fixed"`
	Items []item          `json:"items" validate:"required,min=1,dive"`
}

func TestStruct(t *testing.T) {
	valid := func() request {
		return request{
			Cash:  decimal.NewFromInt(10),
			Items: []item{{ProductID: "cake", Quantity: decimal.NewFromInt(1)}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *request)
		message string
	}{
		{
			name:   "valid",
			mutate: func(r *request) {},
		},
		{
			name:    "negative cash",
			mutate:  func(r *request) { r.Cash = decimal.NewFromInt(-1) },
			message: "cash must not be negative",
		},
		{
			name:    "unknown kind",
			mutate:  func(r *request) { r.Kind = "bogus" },
			message: "kind must be one of [percent fixed]",
		},
		{
			name:    "no items",
			mutate:  func(r *request) { r.Items = nil },
			message: "items is required",
		},
		{
			name:    "zero quantity",
			mutate:  func(r *request) { r.Items[0].Quantity = decimal.Zero },
			message: "items[0].quantity must not be zero",
		},
		{
			name:    "discount above hundred",
			mutate:  func(r *request) { r.Items[0].Discount = decimal.NewFromInt(101) },
			message: "items[0].discount_percent must be within [0, 100]",
		},
		{
			name:    "missing product",
			mutate:  func(r *request) { r.Items[0].ProductID = "" },
			message: "items[0].product_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)

			err := Struct("test", r)
			if tt.message == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, model.ErrValidation)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
