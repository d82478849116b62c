package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/service"
)

type paymentMethodRequest struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name"`
	Category string `json:"category" validate:"required,oneof=cash card digital other"`
}

type terminalRequest struct {
	Code               string                 `json:"code" validate:"required,max=64"`
	Name               string                 `json:"name" validate:"max=200"`
	WarehouseID        string                 `json:"warehouse_id"`
	PriceListID        string                 `json:"price_list_id"`
	PaymentMethods     []paymentMethodRequest `json:"payment_methods" validate:"required,min=1,dive"`
	MaxDiscountPercent decimal.Decimal        `json:"max_discount_percent" validate:"dec_percent"`
	RequiresCustomer   bool                   `json:"requires_customer"`
	KioskMode          bool                   `json:"kiosk_mode"`
	CashControl        bool                   `json:"cash_control"`
	AllowedCashiers    []string               `json:"allowed_cashiers" validate:"dive,required"`
}

func (req terminalRequest) input() service.TerminalInput {
	methods := make([]model.PaymentMethod, 0, len(req.PaymentMethods))
	for _, m := range req.PaymentMethods {
		methods = append(methods, model.PaymentMethod{
			ID:       m.ID,
			Name:     m.Name,
			Category: model.PaymentCategory(m.Category),
		})
	}

	return service.TerminalInput{
		Code:               req.Code,
		Name:               req.Name,
		WarehouseID:        req.WarehouseID,
		PriceListID:        req.PriceListID,
		PaymentMethods:     methods,
		MaxDiscountPercent: req.MaxDiscountPercent,
		RequiresCustomer:   req.RequiresCustomer,
		KioskMode:          req.KioskMode,
		CashControl:        req.CashControl,
		AllowedCashiers:    req.AllowedCashiers,
	}
}

// RegisterTerminal регистрирует терминал.
func (h *Handler) RegisterTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminalRequest
	if !h.decode(w, r, "register terminal", &req) {
		return
	}

	t, err := h.service.RegisterTerminal(r.Context(), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTerminal возвращает терминал.
func (h *Handler) GetTerminal(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTerminal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTerminal заменяет конфигурацию терминала.
func (h *Handler) UpdateTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminalRequest
	if !h.decode(w, r, "update terminal", &req) {
		return
	}

	t, err := h.service.UpdateTerminal(r.Context(), chi.URLParam(r, "id"), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
