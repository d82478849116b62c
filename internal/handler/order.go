package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/service"
)

type lineRequest struct {
	ProductID       string          `json:"product_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"dec_nonzero"`
	DiscountPercent decimal.Decimal `json:"discount_percent" validate:"dec_percent"`
}

func (l lineRequest) input() service.LineInput {
	return service.LineInput{ProductID: l.ProductID, Quantity: l.Quantity, DiscountPercent: l.DiscountPercent}
}

func lineInputs(lines []lineRequest) []service.LineInput {
	res := make([]service.LineInput, 0, len(lines))
	for _, l := range lines {
		res = append(res, l.input())
	}
	return res
}

type createOrderRequest struct {
	CustomerID string        `json:"customer_id"`
	Lines      []lineRequest `json:"lines" validate:"max=500,dive"`
	OfflineID  string        `json:"offline_id"`
	CreatedAt  time.Time     `json:"created_at"`
}

type updateLineRequest struct {
	Quantity        *decimal.Decimal `json:"quantity"`
	DiscountPercent *decimal.Decimal `json:"discount_percent"`
}

type discountRequest struct {
	Type  string          `json:"type" validate:"omitempty,oneof=percent fixed"`
	Value decimal.Decimal `json:"value" validate:"dec_nonneg"`
}

type paymentRequest struct {
	PaymentMethodID string          `json:"payment_method_id" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionRef  string          `json:"transaction_ref" validate:"max=200"`
}

func paymentInputs(payments []paymentRequest) []service.PaymentInput {
	res := make([]service.PaymentInput, 0, len(payments))
	for _, p := range payments {
		res = append(res, service.PaymentInput{
			PaymentMethodID: p.PaymentMethodID,
			Amount:          p.Amount,
			TransactionRef:  p.TransactionRef,
		})
	}
	return res
}

type payRequest struct {
	Payments []paymentRequest `json:"payments" validate:"max=20,dive"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type refundRequest struct {
	LineIDs []string `json:"line_ids" validate:"dive,required"`
}

type offlineOrderRequest struct {
	OfflineID     string           `json:"offline_id"`
	CustomerID    string           `json:"customer_id"`
	CreatedAt     time.Time        `json:"created_at"`
	Lines         []lineRequest    `json:"lines"`
	DiscountType  string           `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	Payments      []paymentRequest `json:"payments"`
}

// Офлайн-заказы проверяются сервисом поштучно: ошибка одного не отклоняет пачку.
type syncRequest struct {
	Orders []offlineOrderRequest `json:"orders" validate:"required,min=1,max=1000"`
}

type syncResponse struct {
	Results []service.SyncResult `json:"results"`
}

type failuresResponse struct {
	Intents []model.FulfillmentIntent `json:"intents"`
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, status int, o *model.Order, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, o)
}

// CreateOrder создаёт черновик заказа в смене.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, "create order", &req) {
		return
	}

	o, err := h.service.Create(r.Context(), service.CreateOrderInput{
		SessionID:  chi.URLParam(r, "id"),
		CustomerID: req.CustomerID,
		Lines:      lineInputs(req.Lines),
		OfflineID:  req.OfflineID,
		CreatedAt:  req.CreatedAt,
	})
	h.respondOrder(w, r, http.StatusCreated, o, err)
}

// SyncOffline принимает пачку офлайн-заказов смены.
func (h *Handler) SyncOffline(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !h.decode(w, r, "sync offline", &req) {
		return
	}

	orders := make([]service.OfflineOrder, 0, len(req.Orders))
	for _, o := range req.Orders {
		orders = append(orders, service.OfflineOrder{
			OfflineID:     o.OfflineID,
			CustomerID:    o.CustomerID,
			CreatedAt:     o.CreatedAt,
			Lines:         lineInputs(o.Lines),
			DiscountType:  model.DiscountType(o.DiscountType),
			DiscountValue: o.DiscountValue,
			Payments:      paymentInputs(o.Payments),
		})
	}

	results, err := h.service.SyncOffline(r.Context(), chi.URLParam(r, "id"), orders)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Results: results})
}

// GetOrder возвращает заказ.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// AddLine добавляет строку в черновик.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if !h.decode(w, r, "add line", &req) {
		return
	}

	o, err := h.service.AddLine(r.Context(), chi.URLParam(r, "id"), req.input())
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// UpdateLine меняет количество или скидку строки.
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	var req updateLineRequest
	if !h.decode(w, r, "update line", &req) {
		return
	}

	o, err := h.service.UpdateLine(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"), service.LineUpdate{
		Quantity:        req.Quantity,
		DiscountPercent: req.DiscountPercent,
	})
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// RemoveLine удаляет строку из черновика.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.RemoveLine(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// ApplyDiscount задаёт скидку на заказ.
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if !h.decode(w, r, "apply discount", &req) {
		return
	}

	o, err := h.service.ApplyDiscount(r.Context(), chi.URLParam(r, "id"), model.DiscountType(req.Type), req.Value)
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// PayOrder принимает платежи по заказу.
func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !h.decode(w, r, "pay order", &req) {
		return
	}

	o, err := h.service.Pay(r.Context(), chi.URLParam(r, "id"), paymentInputs(req.Payments))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// MarkDone отмечает заказ выполненным.
func (h *Handler) MarkDone(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.MarkDone(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// Invoice выставляет счёт по заказу.
func (h *Handler) Invoice(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Invoice(r.Context(), chi.URLParam(r, "id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, "cancel order", &req) {
		return
	}

	o, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.respondOrder(w, r, http.StatusOK, o, err)
}

// RefundOrder создаёт заказ возврата.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !h.decode(w, r, "refund order", &req) {
		return
	}

	o, err := h.service.Refund(r.Context(), chi.URLParam(r, "id"), req.LineIDs)
	h.respondOrder(w, r, http.StatusCreated, o, err)
}

// OrderIntents возвращает записи исходящей очереди заказа.
func (h *Handler) OrderIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := h.service.OrderIntents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, failuresResponse{Intents: intents})
}

// ListFailures возвращает записи очереди, ожидающие ручного повтора.
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	intents, err := h.service.ListFailures(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if intents == nil {
		intents = []model.FulfillmentIntent{}
	}
	writeJSON(w, http.StatusOK, failuresResponse{Intents: intents})
}

// Replay возвращает запись очереди на исполнение.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Replay(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
