// Package handler содержит HTTP-обработчики API кассового движка.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/middleware"
	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/service"
	"github.com/mmeshcher/pos-engine/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthorizeCashier(ctx context.Context, terminalID, cashierID string) error

	RegisterTerminal(ctx context.Context, in service.TerminalInput) (*model.Terminal, error)
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
	UpdateTerminal(ctx context.Context, id string, in service.TerminalInput) (*model.Terminal, error)

	Open(ctx context.Context, terminalID, cashierID string, openingCash decimal.Decimal) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	Totals(ctx context.Context, sessionID string) (model.SessionTotals, error)
	ConfirmOpening(ctx context.Context, sessionID string, countedCash decimal.Decimal) (*model.Session, error)
	StartClosing(ctx context.Context, sessionID string) (*model.Session, error)
	Close(ctx context.Context, sessionID string, closingCash decimal.Decimal, notes string) (*model.ClosureReport, error)
	Reopen(ctx context.Context, sessionID string) (*model.Session, error)
	Report(ctx context.Context, sessionID string) (*model.ClosureReport, error)

	Create(ctx context.Context, in service.CreateOrderInput) (*model.Order, error)
	SyncOffline(ctx context.Context, sessionID string, orders []service.OfflineOrder) ([]service.SyncResult, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	AddLine(ctx context.Context, orderID string, in service.LineInput) (*model.Order, error)
	UpdateLine(ctx context.Context, orderID, lineID string, upd service.LineUpdate) (*model.Order, error)
	RemoveLine(ctx context.Context, orderID, lineID string) (*model.Order, error)
	ApplyDiscount(ctx context.Context, orderID string, kind model.DiscountType, value decimal.Decimal) (*model.Order, error)
	Pay(ctx context.Context, orderID string, payments []service.PaymentInput) (*model.Order, error)
	MarkDone(ctx context.Context, orderID string) (*model.Order, error)
	Invoice(ctx context.Context, orderID string) (*model.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (*model.Order, error)
	Refund(ctx context.Context, orderID string, lineIDs []string) (*model.Order, error)
	OrderIntents(ctx context.Context, orderID string) ([]model.FulfillmentIntent, error)

	ListFailures(ctx context.Context, limit int) ([]model.FulfillmentIntent, error)
	Replay(ctx context.Context, intentID string) error
}

// Handler реализует HTTP-обработчики API кассового движка.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт обработчик. metrics отдаётся на /metrics, если не nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metrics,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode читает тело запроса и проверяет его по тегам validate. Пустое
// тело равносильно пустому объекту. При ошибке ответ уже записан.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, dst any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	if err := validation.Struct(op, dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrState):
		return http.StatusConflict
	case errors.Is(err, model.ErrPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrFulfillment):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err), zap.String("method", r.Method), zap.String("path", r.URL.Path))
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) cashier(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.GetCashierIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

type loginRequest struct {
	TerminalID string `json:"terminal_id" validate:"required"`
	CashierID  string `json:"cashier_id" validate:"required"`
}

// Login проверяет допуск кассира к терминалу и выдаёт cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, "login", &req) {
		return
	}

	if err := h.service.AuthorizeCashier(r.Context(), req.TerminalID, req.CashierID); err != nil {
		if errors.Is(err, model.ErrValidation) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.CashierID)
	w.WriteHeader(http.StatusOK)
}
