package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

type openSessionRequest struct {
	TerminalID  string          `json:"terminal_id" validate:"required"`
	OpeningCash decimal.Decimal `json:"opening_cash" validate:"dec_nonneg"`
}

type cashRequest struct {
	Cash  decimal.Decimal `json:"cash" validate:"dec_nonneg"`
	Notes string          `json:"notes" validate:"max=2000"`
}

type sessionResponse struct {
	*model.Session
	Totals model.SessionTotals `json:"totals"`
}

// OpenSession открывает смену для кассира из cookie.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	cashierID, ok := h.cashier(w, r)
	if !ok {
		return
	}

	var req openSessionRequest
	if !h.decode(w, r, "open session", &req) {
		return
	}

	sess, err := h.service.Open(r.Context(), req.TerminalID, cashierID, req.OpeningCash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession возвращает смену вместе с текущими итогами.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	totals, err := h.service.Totals(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Totals: totals})
}

// ConfirmOpening подтверждает пересчитанный размен.
func (h *Handler) ConfirmOpening(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !h.decode(w, r, "confirm opening", &req) {
		return
	}

	sess, err := h.service.ConfirmOpening(r.Context(), chi.URLParam(r, "id"), req.Cash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StartClosing переводит смену в закрытие.
func (h *Handler) StartClosing(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.StartClosing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CloseSession закрывает смену и возвращает отчёт о закрытии.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !h.decode(w, r, "close session", &req) {
		return
	}

	report, err := h.service.Close(r.Context(), chi.URLParam(r, "id"), req.Cash, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ReopenSession возвращает закрытую смену в работу.
func (h *Handler) ReopenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Reopen(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionReport возвращает отчёт по смене.
func (h *Handler) SessionReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
