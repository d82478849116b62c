package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// SyncStatus — итог синхронизации одного офлайн-заказа.
type SyncStatus string

const (
	SyncAccepted  SyncStatus = "accepted"
	SyncDuplicate SyncStatus = "duplicate"
	SyncRejected  SyncStatus = "rejected"
)

// OfflineOrder — заказ, собранный терминалом без связи.
type OfflineOrder struct {
	OfflineID     string
	CustomerID    string
	CreatedAt     time.Time
	Lines         []LineInput
	DiscountType  model.DiscountType
	DiscountValue decimal.Decimal
	Payments      []PaymentInput
}

// SyncResult описывает результат по одному офлайн-заказу.
type SyncResult struct {
	OfflineID string     `json:"offline_id"`
	OrderID   string     `json:"order_id,omitempty"`
	Reference string     `json:"reference,omitempty"`
	Status    SyncStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
}

// SyncOffline принимает пачку офлайн-заказов смены. Каждый заказ создаётся
// идемпотентно по OfflineID и оплачивается, если переданы платежи. Ошибка
// одного заказа не мешает остальным.
func (s *Service) SyncOffline(ctx context.Context, sessionID string, orders []OfflineOrder) ([]SyncResult, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, mapErr("sync offline", err)
	}

	results := make([]SyncResult, 0, len(orders))
	for _, in := range orders {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, s.syncOne(ctx, sessionID, in))
	}

	return results, nil
}

func (s *Service) syncOne(ctx context.Context, sessionID string, in OfflineOrder) SyncResult {
	res := SyncResult{OfflineID: in.OfflineID}
	if in.OfflineID == "" {
		res.Status = SyncRejected
		res.Reason = "offline id is required"
		return res
	}

	o, created, err := s.createOrder(ctx, CreateOrderInput{
		SessionID:  sessionID,
		CustomerID: in.CustomerID,
		Lines:      in.Lines,
		OfflineID:  in.OfflineID,
		CreatedAt:  in.CreatedAt,
	})
	if err != nil {
		return s.reject(res, err)
	}
	res.OrderID = o.ID
	res.Reference = o.Reference

	if !created {
		switch {
		case o.State == model.OrderCancelled:
			res.Status = SyncRejected
			res.Reason = o.CancelReason
			return res
		case o.State != model.OrderDraft || len(in.Payments) == 0:
			res.Status = SyncDuplicate
			return res
		}
		// Черновик остался от прерванной попытки: доводим его до оплаты.
	}

	if in.DiscountType != model.DiscountNone {
		if _, err := s.ApplyDiscount(ctx, o.ID, in.DiscountType, in.DiscountValue); err != nil {
			return s.rejectDraft(ctx, res, err)
		}
	}
	if len(in.Payments) > 0 {
		if _, err := s.Pay(ctx, o.ID, in.Payments); err != nil {
			return s.rejectDraft(ctx, res, err)
		}
	}

	res.Status = SyncAccepted
	return res
}

func (s *Service) reject(res SyncResult, err error) SyncResult {
	res.Status = SyncRejected
	res.Reason = err.Error()
	s.logger.Warn("offline order rejected", zap.String("offline_id", res.OfflineID), zap.Error(err))
	return res
}

// rejectDraft отменяет непринятый черновик, чтобы он не мешал закрытию
// смены. Если заказ уже оплачен параллельной синхронизацией, это повтор.
func (s *Service) rejectDraft(ctx context.Context, res SyncResult, cause error) SyncResult {
	if errors.Is(cause, model.ErrState) {
		if o, err := s.repo.GetOrder(ctx, res.OrderID); err == nil && o.State != model.OrderDraft {
			res.Status = SyncDuplicate
			return res
		}
	}

	if _, err := s.Cancel(ctx, res.OrderID, "offline sync rejected: "+cause.Error()); err != nil {
		s.logger.Error("cancel rejected offline order",
			zap.String("order", res.OrderID), zap.Error(err))
	}
	return s.reject(res, cause)
}
