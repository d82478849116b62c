// Package service реализует бизнес-логику кассового движка: смены,
// заказы, синхронизацию офлайн-продаж и настройку терминалов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/lock"
	"github.com/mmeshcher/pos-engine/internal/metrics"
	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/money"
	"github.com/mmeshcher/pos-engine/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateTerminal(ctx context.Context, t *model.Terminal) error
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
	UpdateTerminal(ctx context.Context, t *model.Terminal) error

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
	CloseSession(ctx context.Context, s *model.Session, snap model.ClosureSnapshot) error
	FindSessions(ctx context.Context, terminalID string, states ...model.SessionState) ([]model.Session, error)
	NextOrderSequence(ctx context.Context, sessionID string) (int, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByOfflineID(ctx context.Context, sessionID, offlineID string) (*model.Order, error)
	ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	SaveOrderWithIntents(ctx context.Context, o *model.Order, intents []model.FulfillmentIntent) error
	SaveCancellation(ctx context.Context, o, restored *model.Order, now time.Time) error
	SaveRefund(ctx context.Context, original, refund *model.Order) error
	ListOrderIntents(ctx context.Context, orderID string) ([]model.FulfillmentIntent, error)
}

// ProductCatalog возвращает товар с ценой по прайс-листу.
type ProductCatalog interface {
	Lookup(ctx context.Context, priceListID, productID string) (model.Product, error)
}

// Outbox — исполнитель исходящей очереди.
type Outbox interface {
	Notify()
	ListFailures(ctx context.Context, limit int) ([]model.FulfillmentIntent, error)
	Replay(ctx context.Context, intentID string) error
}

// Service содержит бизнес-логику кассового движка.
type Service struct {
	repo    Repository
	catalog ProductCatalog
	calc    *money.Calculator
	outbox  Outbox
	logger  *zap.Logger
	metrics *metrics.Store
	locks   *lock.Keyed

	now   func() time.Time
	newID func() string
}

// NewService создаёт сервис. outbox, logger и m могут быть nil.
func NewService(repo Repository, catalog ProductCatalog, calc *money.Calculator, outbox Outbox, logger *zap.Logger, m *metrics.Store) *Service {
	if calc == nil {
		calc = money.NewCalculator(money.DefaultDigits, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	return &Service{
		repo:    repo,
		catalog: catalog,
		calc:    calc,
		outbox:  outbox,
		logger:  logger,
		metrics: m,
		locks:   lock.NewKeyed(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Shutdown освобождает ресурсы сервиса.
func (s *Service) Shutdown() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func terminalKey(id string) string { return "terminal:" + id }
func sessionKey(id string) string  { return "session:" + id }
func orderKey(id string) string    { return "order:" + id }

// mapErr переводит ошибки хранилища в доменные.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrTerminalNotFound),
		errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrIntentNotFound):
		return model.NotFoundf(op, "%v", err)
	case errors.Is(err, repository.ErrSessionActive),
		errors.Is(err, repository.ErrIntentNotDead):
		return model.Statef(op, "%v", err)
	case errors.Is(err, repository.ErrTerminalCodeExists):
		return model.Validationf(op, "%v", err)
	default:
		var de *model.DomainError
		if errors.As(err, &de) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Service) notify() {
	if s.outbox != nil {
		s.outbox.Notify()
	}
}

// ListFailures возвращает записи исходящей очереди, ожидающие ручного повтора.
func (s *Service) ListFailures(ctx context.Context, limit int) ([]model.FulfillmentIntent, error) {
	if s.outbox == nil {
		return nil, nil
	}
	res, err := s.outbox.ListFailures(ctx, limit)
	return res, mapErr("list failures", err)
}

// Replay ставит запись исходящей очереди на повторное исполнение.
func (s *Service) Replay(ctx context.Context, intentID string) error {
	if s.outbox == nil {
		return model.Statef("replay", "fulfillment worker is not running")
	}
	if err := s.outbox.Replay(ctx, intentID); err != nil {
		return mapErr("replay", err)
	}
	s.logger.Info("fulfillment intent replayed", zap.String("intent", intentID))
	return nil
}
