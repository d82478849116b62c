package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/downstream"
	"github.com/mmeshcher/pos-engine/internal/metrics"
	"github.com/mmeshcher/pos-engine/internal/model"
)

// Store описывает хранилище исходящей очереди и данных для её исполнения.
type Store interface {
	// ClaimDueIntents берёт в работу созревшие записи и сдвигает их
	// next_attempt_at на lease, чтобы их не взял другой воркер.
	ClaimDueIntents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.FulfillmentIntent, error)
	MarkIntentDone(ctx context.Context, id string, at time.Time) error
	MarkIntentFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time, dead bool) error
	ListDeadIntents(ctx context.Context, limit int) ([]model.FulfillmentIntent, error)
	RetryIntent(ctx context.Context, id string, at time.Time) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
}

// Config управляет опросом и повторами.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Lease       time.Duration
	CallTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		BatchSize:   50,
		MaxAttempts: 10,
		Backoff:     2 * time.Second,
		MaxBackoff:  10 * time.Minute,
		Lease:       time.Minute,
		CallTimeout: 10 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
}

// Worker забирает намерения из очереди и исполняет их через Dispatcher.
type Worker struct {
	store      Store
	dispatcher Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Store
	cfg        Config
	nudge      chan struct{}
	now        func() time.Time
}

// NewWorker создаёт воркер исходящей очереди.
func NewWorker(store Store, dispatcher Dispatcher, logger *zap.Logger, m *metrics.Store, cfg Config) *Worker {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		cfg:        cfg,
		nudge:      make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Notify будит воркер, не блокируя вызывающего.
func (w *Worker) Notify() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run обрабатывает очередь до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.nudge:
		}

		for {
			n := w.ProcessBatch(ctx)
			if n < w.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessBatch исполняет одну порцию созревших намерений и возвращает их число.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	intents, err := w.store.ClaimDueIntents(ctx, w.now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim fulfillment intents", zap.Error(err))
		}
		return 0
	}

	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, intent)
	}

	return len(intents)
}

func (w *Worker) process(ctx context.Context, intent model.FulfillmentIntent) {
	kind := string(intent.Kind)
	w.metrics.FulfillmentAttempts.WithLabelValues(kind).Inc()

	err := w.execute(ctx, intent)
	if err == nil {
		if markErr := w.store.MarkIntentDone(ctx, intent.ID, w.now()); markErr != nil {
			w.logger.Error("mark fulfillment intent done",
				zap.Error(markErr), zap.String("intent", intent.ID), zap.String("order", intent.OrderID))
		}
		return
	}

	fErr := &model.FulfillmentError{OrderID: intent.OrderID, Kind: intent.Kind, Cause: err}
	w.metrics.FulfillmentFailures.WithLabelValues(kind).Inc()

	attempts := intent.Attempts + 1
	dead := attempts >= w.cfg.MaxAttempts || isPermanent(err)
	next := w.now().Add(backoffDelay(w.cfg.Backoff, w.cfg.MaxBackoff, attempts-1))

	var ra *downstream.RetryAfterError
	if errors.As(err, &ra) {
		if at := w.now().Add(ra.RetryAfter); at.After(next) {
			next = at
		}
	}

	if dead {
		w.metrics.FulfillmentDead.Inc()
		w.logger.Error("fulfillment intent moved to manual replay",
			zap.Error(fErr), zap.String("intent", intent.ID), zap.String("order", intent.OrderID),
			zap.String("kind", kind), zap.Int("attempts", attempts))
	} else {
		w.logger.Warn("fulfillment attempt failed",
			zap.Error(fErr), zap.String("intent", intent.ID), zap.String("order", intent.OrderID),
			zap.String("kind", kind), zap.Int("attempts", attempts), zap.Time("next_attempt_at", next))
	}

	if markErr := w.store.MarkIntentFailed(ctx, intent.ID, fErr.Error(), next, dead); markErr != nil {
		w.logger.Error("mark fulfillment intent failed",
			zap.Error(markErr), zap.String("intent", intent.ID), zap.String("order", intent.OrderID))
	}
}

func (w *Worker) execute(ctx context.Context, intent model.FulfillmentIntent) error {
	order, err := w.store.GetOrder(ctx, intent.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	terminal, err := w.store.GetTerminal(ctx, order.TerminalID)
	if err != nil {
		return fmt.Errorf("load terminal: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	start := w.now()
	err = dispatch(callCtx, w.dispatcher, intent, order, terminal)
	w.metrics.FulfillmentDuration.Observe(time.Since(start).Seconds())

	return err
}

// ListFailures возвращает намерения, ожидающие ручного повтора.
func (w *Worker) ListFailures(ctx context.Context, limit int) ([]model.FulfillmentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.store.ListDeadIntents(ctx, limit)
}

// Replay возвращает намерение в очередь и будит воркер.
func (w *Worker) Replay(ctx context.Context, intentID string) error {
	if err := w.store.RetryIntent(ctx, intentID, w.now()); err != nil {
		return err
	}
	w.Notify()
	return nil
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
