package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mmeshcher/pos-engine/internal/catalog"
	"github.com/mmeshcher/pos-engine/internal/metrics"
	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/money"
	"github.com/mmeshcher/pos-engine/internal/repository"
)

const testCatalog = `
tax_sets:
  vat16-incl:
    - name: VAT 16% incl.
      percent: "16"
      price_included: true
products:
  - id: cake
    name: Cake
    price: "12.50"
  - id: coffee
    name: Coffee
    price: "2.50"
  - id: bun
    name: Bun
    price: "1.16"
    tax_set: vat16-incl
`

type stubOutbox struct {
	notified atomic.Int32
}

func (o *stubOutbox) Notify() { o.notified.Add(1) }

func (o *stubOutbox) ListFailures(context.Context, int) ([]model.FulfillmentIntent, error) {
	return nil, nil
}

func (o *stubOutbox) Replay(context.Context, string) error { return nil }

type fixture struct {
	svc     *Service
	repo    *repository.MemoryRepository
	outbox  *stubOutbox
	metrics *metrics.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	static, err := catalog.Load(strings.NewReader(testCatalog))
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	outbox := &stubOutbox{}
	m := metrics.New()
	svc := NewService(repo, static, money.NewCalculator(2, static), outbox, zaptest.NewLogger(t), m)

	var (
		mu    sync.Mutex
		clock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	return &fixture{svc: svc, repo: repo, outbox: outbox, metrics: m}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func terminalInput(code string) TerminalInput {
	return TerminalInput{
		Code:        code,
		Name:        "Front desk",
		WarehouseID: "wh-main",
		PaymentMethods: []model.PaymentMethod{
			{ID: "cash", Name: "Cash", Category: model.PaymentCategoryCash},
			{ID: "card", Name: "Card", Category: model.PaymentCategoryCard},
		},
		MaxDiscountPercent: dec("20"),
	}
}

func (f *fixture) terminal(t *testing.T, mutate ...func(*TerminalInput)) *model.Terminal {
	t.Helper()
	in := terminalInput("POS-1")
	for _, m := range mutate {
		m(&in)
	}
	term, err := f.svc.RegisterTerminal(context.Background(), in)
	require.NoError(t, err)
	return term
}

func (f *fixture) openSession(t *testing.T, terminalID string, openingCash string) *model.Session {
	t.Helper()
	sess, err := f.svc.Open(context.Background(), terminalID, "alice", dec(openingCash))
	require.NoError(t, err)
	return sess
}

func (f *fixture) order(t *testing.T, sessionID string, lines ...LineInput) *model.Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), CreateOrderInput{SessionID: sessionID, Lines: lines})
	require.NoError(t, err)
	return o
}

func line(productID, qty string) LineInput {
	return LineInput{ProductID: productID, Quantity: dec(qty)}
}

func cash(amount string) PaymentInput {
	return PaymentInput{PaymentMethodID: "cash", Amount: dec(amount)}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", repository.ErrOrderNotFound, model.ErrNotFound},
		{"active session", repository.ErrSessionActive, model.ErrState},
		{"not dead", repository.ErrIntentNotDead, model.ErrState},
		{"code exists", repository.ErrTerminalCodeExists, model.ErrValidation},
		{"domain passthrough", model.Paymentf("op", "x"), model.ErrPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapErr("op", tt.err), tt.want)
		})
	}

	assert.NoError(t, mapErr("op", nil))
}
