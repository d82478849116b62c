package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mmeshcher/pos-engine/internal/fulfillment"
	"github.com/mmeshcher/pos-engine/internal/model"
)

func TestCreate_ReferenceSequence(t *testing.T) {
	f := newFixture(t)
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	first := f.order(t, sess.ID, line("coffee", "1"))
	second := f.order(t, sess.ID)

	assert.Equal(t, sess.Name+"-0001", first.Reference)
	assert.Equal(t, sess.Name+"-0002", second.Reference)
	assert.Equal(t, model.OrderDraft, first.State)
	assertDecimal(t, "2.50", first.Totals.Total)
	assert.Equal(t, "Coffee", first.Lines[0].ProductName)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t, func(in *TerminalInput) { in.RequiresCustomer = true })
	sess := f.openSession(t, term.ID, "0")

	_, err := f.svc.Create(ctx, CreateOrderInput{SessionID: sess.ID})
	assert.ErrorIs(t, err, model.ErrValidation, "customer required")

	_, err = f.svc.Create(ctx, CreateOrderInput{SessionID: sess.ID, CustomerID: "c1", Lines: []LineInput{line("caviar", "1")}})
	assert.ErrorIs(t, err, model.ErrValidation, "unknown product")

	_, err = f.svc.Create(ctx, CreateOrderInput{SessionID: "missing", CustomerID: "c1"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLineTaxes(t *testing.T) {
	f := newFixture(t)
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("bun", "3"), line("coffee", "1"))

	bun := o.Lines[0]
	assertDecimal(t, "3.00", bun.SubtotalUntaxed)
	assertDecimal(t, "0.48", bun.Tax)
	assertDecimal(t, "3.48", bun.Total)
	for _, l := range o.Lines {
		assert.True(t, l.Total.Equal(l.SubtotalUntaxed.Add(l.Tax)))
	}
	assertDecimal(t, "5.50", o.Totals.Untaxed)
	assertDecimal(t, "0.48", o.Totals.Tax)
	assertDecimal(t, "5.98", o.Totals.Total)
}

func TestLineMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")
	o := f.order(t, sess.ID)

	o, err := f.svc.AddLine(ctx, o.ID, line("coffee", "2"))
	require.NoError(t, err)
	assertDecimal(t, "5", o.Totals.Total)

	lineID := o.Lines[0].ID
	qty, discount := dec("4"), dec("10")
	o, err = f.svc.UpdateLine(ctx, o.ID, lineID, LineUpdate{Quantity: &qty, DiscountPercent: &discount})
	require.NoError(t, err)
	assertDecimal(t, "9", o.Totals.Total)

	zero := dec("0")
	_, err = f.svc.UpdateLine(ctx, o.ID, lineID, LineUpdate{Quantity: &zero})
	assert.ErrorIs(t, err, model.ErrValidation)

	tooMuch := dec("25")
	_, err = f.svc.UpdateLine(ctx, o.ID, lineID, LineUpdate{DiscountPercent: &tooMuch})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.UpdateLine(ctx, o.ID, "missing", LineUpdate{Quantity: &qty})
	assert.ErrorIs(t, err, model.ErrNotFound)

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assertDecimal(t, "9", stored.Totals.Total)

	o, err = f.svc.RemoveLine(ctx, o.ID, lineID)
	require.NoError(t, err)
	assert.Empty(t, o.Lines)
	assertDecimal(t, "0", o.Totals.Total)
}

// Пример с ограничением скидки: 25% режется до максимума терминала 20%.
func TestDiscountClippedAndChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("cake", "2"))
	o, err := f.svc.ApplyDiscount(ctx, o.ID, model.DiscountPercent, dec("25"))
	require.NoError(t, err)
	assertDecimal(t, "20", o.DiscountValue)
	assertDecimal(t, "25.00", o.Totals.Subtotal)
	assertDecimal(t, "5.00", o.Totals.DiscountAmount)
	assertDecimal(t, "20.00", o.Totals.Total)

	o, err = f.svc.Pay(ctx, o.ID, []PaymentInput{cash("30.00")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, o.State)
	assertDecimal(t, "30.00", o.AmountPaid)
	assertDecimal(t, "10.00", o.AmountReturn)
	require.NotNil(t, o.PaidAt)
	assert.EqualValues(t, 1, f.outbox.notified.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersPaid))

	intents, err := f.svc.OrderIntents(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	kinds := []model.IntentKind{intents[0].Kind, intents[1].Kind}
	assert.ElementsMatch(t, []model.IntentKind{model.IntentStockDeduction, model.IntentAccountingPosting}, kinds)
	for _, in := range intents {
		assert.Equal(t, model.IntentPending, in.Status)
	}

	_, err = f.svc.AddLine(ctx, o.ID, line("coffee", "1"))
	assert.ErrorIs(t, err, model.ErrState, "paid order lines are frozen")
}

func TestApplyDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")
	o := f.order(t, sess.ID, line("coffee", "2"))

	_, err := f.svc.ApplyDiscount(ctx, o.ID, model.DiscountFixed, dec("-1"))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.ApplyDiscount(ctx, o.ID, "bogus", dec("1"))
	assert.ErrorIs(t, err, model.ErrValidation)

	o, err = f.svc.ApplyDiscount(ctx, o.ID, model.DiscountFixed, dec("7"))
	require.NoError(t, err)
	assertDecimal(t, "5", o.Totals.DiscountAmount)
	assertDecimal(t, "0", o.Totals.Total)

	o, err = f.svc.ApplyDiscount(ctx, o.ID, model.DiscountNone, dec("0"))
	require.NoError(t, err)
	assertDecimal(t, "5", o.Totals.Total)
}

func TestPay_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	empty := f.order(t, sess.ID)
	_, err := f.svc.Pay(ctx, empty.ID, []PaymentInput{cash("1")})
	assert.ErrorIs(t, err, model.ErrValidation, "no lines")

	o := f.order(t, sess.ID, line("cake", "1"))

	tests := []struct {
		name     string
		payments []PaymentInput
		want     error
	}{
		{"no payments", nil, model.ErrValidation},
		{"unknown method", []PaymentInput{{PaymentMethodID: "cheque", Amount: dec("20")}}, model.ErrValidation},
		{"zero amount", []PaymentInput{cash("0")}, model.ErrValidation},
		{"negative amount", []PaymentInput{cash("-1"), cash("20")}, model.ErrValidation},
		{"underpaid", []PaymentInput{cash("10"), {PaymentMethodID: "card", Amount: dec("2.49")}}, model.ErrPayment},
		{"change without cash", []PaymentInput{{PaymentMethodID: "card", Amount: dec("20")}}, model.ErrPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Pay(ctx, o.ID, tt.payments)
			assert.ErrorIs(t, err, tt.want)

			stored, err := f.svc.Get(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, model.OrderDraft, stored.State)
			assert.Empty(t, stored.Payments)
			assertDecimal(t, "0", stored.AmountPaid)
		})
	}

	paid, err := f.svc.Pay(ctx, o.ID, []PaymentInput{cash("10"), {PaymentMethodID: "card", Amount: dec("2.50")}})
	require.NoError(t, err)
	assertDecimal(t, "0", paid.AmountReturn)

	_, err = f.svc.Pay(ctx, o.ID, []PaymentInput{cash("20")})
	assert.ErrorIs(t, err, model.ErrState, "already paid")
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("coffee", "1"))
	_, err := f.svc.MarkDone(ctx, o.ID)
	assert.ErrorIs(t, err, model.ErrState)

	_, err = f.svc.Pay(ctx, o.ID, []PaymentInput{cash("2.50")})
	require.NoError(t, err)

	_, err = f.svc.Invoice(ctx, o.ID)
	assert.ErrorIs(t, err, model.ErrValidation, "invoice needs a customer")

	done, err := f.svc.MarkDone(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, done.State)

	_, err = f.svc.Cancel(ctx, o.ID, "too late")
	assert.ErrorIs(t, err, model.ErrState)

	withCustomer, err := f.svc.Create(ctx, CreateOrderInput{SessionID: sess.ID, CustomerID: "c1", Lines: []LineInput{line("coffee", "1")}})
	require.NoError(t, err)
	_, err = f.svc.Pay(ctx, withCustomer.ID, []PaymentInput{cash("2.50")})
	require.NoError(t, err)
	invoiced, err := f.svc.Invoice(ctx, withCustomer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderInvoiced, invoiced.State)
}

func TestCancelPaid_ReversesDispatchedIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("coffee", "1"))
	o, err := f.svc.Pay(ctx, o.ID, []PaymentInput{cash("2.50")})
	require.NoError(t, err)

	intents, err := f.svc.OrderIntents(ctx, o.ID)
	require.NoError(t, err)
	var stockIntent string
	for _, in := range intents {
		if in.Kind == model.IntentStockDeduction {
			stockIntent = in.ID
		}
	}
	require.NoError(t, f.repo.MarkIntentDone(ctx, stockIntent, time.Now()))

	cancelled, err := f.svc.Cancel(ctx, o.ID, "wrong item")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.State)
	assert.Equal(t, "wrong item", cancelled.CancelReason)

	intents, err = f.svc.OrderIntents(ctx, o.ID)
	require.NoError(t, err)

	byKind := make(map[model.IntentKind]model.IntentStatus)
	for _, in := range intents {
		byKind[in.Kind] = in.Status
	}
	assert.Equal(t, model.IntentDone, byKind[model.IntentStockDeduction])
	assert.Equal(t, model.IntentCancelled, byKind[model.IntentAccountingPosting])
	assert.Equal(t, model.IntentPending, byKind[model.IntentStockReturn])
	_, reversed := byKind[model.IntentAccountingReversal]
	assert.False(t, reversed, "posting never happened, nothing to reverse")
}

func TestRefund_FullIsSymmetric(t *testing.T) {
	tests := []struct {
		name  string
		kind  model.DiscountType
		value string
	}{
		{"no discount", model.DiscountNone, "0"},
		{"percent", model.DiscountPercent, "15"},
		{"fixed", model.DiscountFixed, "3.33"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			term := f.terminal(t)
			sess := f.openSession(t, term.ID, "0")

			o := f.order(t, sess.ID, line("cake", "1"), line("bun", "3"), line("coffee", "0.5"))
			if tt.kind != model.DiscountNone {
				_, err := f.svc.ApplyDiscount(ctx, o.ID, tt.kind, dec(tt.value))
				require.NoError(t, err)
			}
			o, err := f.svc.Get(ctx, o.ID)
			require.NoError(t, err)
			o, err = f.svc.Pay(ctx, o.ID, []PaymentInput{{PaymentMethodID: "card", Amount: o.Totals.Total}})
			require.NoError(t, err)

			r, err := f.svc.Refund(ctx, o.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, model.OrderDraft, r.State)
			assert.Equal(t, o.ID, r.RefundOf)
			require.Len(t, r.Lines, len(o.Lines))
			for i, l := range r.Lines {
				assert.True(t, l.Quantity.Equal(o.Lines[i].Quantity.Neg()))
				assert.True(t, l.UnitPrice.Equal(o.Lines[i].UnitPrice))
				assert.Equal(t, o.Lines[i].ID, l.RefundedLineID)
			}
			assertDecimal(t, o.Totals.Total.Neg().String(), r.Totals.Total)
			assertDecimal(t, o.Totals.Tax.Neg().String(), r.Totals.Tax)
			assertDecimal(t, o.Totals.DiscountAmount.Neg().String(), r.Totals.DiscountAmount)

			orig, err := f.svc.Get(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, model.OrderRefunded, orig.State)

			_, err = f.svc.Refund(ctx, o.ID, nil)
			assert.ErrorIs(t, err, model.ErrState, "refunded order cannot be refunded again")

			_, err = f.svc.Pay(ctx, r.ID, []PaymentInput{cash(r.Totals.Total.Add(dec("1")).String())})
			assert.ErrorIs(t, err, model.ErrPayment, "refund must be settled exactly")

			paid, err := f.svc.Pay(ctx, r.ID, []PaymentInput{cash(r.Totals.Total.String())})
			require.NoError(t, err)
			assertDecimal(t, "0", paid.AmountReturn)

			_, err = f.svc.Refund(ctx, r.ID, nil)
			assert.ErrorIs(t, err, model.ErrState, "refund of a refund")
		})
	}
}

func TestRefund_Partial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("cake", "1"), line("coffee", "3"))
	_, err := f.svc.ApplyDiscount(ctx, o.ID, model.DiscountFixed, dec("4"))
	require.NoError(t, err)
	o, err = f.svc.Pay(ctx, o.ID, []PaymentInput{cash("16")})
	require.NoError(t, err)
	assertDecimal(t, "16", o.Totals.Total)

	_, err = f.svc.Refund(ctx, o.ID, []string{"missing"})
	assert.ErrorIs(t, err, model.ErrValidation)

	r, err := f.svc.Refund(ctx, o.ID, []string{o.Lines[1].ID, o.Lines[1].ID})
	require.NoError(t, err)
	require.Len(t, r.Lines, 1)
	assertDecimal(t, "-7.50", r.Totals.Subtotal)
	// 4.00 × 7.50 / 20.00
	assertDecimal(t, "-1.50", r.Totals.DiscountAmount)
	assertDecimal(t, "-6.00", r.Totals.Total)
}

func TestRefund_NeedsOpenSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("coffee", "1"))
	_, err := f.svc.Pay(ctx, o.ID, []PaymentInput{cash("2.50")})
	require.NoError(t, err)

	_, err = f.svc.StartClosing(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.svc.Close(ctx, sess.ID, dec("2.50"), "")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, o.ID, nil)
	require.ErrorIs(t, err, model.ErrState)

	next := f.openSession(t, term.ID, "0")
	r, err := f.svc.Refund(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, next.ID, r.SessionID)
	assert.True(t, strings.HasPrefix(r.Reference, next.Name))
}

func TestPay_ZeroTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t, func(in *TerminalInput) {
		in.PaymentMethods = []model.PaymentMethod{{ID: "card", Name: "Card", Category: model.PaymentCategoryCard}}
		in.MaxDiscountPercent = dec("100")
	})
	sess := f.openSession(t, term.ID, "0")

	free := func(t *testing.T) *model.Order {
		t.Helper()
		o := f.order(t, sess.ID, line("coffee", "1"))
		o, err := f.svc.ApplyDiscount(ctx, o.ID, model.DiscountFixed, dec("2.50"))
		require.NoError(t, err)
		assertDecimal(t, "0", o.Totals.Total)
		return o
	}
	card := func(amount string) PaymentInput {
		return PaymentInput{PaymentMethodID: "card", Amount: dec(amount)}
	}

	t.Run("without payments", func(t *testing.T) {
		o := free(t)
		paid, err := f.svc.Pay(ctx, o.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, model.OrderPaid, paid.State)
		assertDecimal(t, "0", paid.AmountPaid)
		assertDecimal(t, "0", paid.AmountReturn)

		intents, err := f.svc.OrderIntents(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, intents, 2)
	})

	t.Run("zero card payment", func(t *testing.T) {
		o := free(t)
		paid, err := f.svc.Pay(ctx, o.ID, []PaymentInput{card("0")})
		require.NoError(t, err)
		assert.Equal(t, model.OrderPaid, paid.State)
		assertDecimal(t, "0", paid.AmountReturn)
	})

	t.Run("overpaid by card", func(t *testing.T) {
		o := free(t)
		_, err := f.svc.Pay(ctx, o.ID, []PaymentInput{card("0.01")})
		assert.ErrorIs(t, err, model.ErrPayment)

		stored, err := f.svc.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderDraft, stored.State)
	})

	totals, err := f.svc.Totals(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.OrderCount)
	assertDecimal(t, "0", totals.TotalAmount)
}

func TestCancelRefund_RestoresOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	o := f.order(t, sess.ID, line("coffee", "2"))
	_, err := f.svc.Pay(ctx, o.ID, []PaymentInput{cash("5")})
	require.NoError(t, err)
	_, err = f.svc.MarkDone(ctx, o.ID)
	require.NoError(t, err)

	r, err := f.svc.Refund(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, r.RefundedFrom)

	cancelled, err := f.svc.Cancel(ctx, r.ID, "customer kept the coffee")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.State)

	orig, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, orig.State)

	r, err = f.svc.Refund(ctx, o.ID, nil)
	require.NoError(t, err, "original can be refunded again")
	_, err = f.svc.Pay(ctx, r.ID, []PaymentInput{cash("-5")})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, r.ID, "refund entered by mistake")
	require.NoError(t, err)
	orig, err = f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDone, orig.State)

	totals, err := f.svc.Totals(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.OrderCount)
	assertDecimal(t, "5", totals.TotalAmount)
	assertDecimal(t, "0", totals.TotalReturns)

	_, err = f.svc.StartClosing(ctx, sess.ID)
	require.NoError(t, err)
}

type failingDispatcher struct{}

func (failingDispatcher) RequestStockDeduction(context.Context, string, *model.Order, *model.Terminal) error {
	return errors.New("warehouse offline")
}

func (failingDispatcher) RequestAccountingPosting(context.Context, string, *model.Order) error {
	return errors.New("ledger offline")
}

func (failingDispatcher) RequestStockReturn(context.Context, string, *model.Order, *model.Terminal) error {
	return nil
}

func (failingDispatcher) RequestAccountingReversal(context.Context, string, *model.Order) error {
	return nil
}

func TestPay_DownstreamFailureKeepsOrderPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	worker := fulfillment.NewWorker(f.repo, failingDispatcher{}, zaptest.NewLogger(t), f.metrics,
		fulfillment.Config{MaxAttempts: 1, Backoff: time.Millisecond})
	f.svc.outbox = worker

	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")
	o := f.order(t, sess.ID, line("coffee", "1"))

	o, err := f.svc.Pay(ctx, o.ID, []PaymentInput{cash("2.50")})
	require.NoError(t, err)

	assert.Equal(t, 2, worker.ProcessBatch(ctx))

	stored, err := f.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, stored.State)

	failures, err := f.svc.ListFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	for _, in := range failures {
		assert.Equal(t, o.ID, in.OrderID)
		assert.Contains(t, in.LastError, "offline")
	}

	require.NoError(t, f.svc.Replay(ctx, failures[0].ID))
	err = f.svc.Replay(ctx, failures[0].ID)
	assert.ErrorIs(t, err, model.ErrState, "intent already back in the queue")

	err = f.svc.Replay(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConcurrentCreateKeepsSequenceUnique(t *testing.T) {
	f := newFixture(t)
	term := f.terminal(t)
	sess := f.openSession(t, term.ID, "0")

	const n = 25
	refs := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			o, err := f.svc.Create(context.Background(), CreateOrderInput{SessionID: sess.ID})
			if err != nil {
				errs <- err
				return
			}
			refs <- o.Reference
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("create: %v", err)
		case ref := <-refs:
			assert.False(t, seen[ref], "duplicate reference %s", ref)
			seen[ref] = true
		}
	}
	assert.True(t, seen[fmt.Sprintf("%s-%04d", sess.Name, n)])
}
