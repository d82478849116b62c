package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/model"
	"github.com/mmeshcher/pos-engine/internal/money"
	"github.com/mmeshcher/pos-engine/internal/repository"
)

// Источники заказов для метрик.
const (
	sourcePOS     = "pos"
	sourceOffline = "offline"
	sourceRefund  = "refund"
)

// LineInput описывает добавляемую строку заказа.
type LineInput struct {
	ProductID       string
	Quantity        decimal.Decimal
	DiscountPercent decimal.Decimal
}

// LineUpdate описывает изменение строки. nil-поля не меняются.
type LineUpdate struct {
	Quantity        *decimal.Decimal
	DiscountPercent *decimal.Decimal
}

// PaymentInput описывает платёж по заказу.
type PaymentInput struct {
	PaymentMethodID string
	Amount          decimal.Decimal
	TransactionRef  string
}

// CreateOrderInput описывает новый заказ.
type CreateOrderInput struct {
	SessionID  string
	CustomerID string
	Lines      []LineInput
	// OfflineID делает создание идемпотентным в пределах смены.
	OfflineID string
	// CreatedAt — время создания на устройстве для офлайн-заказов.
	CreatedAt time.Time
}

// Create создаёт черновик заказа в открытой смене. Повтор с тем же
// OfflineID возвращает ранее созданный заказ.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	o, _, err := s.createOrder(ctx, in)
	return o, err
}

func (s *Service) createOrder(ctx context.Context, in CreateOrderInput) (*model.Order, bool, error) {
	const op = "create order"

	unlock := s.locks.RLock(sessionKey(in.SessionID))
	defer unlock()

	sess, err := s.repo.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, false, mapErr(op, err)
	}

	if in.OfflineID != "" {
		existing, err := s.repo.GetOrderByOfflineID(ctx, sess.ID, in.OfflineID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, false, mapErr(op, err)
		}
	}

	if !sess.State.AcceptsOrders() {
		return nil, false, model.Statef(op, "session %s is %s", sess.Name, sess.State)
	}

	t, err := s.repo.GetTerminal(ctx, sess.TerminalID)
	if err != nil {
		return nil, false, mapErr(op, err)
	}
	if t.RequiresCustomer && in.CustomerID == "" {
		return nil, false, model.Validationf(op, "terminal %s requires a customer", t.Code)
	}

	now := s.now()
	o := &model.Order{
		ID:         s.newID(),
		SessionID:  sess.ID,
		TerminalID: t.ID,
		CustomerID: in.CustomerID,
		State:      model.OrderDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	source := sourcePOS
	if in.OfflineID != "" {
		source = sourceOffline
		o.OfflineID = in.OfflineID
		o.IsOffline = true
		o.SyncedAt = &now
		if !in.CreatedAt.IsZero() {
			o.CreatedAt = in.CreatedAt.UTC()
		}
	}

	for _, li := range in.Lines {
		line, err := s.buildLine(ctx, op, t, li)
		if err != nil {
			return nil, false, err
		}
		o.Lines = append(o.Lines, line)
	}
	if err := s.recompute(ctx, o); err != nil {
		return nil, false, err
	}

	seq, err := s.repo.NextOrderSequence(ctx, sess.ID)
	if err != nil {
		return nil, false, mapErr(op, err)
	}
	o.Sequence = seq
	o.Reference = orderReference(sess.Name, seq)

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, repository.ErrDuplicateOfflineID) {
			existing, getErr := s.repo.GetOrderByOfflineID(ctx, sess.ID, in.OfflineID)
			if getErr != nil {
				return nil, false, mapErr(op, getErr)
			}
			return existing, false, nil
		}
		return nil, false, mapErr(op, err)
	}

	s.metrics.OrdersCreated.WithLabelValues(source).Inc()
	s.logger.Debug("order created",
		zap.String("order", o.ID), zap.String("reference", o.Reference), zap.String("source", source))

	return o, true, nil
}

func orderReference(sessionName string, seq int) string {
	return fmt.Sprintf("%s-%04d", sessionName, seq)
}

// buildLine проверяет ввод и заполняет строку данными каталога.
func (s *Service) buildLine(ctx context.Context, op string, t *model.Terminal, in LineInput) (model.OrderLine, error) {
	if in.ProductID == "" {
		return model.OrderLine{}, model.Validationf(op, "product is required")
	}
	if err := checkLine(op, t, in.Quantity, in.DiscountPercent); err != nil {
		return model.OrderLine{}, err
	}

	p, err := s.catalog.Lookup(ctx, t.PriceListID, in.ProductID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.OrderLine{}, model.Validationf(op, "unknown product %s", in.ProductID)
		}
		return model.OrderLine{}, fmt.Errorf("%s: lookup product %s: %w", op, in.ProductID, err)
	}

	return model.OrderLine{
		ID:              s.newID(),
		ProductID:       p.ID,
		ProductName:     p.Name,
		Quantity:        in.Quantity,
		UnitPrice:       p.UnitPrice,
		DiscountPercent: in.DiscountPercent,
		TaxSetID:        p.TaxSetID,
	}, nil
}

func checkLine(op string, t *model.Terminal, qty, discount decimal.Decimal) error {
	if qty.IsZero() {
		return model.Validationf(op, "quantity must not be zero")
	}
	if discount.IsNegative() || discount.GreaterThan(t.MaxDiscountPercent) {
		return model.Validationf(op, "line discount %s out of [0, %s]", discount, t.MaxDiscountPercent)
	}
	return nil
}

// recompute пересчитывает строки и итоги. Заказ меняется только при успехе.
func (s *Service) recompute(ctx context.Context, o *model.Order) error {
	lines, totals, err := s.calc.Order(ctx, o)
	if err != nil {
		return err
	}
	o.Lines = lines
	o.Totals = totals
	return nil
}

// Get возвращает заказ.
func (s *Service) Get(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	return o, mapErr("get order", err)
}

// OrderIntents возвращает записи исходящей очереди заказа.
func (s *Service) OrderIntents(ctx context.Context, orderID string) ([]model.FulfillmentIntent, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, mapErr("order intents", err)
	}
	res, err := s.repo.ListOrderIntents(ctx, orderID)
	return res, mapErr("order intents", err)
}

// mutateDraft применяет fn к копии черновика под блокировкой заказа,
// пересчитывает итоги и сохраняет копию. При ошибке сохранённый заказ
// не меняется.
func (s *Service) mutateDraft(ctx context.Context, op, orderID string, fn func(o *model.Order, t *model.Terminal) error) (*model.Order, error) {
	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()

	stored, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if stored.State != model.OrderDraft {
		return nil, model.Statef(op, "order %s is %s, lines can change only in draft", stored.Reference, stored.State)
	}

	sess, err := s.repo.GetSession(ctx, stored.SessionID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if !sess.State.AcceptsOrders() {
		return nil, model.Statef(op, "session %s is %s", sess.Name, sess.State)
	}

	t, err := s.repo.GetTerminal(ctx, stored.TerminalID)
	if err != nil {
		return nil, mapErr(op, err)
	}

	o := stored.Clone()
	if err := fn(o, t); err != nil {
		return nil, err
	}
	if err := s.recompute(ctx, o); err != nil {
		return nil, err
	}
	o.UpdatedAt = s.now()

	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, mapErr(op, err)
	}
	return o, nil
}

// AddLine добавляет строку в черновик.
func (s *Service) AddLine(ctx context.Context, orderID string, in LineInput) (*model.Order, error) {
	const op = "add line"

	return s.mutateDraft(ctx, op, orderID, func(o *model.Order, t *model.Terminal) error {
		line, err := s.buildLine(ctx, op, t, in)
		if err != nil {
			return err
		}
		o.Lines = append(o.Lines, line)
		return nil
	})
}

// UpdateLine меняет количество или скидку строки.
func (s *Service) UpdateLine(ctx context.Context, orderID, lineID string, upd LineUpdate) (*model.Order, error) {
	const op = "update line"

	return s.mutateDraft(ctx, op, orderID, func(o *model.Order, t *model.Terminal) error {
		i, ok := o.Line(lineID)
		if !ok {
			return model.NotFoundf(op, "line %s not found in order %s", lineID, o.Reference)
		}

		line := o.Lines[i]
		if upd.Quantity != nil {
			line.Quantity = *upd.Quantity
		}
		if upd.DiscountPercent != nil {
			line.DiscountPercent = *upd.DiscountPercent
		}
		if err := checkLine(op, t, line.Quantity, line.DiscountPercent); err != nil {
			return err
		}

		o.Lines[i] = line
		return nil
	})
}

// RemoveLine удаляет строку из черновика.
func (s *Service) RemoveLine(ctx context.Context, orderID, lineID string) (*model.Order, error) {
	const op = "remove line"

	return s.mutateDraft(ctx, op, orderID, func(o *model.Order, _ *model.Terminal) error {
		i, ok := o.Line(lineID)
		if !ok {
			return model.NotFoundf(op, "line %s not found in order %s", lineID, o.Reference)
		}
		o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
		return nil
	})
}

// ApplyDiscount задаёт скидку на заказ. Процент ограничивается максимумом
// терминала, фиксированная сумма — суммой заказа до скидки.
func (s *Service) ApplyDiscount(ctx context.Context, orderID string, kind model.DiscountType, value decimal.Decimal) (*model.Order, error) {
	const op = "apply discount"

	if value.IsNegative() {
		return nil, model.Validationf(op, "discount must not be negative, got %s", value)
	}

	return s.mutateDraft(ctx, op, orderID, func(o *model.Order, t *model.Terminal) error {
		switch kind {
		case model.DiscountNone:
			value = decimal.Zero
		case model.DiscountPercent:
			if value.GreaterThan(t.MaxDiscountPercent) {
				value = t.MaxDiscountPercent
			}
		case model.DiscountFixed:
		default:
			return model.Validationf(op, "unknown discount type %q", kind)
		}

		o.DiscountType = kind
		o.DiscountValue = value
		return nil
	})
}

// Pay принимает платежи и переводит заказ в оплаченные. Оплата сохраняется
// вместе с записями исходящей очереди; склад и бухгалтерия вызываются
// воркером уже после снятия блокировки, и их сбой оплату не откатывает.
func (s *Service) Pay(ctx context.Context, orderID string, payments []PaymentInput) (*model.Order, error) {
	o, err := s.pay(ctx, orderID, payments)
	if err != nil {
		return nil, err
	}
	s.notify()
	return o, nil
}

func (s *Service) pay(ctx context.Context, orderID string, payments []PaymentInput) (*model.Order, error) {
	const op = "pay order"

	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()

	stored, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if !stored.State.CanTransitionTo(model.OrderPaid) {
		return nil, model.Statef(op, "order %s is %s", stored.Reference, stored.State)
	}
	if len(stored.Lines) == 0 {
		return nil, model.Validationf(op, "order %s has no lines", stored.Reference)
	}

	t, err := s.repo.GetTerminal(ctx, stored.TerminalID)
	if err != nil {
		return nil, mapErr(op, err)
	}

	o := stored.Clone()
	if err := s.recompute(ctx, o); err != nil {
		return nil, err
	}
	total := o.Totals.Total
	refund := total.IsNegative()
	if len(payments) == 0 && !total.IsZero() {
		return nil, model.Validationf(op, "no payments given")
	}

	now := s.now()
	paid := decimal.Zero
	hasCash := false
	o.Payments = o.Payments[:0]
	for _, in := range payments {
		m, ok := t.PaymentMethod(in.PaymentMethodID)
		if !ok {
			return nil, model.Validationf(op, "payment method %s is not allowed on terminal %s", in.PaymentMethodID, t.Code)
		}
		amount := s.calc.Round(in.Amount)
		if amount.IsZero() && !total.IsZero() {
			return nil, model.Validationf(op, "payment amount must not be zero")
		}
		if amount.IsNegative() != refund {
			return nil, model.Validationf(op, "payment amount %s has wrong sign for order total %s", amount, total)
		}
		if m.Category == model.PaymentCategoryCash {
			hasCash = true
		}

		paid = paid.Add(amount)
		o.Payments = append(o.Payments, model.Payment{
			ID:              s.newID(),
			PaymentMethodID: m.ID,
			Category:        m.Category,
			Amount:          amount,
			TransactionRef:  in.TransactionRef,
			CreatedAt:       now,
		})
	}

	if refund {
		if !paid.Equal(total) {
			return nil, model.Paymentf(op, "refund order %s must be settled exactly: paid %s, total %s", o.Reference, paid, total)
		}
	} else if paid.LessThan(total) {
		return nil, model.Paymentf(op, "order %s is underpaid: paid %s, total %s", o.Reference, paid, total)
	}

	o.AmountPaid = paid
	o.AmountReturn = money.Change(paid, total)
	if o.AmountReturn.IsPositive() && !hasCash {
		return nil, model.Paymentf(op, "change of %s requires a cash payment", o.AmountReturn)
	}

	o.State = model.OrderPaid
	o.PaidAt = &now
	o.UpdatedAt = now

	intents := []model.FulfillmentIntent{
		s.newIntent(o.ID, model.IntentStockDeduction, now),
		s.newIntent(o.ID, model.IntentAccountingPosting, now),
	}
	if err := s.repo.SaveOrderWithIntents(ctx, o, intents); err != nil {
		return nil, mapErr(op, err)
	}

	s.metrics.OrdersPaid.Inc()
	s.logger.Info("order paid",
		zap.String("order", o.ID), zap.String("reference", o.Reference),
		zap.String("total", total.String()), zap.String("paid", paid.String()))

	return o, nil
}

func (s *Service) newIntent(orderID string, kind model.IntentKind, now time.Time) model.FulfillmentIntent {
	return model.FulfillmentIntent{
		ID:            s.newID(),
		OrderID:       orderID,
		Kind:          kind,
		Status:        model.IntentPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// advance переводит заказ в следующее состояние без изменения сумм.
func (s *Service) advance(ctx context.Context, op, orderID string, next model.OrderState, check func(o *model.Order) error) (*model.Order, error) {
	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if o.State != model.OrderPaid {
		return nil, model.Statef(op, "order %s is %s, must be paid", o.Reference, o.State)
	}
	if check != nil {
		if err := check(o); err != nil {
			return nil, err
		}
	}

	o.State = next
	o.UpdatedAt = s.now()
	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, mapErr(op, err)
	}
	return o, nil
}

// MarkDone отмечает оплаченный заказ выполненным.
func (s *Service) MarkDone(ctx context.Context, orderID string) (*model.Order, error) {
	return s.advance(ctx, "mark done", orderID, model.OrderDone, nil)
}

// Invoice выставляет счёт по оплаченному заказу с покупателем.
func (s *Service) Invoice(ctx context.Context, orderID string) (*model.Order, error) {
	const op = "invoice order"

	return s.advance(ctx, op, orderID, model.OrderInvoiced, func(o *model.Order) error {
		if o.CustomerID == "" {
			return model.Validationf(op, "order %s has no customer to invoice", o.Reference)
		}
		return nil
	})
}

// Cancel отменяет черновик или оплаченный заказ. Для оплаченного заказа
// неисполненные записи очереди отменяются, на исполненные ставятся
// сторнирующие в том же сохранении. Отмена возврата возвращает
// исходный заказ в прежнее состояние.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*model.Order, error) {
	const op = "cancel order"

	unlock := s.locks.Lock(orderKey(orderID))

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		unlock()
		return nil, mapErr(op, err)
	}
	if !o.State.CanTransitionTo(model.OrderCancelled) {
		unlock()
		return nil, model.Statef(op, "order %s is %s", o.Reference, o.State)
	}

	var (
		restored      *model.Order
		unlockRestore = func() {}
	)
	if o.RefundOf != "" {
		unlockRestore = s.locks.Lock(orderKey(o.RefundOf))
		restored, err = s.restoreRefunded(ctx, op, o)
		if err != nil {
			unlockRestore()
			unlock()
			return nil, err
		}
	}

	wasPaid := o.State == model.OrderPaid
	now := s.now()
	o.State = model.OrderCancelled
	o.CancelReason = reason
	o.UpdatedAt = now
	if restored != nil {
		restored.UpdatedAt = now
	}

	err = s.repo.SaveCancellation(ctx, o, restored, now)
	unlockRestore()
	unlock()
	if err != nil {
		return nil, mapErr(op, err)
	}

	s.metrics.OrdersCancelled.Inc()
	s.logger.Info("order cancelled",
		zap.String("order", o.ID), zap.Bool("was_paid", wasPaid), zap.String("reason", reason))

	if wasPaid {
		s.notify()
	}
	return o, nil
}

// restoreRefunded возвращает исходный заказ возврата в состояние,
// в котором он был до возврата.
func (s *Service) restoreRefunded(ctx context.Context, op string, refund *model.Order) (*model.Order, error) {
	orig, err := s.repo.GetOrder(ctx, refund.RefundOf)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if orig.State != model.OrderRefunded {
		return nil, model.Statef(op, "original order %s is %s, expected refunded", orig.Reference, orig.State)
	}

	restored := orig.Clone()
	restored.State = refund.RefundedFrom
	if restored.State == "" {
		restored.State = model.OrderPaid
	}
	return restored, nil
}

// Refund создаёт заказ возврата в текущей открытой смене того же терминала:
// количества выбранных строк (всех, если не указаны) меняют знак, цены,
// скидки и налоги сохраняются. Исходный заказ становится возвращённым.
func (s *Service) Refund(ctx context.Context, orderID string, lineIDs []string) (*model.Order, error) {
	const op = "refund order"

	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()

	orig, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if !orig.State.CanTransitionTo(model.OrderRefunded) {
		return nil, model.Statef(op, "order %s is %s", orig.Reference, orig.State)
	}
	if orig.RefundOf != "" {
		return nil, model.Statef(op, "order %s is itself a refund", orig.Reference)
	}

	lines, err := selectLines(op, orig, lineIDs)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.FindSessions(ctx, orig.TerminalID, model.SessionOpening, model.SessionOpened)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if len(active) == 0 {
		return nil, model.Statef(op, "terminal of order %s has no open session", orig.Reference)
	}

	unlockSession := s.locks.RLock(sessionKey(active[0].ID))
	defer unlockSession()

	sess, err := s.repo.GetSession(ctx, active[0].ID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if !sess.State.AcceptsOrders() {
		return nil, model.Statef(op, "session %s is %s", sess.Name, sess.State)
	}

	now := s.now()
	refund := &model.Order{
		ID:           s.newID(),
		SessionID:    sess.ID,
		TerminalID:   orig.TerminalID,
		CustomerID:   orig.CustomerID,
		State:        model.OrderDraft,
		RefundOf:     orig.ID,
		RefundedFrom: orig.State,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, l := range lines {
		refund.Lines = append(refund.Lines, model.OrderLine{
			ID:              s.newID(),
			ProductID:       l.ProductID,
			ProductName:     l.ProductName,
			Quantity:        l.Quantity.Neg(),
			UnitPrice:       l.UnitPrice,
			DiscountPercent: l.DiscountPercent,
			TaxSetID:        l.TaxSetID,
			RefundedLineID:  l.ID,
		})
	}
	if err := s.recompute(ctx, refund); err != nil {
		return nil, err
	}

	refund.DiscountType, refund.DiscountValue = s.refundDiscount(orig, refund.Totals.Subtotal)
	if err := s.recompute(ctx, refund); err != nil {
		return nil, err
	}

	seq, err := s.repo.NextOrderSequence(ctx, sess.ID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	refund.Sequence = seq
	refund.Reference = orderReference(sess.Name, seq)

	updated := orig.Clone()
	updated.State = model.OrderRefunded
	updated.UpdatedAt = now

	if err := s.repo.SaveRefund(ctx, updated, refund); err != nil {
		return nil, mapErr(op, err)
	}

	s.metrics.OrdersRefunded.Inc()
	s.metrics.OrdersCreated.WithLabelValues(sourceRefund).Inc()
	s.logger.Info("order refunded",
		zap.String("order", orig.ID), zap.String("refund", refund.ID),
		zap.String("refund_total", refund.Totals.Total.String()))

	return refund, nil
}

func selectLines(op string, o *model.Order, lineIDs []string) ([]model.OrderLine, error) {
	if len(lineIDs) == 0 {
		return o.Lines, nil
	}

	seen := make(map[string]struct{}, len(lineIDs))
	var res []model.OrderLine
	for _, id := range lineIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		i, ok := o.Line(id)
		if !ok {
			return nil, model.Validationf(op, "line %s not found in order %s", id, o.Reference)
		}
		res = append(res, o.Lines[i])
	}
	return res, nil
}

// refundDiscount переносит скидку исходного заказа на возврат: процент как
// есть, фиксированную сумму пропорционально возвращаемой части.
func (s *Service) refundDiscount(orig *model.Order, refundSubtotal decimal.Decimal) (model.DiscountType, decimal.Decimal) {
	switch orig.DiscountType {
	case model.DiscountPercent:
		return orig.DiscountType, orig.DiscountValue
	case model.DiscountFixed:
		amount := orig.Totals.DiscountAmount.Abs()
		if orig.Totals.Subtotal.IsZero() || amount.IsZero() {
			return model.DiscountNone, decimal.Zero
		}
		share := refundSubtotal.Abs()
		if !share.Equal(orig.Totals.Subtotal.Abs()) {
			amount = s.calc.Round(amount.Mul(share).Div(orig.Totals.Subtotal.Abs()))
		}
		return model.DiscountFixed, amount
	default:
		return model.DiscountNone, decimal.Zero
	}
}
