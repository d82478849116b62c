package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/model"
)

const sessionNameLayout = "20060102-150405"

// Open открывает смену на терминале. При включённом контроле наличных смена
// ждёт пересчёта размена в состоянии opening.
func (s *Service) Open(ctx context.Context, terminalID, cashierID string, openingCash decimal.Decimal) (*model.Session, error) {
	const op = "open session"

	unlock := s.locks.Lock(terminalKey(terminalID))
	defer unlock()

	t, err := s.repo.GetTerminal(ctx, terminalID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if cashierID == "" {
		return nil, model.Validationf(op, "cashier is required")
	}
	if !t.CashierAllowed(cashierID) {
		return nil, model.Validationf(op, "cashier %s is not allowed on terminal %s", cashierID, t.Code)
	}
	if err := checkCash(op, t, openingCash); err != nil {
		return nil, err
	}

	active, err := s.repo.FindSessions(ctx, terminalID, model.SessionOpening, model.SessionOpened)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if len(active) > 0 {
		return nil, model.Statef(op, "terminal %s already has active session %s", t.Code, active[0].Name)
	}

	now := s.now()
	state := model.SessionOpened
	if t.CashControl {
		state = model.SessionOpening
	}

	sess := &model.Session{
		ID:          s.newID(),
		TerminalID:  t.ID,
		CashierID:   cashierID,
		Name:        t.Code + "/" + now.Format(sessionNameLayout),
		State:       state,
		OpeningCash: s.calc.Round(openingCash),
		OpenedAt:    now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, mapErr(op, err)
	}

	s.metrics.SessionsOpened.Inc()
	s.logger.Info("session opened",
		zap.String("session", sess.ID), zap.String("terminal", t.ID),
		zap.String("cashier", cashierID), zap.String("state", string(state)))

	return sess, nil
}

func checkCash(op string, t *model.Terminal, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return model.Validationf(op, "cash amount must not be negative, got %s", amount)
	}
	if t.KioskMode && !amount.IsZero() {
		return model.Validationf(op, "kiosk terminal %s does not handle cash", t.Code)
	}
	return nil
}

// lockSession сериализует операции жизненного цикла смены: сначала по
// терминалу, затем на запись по самой смене. Смена перечитывается под
// блокировкой.
func (s *Service) lockSession(ctx context.Context, op, sessionID string) (*model.Session, func(), error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, mapErr(op, err)
	}

	unlockTerminal := s.locks.Lock(terminalKey(sess.TerminalID))
	unlockSession := s.locks.Lock(sessionKey(sessionID))
	unlock := func() {
		unlockSession()
		unlockTerminal()
	}

	sess, err = s.repo.GetSession(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, nil, mapErr(op, err)
	}
	return sess, unlock, nil
}

func transition(op string, sess *model.Session, next model.SessionState) error {
	if !sess.State.CanTransitionTo(next) {
		return model.Statef(op, "session %s is %s, cannot move to %s", sess.Name, sess.State, next)
	}
	sess.State = next
	return nil
}

// GetSession возвращает смену.
func (s *Service) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	return sess, mapErr("get session", err)
}

// ConfirmOpening фиксирует пересчитанный размен и открывает смену.
func (s *Service) ConfirmOpening(ctx context.Context, sessionID string, countedCash decimal.Decimal) (*model.Session, error) {
	const op = "confirm opening"

	sess, unlock, err := s.lockSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.repo.GetTerminal(ctx, sess.TerminalID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if err := checkCash(op, t, countedCash); err != nil {
		return nil, err
	}
	if err := transition(op, sess, model.SessionOpened); err != nil {
		return nil, err
	}
	sess.OpeningCash = s.calc.Round(countedCash)

	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, mapErr(op, err)
	}

	s.logger.Info("session opening confirmed", zap.String("session", sess.ID))
	return sess, nil
}

// StartClosing переводит смену в закрытие. Черновики заказов должны быть
// оплачены или отменены.
func (s *Service) StartClosing(ctx context.Context, sessionID string) (*model.Session, error) {
	const op = "start closing"

	sess, unlock, err := s.lockSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if sess.State != model.SessionOpened {
		return nil, model.Statef(op, "session %s is %s, must be opened", sess.Name, sess.State)
	}

	orders, err := s.repo.ListOrdersBySession(ctx, sessionID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	drafts := 0
	for _, o := range orders {
		if o.State == model.OrderDraft {
			drafts++
		}
	}
	if drafts > 0 {
		return nil, model.Statef(op, "session %s has %d draft orders", sess.Name, drafts)
	}

	if err := transition(op, sess, model.SessionClosing); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, mapErr(op, err)
	}

	s.logger.Info("session closing", zap.String("session", sess.ID))
	return sess, nil
}

// Close закрывает смену: фиксирует снимок итогов и расхождение наличных.
// Снимок добавляется к уже существующим и больше не пересчитывается.
func (s *Service) Close(ctx context.Context, sessionID string, closingCash decimal.Decimal, notes string) (*model.ClosureReport, error) {
	const op = "close session"

	sess, unlock, err := s.lockSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if sess.State != model.SessionClosing {
		return nil, model.Statef(op, "session %s is %s, must be closing", sess.Name, sess.State)
	}
	if closingCash.IsNegative() {
		return nil, model.Validationf(op, "closing cash must not be negative, got %s", closingCash)
	}

	orders, err := s.repo.ListOrdersBySession(ctx, sessionID)
	if err != nil {
		return nil, mapErr(op, err)
	}

	now := s.now()
	closingCash = s.calc.Round(closingCash)
	totals := s.sessionTotals(orders)
	theoretical := sess.OpeningCash.Add(totals.TotalCashPayments).Sub(totals.TotalReturns)

	snap := model.ClosureSnapshot{
		SessionID:              sess.ID,
		Sequence:               len(sess.Closures) + 1,
		Totals:                 totals,
		OpeningCash:            sess.OpeningCash,
		TheoreticalClosingCash: theoretical,
		ClosingCash:            closingCash,
		CashDifference:         closingCash.Sub(theoretical),
		Notes:                  notes,
		ClosedAt:               now,
	}

	if err := transition(op, sess, model.SessionClosed); err != nil {
		return nil, err
	}
	sess.ClosingCash = &closingCash
	sess.ClosedAt = &now
	sess.Notes = notes

	if err := s.repo.CloseSession(ctx, sess, snap); err != nil {
		return nil, mapErr(op, err)
	}
	sess.Closures = append(sess.Closures, snap)

	diff, _ := snap.CashDifference.Float64()
	s.metrics.SessionsClosed.Inc()
	s.metrics.CashDifference.Observe(diff)
	s.logger.Info("session closed",
		zap.String("session", sess.ID),
		zap.Int("orders", totals.OrderCount),
		zap.String("total", totals.TotalAmount.String()),
		zap.String("cash_difference", snap.CashDifference.String()))

	return &model.ClosureReport{
		Session:     *sess,
		Closure:     snap,
		TopProducts: topProducts(orders, topProductsLimit),
	}, nil
}

// Reopen возвращает закрытую смену в работу для исправлений. Прежние
// снимки сохраняются, следующее закрытие добавит новый.
func (s *Service) Reopen(ctx context.Context, sessionID string) (*model.Session, error) {
	const op = "reopen session"

	sess, unlock, err := s.lockSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if sess.State != model.SessionClosed {
		return nil, model.Statef(op, "session %s is %s, must be closed", sess.Name, sess.State)
	}

	active, err := s.repo.FindSessions(ctx, sess.TerminalID, model.SessionOpening, model.SessionOpened)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if len(active) > 0 {
		return nil, model.Statef(op, "terminal already has active session %s", active[0].Name)
	}

	if err := transition(op, sess, model.SessionOpened); err != nil {
		return nil, err
	}
	sess.ClosingCash = nil
	sess.ClosedAt = nil

	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, mapErr(op, err)
	}

	s.logger.Info("session reopened", zap.String("session", sess.ID), zap.Int("closures", len(sess.Closures)))
	return sess, nil
}
