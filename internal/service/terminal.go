package service

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// TerminalInput — изменяемая часть конфигурации терминала.
type TerminalInput struct {
	Code               string
	Name               string
	WarehouseID        string
	PriceListID        string
	PaymentMethods     []model.PaymentMethod
	MaxDiscountPercent decimal.Decimal
	RequiresCustomer   bool
	KioskMode          bool
	CashControl        bool
	AllowedCashiers    []string
}

func (in TerminalInput) apply(t *model.Terminal) {
	t.Code = in.Code
	t.Name = in.Name
	t.WarehouseID = in.WarehouseID
	t.PriceListID = in.PriceListID
	t.PaymentMethods = slices.Clone(in.PaymentMethods)
	t.MaxDiscountPercent = in.MaxDiscountPercent
	t.RequiresCustomer = in.RequiresCustomer
	t.KioskMode = in.KioskMode
	t.CashControl = in.CashControl
	t.AllowedCashiers = slices.Clone(in.AllowedCashiers)
}

// RegisterTerminal регистрирует новый терминал.
func (s *Service) RegisterTerminal(ctx context.Context, in TerminalInput) (*model.Terminal, error) {
	const op = "register terminal"

	now := s.now()
	t := &model.Terminal{ID: s.newID(), CreatedAt: now, UpdatedAt: now}
	in.apply(t)

	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTerminal(ctx, t); err != nil {
		return nil, mapErr(op, err)
	}

	s.logger.Info("terminal registered", zap.String("terminal", t.ID), zap.String("code", t.Code))
	return t, nil
}

// GetTerminal возвращает терминал.
func (s *Service) GetTerminal(ctx context.Context, id string) (*model.Terminal, error) {
	t, err := s.repo.GetTerminal(ctx, id)
	return t, mapErr("get terminal", err)
}

// UpdateTerminal меняет конфигурацию терминала. Пока на терминале есть
// незакрытая смена, конфигурация заморожена.
func (s *Service) UpdateTerminal(ctx context.Context, id string, in TerminalInput) (*model.Terminal, error) {
	const op = "update terminal"

	unlock := s.locks.Lock(terminalKey(id))
	defer unlock()

	t, err := s.repo.GetTerminal(ctx, id)
	if err != nil {
		return nil, mapErr(op, err)
	}

	busy, err := s.repo.FindSessions(ctx, id, model.SessionOpening, model.SessionOpened, model.SessionClosing)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if len(busy) > 0 {
		return nil, model.Statef(op, "terminal %s has session %s in state %s", t.Code, busy[0].Name, busy[0].State)
	}

	in.apply(t)
	t.UpdatedAt = s.now()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTerminal(ctx, t); err != nil {
		return nil, mapErr(op, err)
	}

	s.logger.Info("terminal updated", zap.String("terminal", t.ID))
	return t, nil
}

// AuthorizeCashier проверяет, что кассир может работать на терминале.
func (s *Service) AuthorizeCashier(ctx context.Context, terminalID, cashierID string) error {
	const op = "authorize cashier"

	t, err := s.repo.GetTerminal(ctx, terminalID)
	if err != nil {
		return mapErr(op, err)
	}
	if cashierID == "" {
		return model.Validationf(op, "cashier is required")
	}
	if !t.CashierAllowed(cashierID) {
		return model.Validationf(op, "cashier %s is not allowed on terminal %s", cashierID, t.Code)
	}
	return nil
}
