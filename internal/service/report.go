package service

import (
	"cmp"
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

const topProductsLimit = 5

// sessionTotals считает итоги по учитываемым заказам смены. Сдача
// вычитается из наличных, выплаты по возвратам учитываются отдельно.
func (s *Service) sessionTotals(orders []model.Order) model.SessionTotals {
	t := model.SessionTotals{ByPaymentMethod: make(map[string]decimal.Decimal)}

	for _, o := range orders {
		if !o.State.Counted() {
			continue
		}
		t.OrderCount++
		t.TotalAmount = t.TotalAmount.Add(o.Totals.Total)

		changeMethod := ""
		for _, p := range o.Payments {
			t.ByCategory.Add(p.Category, p.Amount)
			t.ByPaymentMethod[p.PaymentMethodID] = t.ByPaymentMethod[p.PaymentMethodID].Add(p.Amount)

			if p.Category != model.PaymentCategoryCash {
				continue
			}
			if p.Amount.IsNegative() {
				t.TotalReturns = t.TotalReturns.Add(p.Amount.Neg())
				continue
			}
			t.TotalCashPayments = t.TotalCashPayments.Add(p.Amount)
			if changeMethod == "" {
				changeMethod = p.PaymentMethodID
			}
		}

		if o.AmountReturn.IsPositive() {
			t.TotalCashPayments = t.TotalCashPayments.Sub(o.AmountReturn)
			t.ByCategory.Add(model.PaymentCategoryCash, o.AmountReturn.Neg())
			t.ByPaymentMethod[changeMethod] = t.ByPaymentMethod[changeMethod].Sub(o.AmountReturn)
		}
	}

	return t
}

// topProducts возвращает самые продаваемые товары по количеству.
// Возвраты уменьшают количество и сумму.
func topProducts(orders []model.Order, limit int) []model.ProductSales {
	idx := make(map[string]int)
	var sales []model.ProductSales

	for _, o := range orders {
		if !o.State.Counted() {
			continue
		}
		for _, l := range o.Lines {
			i, ok := idx[l.ProductID]
			if !ok {
				i = len(sales)
				idx[l.ProductID] = i
				sales = append(sales, model.ProductSales{ProductID: l.ProductID, ProductName: l.ProductName})
			}
			sales[i].Quantity = sales[i].Quantity.Add(l.Quantity)
			sales[i].Amount = sales[i].Amount.Add(l.Total)
		}
	}

	slices.SortStableFunc(sales, func(a, b model.ProductSales) int {
		return cmp.Or(
			b.Quantity.Cmp(a.Quantity),
			b.Amount.Cmp(a.Amount),
			cmp.Compare(a.ProductID, b.ProductID),
		)
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales
}

// Totals возвращает итоги смены: живые, пока смена не закрыта, и снимок
// последнего закрытия после.
func (s *Service) Totals(ctx context.Context, sessionID string) (model.SessionTotals, error) {
	const op = "session totals"

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.SessionTotals{}, mapErr(op, err)
	}
	if sess.State == model.SessionClosed {
		if snap, ok := sess.LastClosure(); ok {
			return snap.Totals, nil
		}
	}

	orders, err := s.repo.ListOrdersBySession(ctx, sessionID)
	if err != nil {
		return model.SessionTotals{}, mapErr(op, err)
	}
	return s.sessionTotals(orders), nil
}

// Report строит отчёт по смене. Для закрытой смены итоги берутся из
// последнего снимка, для открытой считаются на лету без фактического остатка.
func (s *Service) Report(ctx context.Context, sessionID string) (*model.ClosureReport, error) {
	const op = "session report"

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	orders, err := s.repo.ListOrdersBySession(ctx, sessionID)
	if err != nil {
		return nil, mapErr(op, err)
	}

	report := &model.ClosureReport{
		Session:     *sess,
		TopProducts: topProducts(orders, topProductsLimit),
	}

	if snap, ok := sess.LastClosure(); ok && sess.State == model.SessionClosed {
		report.Closure = snap
		return report, nil
	}

	totals := s.sessionTotals(orders)
	report.Closure = model.ClosureSnapshot{
		SessionID:              sess.ID,
		Totals:                 totals,
		OpeningCash:            sess.OpeningCash,
		TheoreticalClosingCash: sess.OpeningCash.Add(totals.TotalCashPayments).Sub(totals.TotalReturns),
	}
	return report, nil
}
