// Package repository содержит реализации хранилища кассового движка:
// PostgreSQL для работы в проде и память процесса для тестов.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	constraintActiveSession = "sessions_one_active_per_terminal"
	constraintOfflineID     = "orders_session_offline_id"
	constraintTerminalCode  = "terminals_code_key"
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// querier — общее подмножество пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке
// и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func foreignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// inTx выполняет fn в транзакции с повтором при временных ошибках.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateTerminal сохраняет новый терминал.
func (r *PostgresRepository) CreateTerminal(ctx context.Context, t *model.Terminal) error {
	methods, cashiers, err := marshalTerminal(t)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO terminals (id, code, name, warehouse_id, price_list_id, payment_methods,
		     max_discount_percent, requires_customer, kiosk_mode, cash_control, allowed_cashiers,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Code, t.Name, t.WarehouseID, t.PriceListID, methods,
		t.MaxDiscountPercent, t.RequiresCustomer, t.KioskMode, t.CashControl, cashiers,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintTerminalCode {
			return fmt.Errorf("%w: %s", ErrTerminalCodeExists, t.Code)
		}
		return fmt.Errorf("create terminal: %w", err)
	}
	return nil
}

// GetTerminal возвращает терминал по идентификатору.
func (r *PostgresRepository) GetTerminal(ctx context.Context, id string) (*model.Terminal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, name, warehouse_id, price_list_id, payment_methods, max_discount_percent,
		        requires_customer, kiosk_mode, cash_control, allowed_cashiers, created_at, updated_at
		 FROM terminals WHERE id = $1`,
		id,
	)

	var (
		t                 model.Terminal
		methods, cashiers []byte
	)
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.WarehouseID, &t.PriceListID, &methods, &t.MaxDiscountPercent,
		&t.RequiresCustomer, &t.KioskMode, &t.CashControl, &cashiers, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTerminalNotFound
		}
		return nil, fmt.Errorf("get terminal: %w", err)
	}

	if err := json.Unmarshal(methods, &t.PaymentMethods); err != nil {
		return nil, fmt.Errorf("decode payment methods: %w", err)
	}
	if err := json.Unmarshal(cashiers, &t.AllowedCashiers); err != nil {
		return nil, fmt.Errorf("decode allowed cashiers: %w", err)
	}

	return &t, nil
}

// UpdateTerminal перезаписывает конфигурацию терминала.
func (r *PostgresRepository) UpdateTerminal(ctx context.Context, t *model.Terminal) error {
	methods, cashiers, err := marshalTerminal(t)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE terminals SET code = $2, name = $3, warehouse_id = $4, price_list_id = $5,
		     payment_methods = $6, max_discount_percent = $7, requires_customer = $8,
		     kiosk_mode = $9, cash_control = $10, allowed_cashiers = $11, updated_at = $12
		 WHERE id = $1`,
		t.ID, t.Code, t.Name, t.WarehouseID, t.PriceListID, methods, t.MaxDiscountPercent,
		t.RequiresCustomer, t.KioskMode, t.CashControl, cashiers, t.UpdatedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintTerminalCode {
			return fmt.Errorf("%w: %s", ErrTerminalCodeExists, t.Code)
		}
		return fmt.Errorf("update terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminalNotFound
	}
	return nil
}

func marshalTerminal(t *model.Terminal) ([]byte, []byte, error) {
	methods, err := json.Marshal(nonNil(t.PaymentMethods))
	if err != nil {
		return nil, nil, fmt.Errorf("encode payment methods: %w", err)
	}
	cashiers, err := json.Marshal(nonNil(t.AllowedCashiers))
	if err != nil {
		return nil, nil, fmt.Errorf("encode allowed cashiers: %w", err)
	}
	return methods, cashiers, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateSession сохраняет смену. Частичный уникальный индекс не даёт
// открыть вторую активную смену на терминале.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, terminal_id, cashier_id, name, state, opening_cash, notes, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.TerminalID, s.CashierID, s.Name, string(s.State), s.OpeningCash, s.Notes, s.OpenedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintActiveSession {
			return ErrSessionActive
		}
		if foreignKeyViolation(err) {
			return ErrTerminalNotFound
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, terminal_id, cashier_id, name, state, opening_cash, closing_cash, notes,
	order_sequence, opened_at, closed_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s           model.Session
		state       string
		closingCash decimal.NullDecimal
	)
	err := row.Scan(&s.ID, &s.TerminalID, &s.CashierID, &s.Name, &state, &s.OpeningCash, &closingCash,
		&s.Notes, &s.OrderSequence, &s.OpenedAt, &s.ClosedAt)
	if err != nil {
		return nil, err
	}
	s.State = model.SessionState(state)
	if closingCash.Valid {
		s.ClosingCash = &closingCash.Decimal
	}
	return &s, nil
}

// GetSession возвращает смену со всеми снимками закрытия.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if s.Closures, err = loadClosures(ctx, r.pool, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func loadClosures(ctx context.Context, q querier, sessionID string) ([]model.ClosureSnapshot, error) {
	rows, err := q.Query(ctx,
		`SELECT session_id, sequence, totals, opening_cash, theoretical_closing_cash, closing_cash,
		        cash_difference, notes, closed_at
		 FROM session_closures WHERE session_id = $1 ORDER BY sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select closures: %w", err)
	}
	defer rows.Close()

	var res []model.ClosureSnapshot
	for rows.Next() {
		var (
			c      model.ClosureSnapshot
			totals []byte
		)
		if err := rows.Scan(&c.SessionID, &c.Sequence, &totals, &c.OpeningCash, &c.TheoreticalClosingCash,
			&c.ClosingCash, &c.CashDifference, &c.Notes, &c.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closure: %w", err)
		}
		if err := json.Unmarshal(totals, &c.Totals); err != nil {
			return nil, fmt.Errorf("decode closure totals: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpdateSession сохраняет состояние смены. Снимки закрытия не меняются.
func (r *PostgresRepository) UpdateSession(ctx context.Context, s *model.Session) error {
	return updateSession(ctx, r.pool, s)
}

func updateSession(ctx context.Context, q querier, s *model.Session) error {
	var closingCash decimal.NullDecimal
	if s.ClosingCash != nil {
		closingCash = decimal.NewNullDecimal(*s.ClosingCash)
	}

	tag, err := q.Exec(ctx,
		`UPDATE sessions SET cashier_id = $2, name = $3, state = $4, opening_cash = $5,
		     closing_cash = $6, notes = $7, closed_at = $8
		 WHERE id = $1`,
		s.ID, s.CashierID, s.Name, string(s.State), s.OpeningCash, closingCash, s.Notes, s.ClosedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintActiveSession {
			return ErrSessionActive
		}
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseSession сохраняет закрытую смену и добавляет снимок её итогов.
func (r *PostgresRepository) CloseSession(ctx context.Context, s *model.Session, snap model.ClosureSnapshot) error {
	totals, err := json.Marshal(snap.Totals)
	if err != nil {
		return fmt.Errorf("encode closure totals: %w", err)
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateSession(ctx, tx, s); err != nil {
			return err
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO session_closures (session_id, sequence, totals, opening_cash,
			     theoretical_closing_cash, closing_cash, cash_difference, notes, closed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			snap.SessionID, snap.Sequence, totals, snap.OpeningCash, snap.TheoreticalClosingCash,
			snap.ClosingCash, snap.CashDifference, snap.Notes, snap.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("insert closure: %w", err)
		}
		return nil
	})
}

// FindSessions возвращает смены терминала в указанных состояниях,
// начиная с последней открытой.
func (r *PostgresRepository) FindSessions(ctx context.Context, terminalID string, states ...model.SessionState) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE terminal_id = $1`
	args := []any{terminalID}
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		query += ` AND state = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// NextOrderSequence выдаёт следующий номер заказа в смене.
func (r *PostgresRepository) NextOrderSequence(ctx context.Context, sessionID string) (int, error) {
	var seq int
	err := r.pool.QueryRow(ctx,
		`UPDATE sessions SET order_sequence = order_sequence + 1 WHERE id = $1 RETURNING order_sequence`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("next order sequence: %w", err)
	}
	return seq, nil
}

// CreateOrder сохраняет новый заказ. Повтор offline_id в смене возвращает
// ErrDuplicateOfflineID.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return insertOrder(ctx, tx, o)
	})
}

func insertOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	var offlineID *string
	if o.OfflineID != "" {
		offlineID = &o.OfflineID
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO orders (id, session_id, terminal_id, reference, sequence, customer_id, state,
		     discount_type, discount_value, amount_untaxed, amount_tax, amount_subtotal, discount_amount,
		     amount_total, amount_paid, amount_return, offline_id, is_offline, synced_at, refund_of,
		     refunded_from, cancel_reason, created_at, paid_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		     $19, $20, $21, $22, $23, $24, $25)`,
		o.ID, o.SessionID, o.TerminalID, o.Reference, o.Sequence, o.CustomerID, string(o.State),
		string(o.DiscountType), o.DiscountValue, o.Totals.Untaxed, o.Totals.Tax, o.Totals.Subtotal,
		o.Totals.DiscountAmount, o.Totals.Total, o.AmountPaid, o.AmountReturn, offlineID, o.IsOffline,
		o.SyncedAt, o.RefundOf, string(o.RefundedFrom), o.CancelReason, o.CreatedAt, o.PaidAt, o.UpdatedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && c == constraintOfflineID {
			return ErrDuplicateOfflineID
		}
		if foreignKeyViolation(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("insert order: %w", err)
	}

	return writeOrderChildren(ctx, tx, o)
}

func updateOrder(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET customer_id = $2, state = $3, discount_type = $4, discount_value = $5,
		     amount_untaxed = $6, amount_tax = $7, amount_subtotal = $8, discount_amount = $9,
		     amount_total = $10, amount_paid = $11, amount_return = $12, cancel_reason = $13,
		     paid_at = $14, updated_at = $15
		 WHERE id = $1`,
		o.ID, o.CustomerID, string(o.State), string(o.DiscountType), o.DiscountValue,
		o.Totals.Untaxed, o.Totals.Tax, o.Totals.Subtotal, o.Totals.DiscountAmount, o.Totals.Total,
		o.AmountPaid, o.AmountReturn, o.CancelReason, o.PaidAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM order_lines WHERE order_id = $1`, o.ID)
	batch.Queue(`DELETE FROM payments WHERE order_id = $1`, o.ID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("clear order children: %w", err)
	}

	return writeOrderChildren(ctx, tx, o)
}

func writeOrderChildren(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	if len(o.Lines) == 0 && len(o.Payments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, l := range o.Lines {
		batch.Queue(
			`INSERT INTO order_lines (id, order_id, position, product_id, product_name, quantity, unit_price,
			     discount_percent, tax_set_id, subtotal_untaxed, tax, total, refunded_line_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			l.ID, o.ID, i, l.ProductID, l.ProductName, l.Quantity, l.UnitPrice, l.DiscountPercent,
			l.TaxSetID, l.SubtotalUntaxed, l.Tax, l.Total, l.RefundedLineID,
		)
	}
	for i, p := range o.Payments {
		batch.Queue(
			`INSERT INTO payments (id, order_id, position, payment_method_id, category, amount,
			     transaction_ref, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, o.ID, i, p.PaymentMethodID, string(p.Category), p.Amount, p.TransactionRef, p.CreatedAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order children: %w", err)
	}
	return nil
}

const orderColumns = `id, session_id, terminal_id, reference, sequence, customer_id, state, discount_type,
	discount_value, amount_untaxed, amount_tax, amount_subtotal, discount_amount, amount_total,
	amount_paid, amount_return, offline_id, is_offline, synced_at, refund_of, refunded_from,
	cancel_reason, created_at, paid_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                                 model.Order
		state, discountType, refundedFrom string
		offlineID                         *string
	)
	err := row.Scan(&o.ID, &o.SessionID, &o.TerminalID, &o.Reference, &o.Sequence, &o.CustomerID, &state,
		&discountType, &o.DiscountValue, &o.Totals.Untaxed, &o.Totals.Tax, &o.Totals.Subtotal,
		&o.Totals.DiscountAmount, &o.Totals.Total, &o.AmountPaid, &o.AmountReturn, &offlineID,
		&o.IsOffline, &o.SyncedAt, &o.RefundOf, &refundedFrom, &o.CancelReason, &o.CreatedAt, &o.PaidAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.State = model.OrderState(state)
	o.DiscountType = model.DiscountType(discountType)
	o.RefundedFrom = model.OrderState(refundedFrom)
	if offlineID != nil {
		o.OfflineID = *offlineID
	}
	return &o, nil
}

func (r *PostgresRepository) getOrder(ctx context.Context, where string, args ...any) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	orders := []*model.Order{o}
	if err := loadOrderChildren(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder возвращает заказ со строками и платежами.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return r.getOrder(ctx, `id = $1`, id)
}

// GetOrderByOfflineID ищет заказ смены по offline_id.
func (r *PostgresRepository) GetOrderByOfflineID(ctx context.Context, sessionID, offlineID string) (*model.Order, error) {
	return r.getOrder(ctx, `session_id = $1 AND offline_id = $2`, sessionID, offlineID)
}

// ListOrdersBySession возвращает заказы смены в порядке создания.
func (r *PostgresRepository) ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE session_id = $1 ORDER BY sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := loadOrderChildren(ctx, r.pool, orders); err != nil {
		return nil, err
	}

	res := make([]model.Order, len(orders))
	for i, o := range orders {
		res[i] = *o
	}
	return res, nil
}

func loadOrderChildren(ctx context.Context, q querier, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*model.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx,
		`SELECT order_id, id, product_id, product_name, quantity, unit_price, discount_percent, tax_set_id,
		        subtotal_untaxed, tax, total, refunded_line_id
		 FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order lines: %w", err)
	}
	for rows.Next() {
		var (
			orderID string
			l       model.OrderLine
		)
		if err := rows.Scan(&orderID, &l.ID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice,
			&l.DiscountPercent, &l.TaxSetID, &l.SubtotalUntaxed, &l.Tax, &l.Total, &l.RefundedLineID); err != nil {
			rows.Close()
			return fmt.Errorf("scan order line: %w", err)
		}
		o := byID[orderID]
		o.Lines = append(o.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT order_id, id, payment_method_id, category, amount, transaction_ref, created_at
		 FROM payments WHERE order_id = ANY($1) ORDER BY order_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID, category string
			p                 model.Payment
		)
		if err := rows.Scan(&orderID, &p.ID, &p.PaymentMethodID, &category, &p.Amount, &p.TransactionRef,
			&p.CreatedAt); err != nil {
			return fmt.Errorf("scan payment: %w", err)
		}
		p.Category = model.PaymentCategory(category)
		o := byID[orderID]
		o.Payments = append(o.Payments, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// UpdateOrder перезаписывает заказ вместе со строками и платежами.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return updateOrder(ctx, tx, o)
	})
}

// SaveOrderWithIntents атомарно сохраняет заказ и новые записи исходящей очереди.
func (r *PostgresRepository) SaveOrderWithIntents(ctx context.Context, o *model.Order, intents []model.FulfillmentIntent) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateOrder(ctx, tx, o); err != nil {
			return err
		}
		return insertIntents(ctx, tx, intents)
	})
}

func insertIntents(ctx context.Context, tx pgx.Tx, intents []model.FulfillmentIntent) error {
	if len(intents) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, in := range intents {
		batch.Queue(
			`INSERT INTO fulfillment_intents (id, order_id, kind, status, attempts, last_error,
			     next_attempt_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			in.ID, in.OrderID, string(in.Kind), string(in.Status), in.Attempts, in.LastError,
			in.NextAttemptAt, in.CreatedAt, in.UpdatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert intents: %w", err)
	}
	return nil
}

func reversalOf(orderID string, kind model.IntentKind, now time.Time) (model.FulfillmentIntent, bool) {
	rk, ok := kind.Reversal()
	if !ok {
		return model.FulfillmentIntent{}, false
	}
	return model.FulfillmentIntent{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		Kind:          rk,
		Status:        model.IntentPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, true
}

const intentColumns = `id, order_id, kind, status, attempts, last_error, next_attempt_at, created_at, updated_at`

func collectIntents(rows pgx.Rows) ([]model.FulfillmentIntent, error) {
	res, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.FulfillmentIntent])
	if err != nil {
		return nil, fmt.Errorf("scan intents: %w", err)
	}
	return res, nil
}

// SaveCancellation атомарно сохраняет отменённый заказ: ещё не исполненные
// записи очереди отменяются, на исполненные ставятся сторнирующие. restored,
// если задан, сохраняется в той же транзакции.
func (r *PostgresRepository) SaveCancellation(ctx context.Context, o, restored *model.Order, now time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateOrder(ctx, tx, o); err != nil {
			return err
		}
		if restored != nil {
			if err := updateOrder(ctx, tx, restored); err != nil {
				return err
			}
		}

		rows, err := tx.Query(ctx,
			`SELECT `+intentColumns+` FROM fulfillment_intents WHERE order_id = $1 FOR UPDATE`,
			o.ID,
		)
		if err != nil {
			return fmt.Errorf("select intents: %w", err)
		}
		intents, err := collectIntents(rows)
		if err != nil {
			return err
		}

		var reversals []model.FulfillmentIntent
		for _, in := range intents {
			switch in.Status {
			case model.IntentPending, model.IntentFailed, model.IntentDead:
				if _, err := tx.Exec(ctx,
					`UPDATE fulfillment_intents SET status = $2, updated_at = $3 WHERE id = $1`,
					in.ID, string(model.IntentCancelled), now,
				); err != nil {
					return fmt.Errorf("cancel intent: %w", err)
				}
			case model.IntentDone:
				if rev, ok := reversalOf(o.ID, in.Kind, now); ok {
					reversals = append(reversals, rev)
				}
			}
		}

		return insertIntents(ctx, tx, reversals)
	})
}

// SaveRefund атомарно создаёт заказ возврата и помечает исходный заказ возвращённым.
func (r *PostgresRepository) SaveRefund(ctx context.Context, original, refund *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertOrder(ctx, tx, refund); err != nil {
			return err
		}
		return updateOrder(ctx, tx, original)
	})
}

// ListOrderIntents возвращает записи очереди заказа в порядке создания.
func (r *PostgresRepository) ListOrderIntents(ctx context.Context, orderID string) ([]model.FulfillmentIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM fulfillment_intents WHERE order_id = $1 ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select intents: %w", err)
	}
	return collectIntents(rows)
}

// ClaimDueIntents берёт в работу созревшие записи очереди. SKIP LOCKED
// позволяет нескольким экземплярам сервиса разбирать очередь параллельно.
func (r *PostgresRepository) ClaimDueIntents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.FulfillmentIntent, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE fulfillment_intents SET next_attempt_at = $2
		 WHERE id IN (
		     SELECT id FROM fulfillment_intents
		     WHERE status IN ('pending', 'failed') AND next_attempt_at <= $1
		     ORDER BY next_attempt_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+intentColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim intents: %w", err)
	}
	return collectIntents(rows)
}

// MarkIntentDone фиксирует успешное исполнение. Если заказ успели отменить,
// пока запрос был в полёте, ставится сторнирующая запись.
func (r *PostgresRepository) MarkIntentDone(ctx context.Context, id string, at time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var orderID, kind, status string
		err := tx.QueryRow(ctx,
			`UPDATE fulfillment_intents
			 SET attempts = attempts + 1, last_error = '', updated_at = $2,
			     status = CASE WHEN status = 'cancelled' THEN status ELSE 'done' END
			 WHERE id = $1
			 RETURNING order_id, kind, status`,
			id, at,
		).Scan(&orderID, &kind, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrIntentNotFound
			}
			return fmt.Errorf("mark intent done: %w", err)
		}

		if model.IntentStatus(status) != model.IntentCancelled {
			return nil
		}
		if rev, ok := reversalOf(orderID, model.IntentKind(kind), at); ok {
			return insertIntents(ctx, tx, []model.FulfillmentIntent{rev})
		}
		return nil
	})
}

// MarkIntentFailed фиксирует неудачную попытку.
func (r *PostgresRepository) MarkIntentFailed(ctx context.Context, id, lastError string, next time.Time, dead bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_intents
		 SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, updated_at = NOW(),
		     status = CASE WHEN status = 'cancelled' THEN status
		                   WHEN $4::boolean THEN 'dead'
		                   ELSE 'failed' END
		 WHERE id = $1`,
		id, lastError, next, dead,
	)
	if err != nil {
		return fmt.Errorf("mark intent failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// ListDeadIntents возвращает записи, ожидающие ручного повтора.
func (r *PostgresRepository) ListDeadIntents(ctx context.Context, limit int) ([]model.FulfillmentIntent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM fulfillment_intents
		 WHERE status = 'dead' ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select dead intents: %w", err)
	}
	return collectIntents(rows)
}

// RetryIntent возвращает запись в очередь со сброшенным счётчиком попыток.
func (r *PostgresRepository) RetryIntent(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE fulfillment_intents
		 SET status = 'pending', attempts = 0, next_attempt_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'dead'`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("retry intent: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fulfillment_intents WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check intent: %w", err)
	}
	if !exists {
		return ErrIntentNotFound
	}
	return ErrIntentNotDead
}
