package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pos-engine/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах
// и при запуске без DATABASE_URI.
type MemoryRepository struct {
	mu sync.RWMutex

	terminals map[string]model.Terminal
	sessions  map[string]*model.Session
	orders    map[string]*model.Order
	intents   map[string]*model.FulfillmentIntent

	// offline индексирует заказы по паре (смена, offline_id).
	offline map[offlineKey]string
	// orderSeq сохраняет порядок создания заказов.
	orderSeq []string
}

type offlineKey struct {
	sessionID string
	offlineID string
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		terminals: make(map[string]model.Terminal),
		sessions:  make(map[string]*model.Session),
		orders:    make(map[string]*model.Order),
		intents:   make(map[string]*model.FulfillmentIntent),
		offline:   make(map[offlineKey]string),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

func cloneTerminal(t model.Terminal) *model.Terminal {
	t.PaymentMethods = slices.Clone(t.PaymentMethods)
	t.AllowedCashiers = slices.Clone(t.AllowedCashiers)
	return &t
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.Closures = slices.Clone(s.Closures)
	if s.ClosingCash != nil {
		v := *s.ClosingCash
		c.ClosingCash = &v
	}
	if s.ClosedAt != nil {
		v := *s.ClosedAt
		c.ClosedAt = &v
	}
	return &c
}

// CreateTerminal сохраняет новый терминал.
func (r *MemoryRepository) CreateTerminal(_ context.Context, t *model.Terminal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.terminals {
		if existing.Code == t.Code {
			return ErrTerminalCodeExists
		}
	}
	r.terminals[t.ID] = *cloneTerminal(*t)
	return nil
}

// GetTerminal возвращает терминал по идентификатору.
func (r *MemoryRepository) GetTerminal(_ context.Context, id string) (*model.Terminal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.terminals[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	return cloneTerminal(t), nil
}

// UpdateTerminal перезаписывает конфигурацию терминала.
func (r *MemoryRepository) UpdateTerminal(_ context.Context, t *model.Terminal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.terminals[t.ID]; !ok {
		return ErrTerminalNotFound
	}
	for id, existing := range r.terminals {
		if id != t.ID && existing.Code == t.Code {
			return ErrTerminalCodeExists
		}
	}
	r.terminals[t.ID] = *cloneTerminal(*t)
	return nil
}

// CreateSession сохраняет смену, если на терминале нет другой активной.
func (r *MemoryRepository) CreateSession(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.terminals[s.TerminalID]; !ok {
		return ErrTerminalNotFound
	}
	for _, existing := range r.sessions {
		if existing.TerminalID == s.TerminalID && existing.State.Active() {
			return ErrSessionActive
		}
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

// GetSession возвращает смену со всеми снимками закрытия.
func (r *MemoryRepository) GetSession(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// UpdateSession сохраняет состояние смены. Снимки закрытия не меняются.
func (r *MemoryRepository) UpdateSession(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State.Active() {
		for id, other := range r.sessions {
			if id != s.ID && other.TerminalID == s.TerminalID && other.State.Active() {
				return ErrSessionActive
			}
		}
	}

	c := cloneSession(s)
	c.Closures = stored.Closures
	c.OrderSequence = stored.OrderSequence
	r.sessions[s.ID] = c
	return nil
}

// CloseSession сохраняет закрытую смену и добавляет снимок её итогов.
func (r *MemoryRepository) CloseSession(_ context.Context, s *model.Session, snap model.ClosureSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}

	c := cloneSession(s)
	c.OrderSequence = stored.OrderSequence
	c.Closures = append(slices.Clone(stored.Closures), snap)
	r.sessions[s.ID] = c
	return nil
}

// FindSessions возвращает смены терминала в указанных состояниях,
// начиная с последней открытой.
func (r *MemoryRepository) FindSessions(_ context.Context, terminalID string, states ...model.SessionState) ([]model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Session
	for _, s := range r.sessions {
		if s.TerminalID != terminalID {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, s.State) {
			continue
		}
		res = append(res, *cloneSession(s))
	}
	slices.SortFunc(res, func(a, b model.Session) int {
		return b.OpenedAt.Compare(a.OpenedAt)
	})
	return res, nil
}

// NextOrderSequence выдаёт следующий номер заказа в смене.
func (r *MemoryRepository) NextOrderSequence(_ context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.OrderSequence++
	return s.OrderSequence, nil
}

// CreateOrder сохраняет новый заказ. Повтор offline_id в смене возвращает
// ErrDuplicateOfflineID.
func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insertOrderLocked(o)
}

func (r *MemoryRepository) insertOrderLocked(o *model.Order) error {
	if _, ok := r.sessions[o.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if o.OfflineID != "" {
		key := offlineKey{sessionID: o.SessionID, offlineID: o.OfflineID}
		if _, dup := r.offline[key]; dup {
			return ErrDuplicateOfflineID
		}
		r.offline[key] = o.ID
	}
	r.orders[o.ID] = o.Clone()
	r.orderSeq = append(r.orderSeq, o.ID)
	return nil
}

// GetOrder возвращает заказ со строками и платежами.
func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// GetOrderByOfflineID ищет заказ смены по offline_id.
func (r *MemoryRepository) GetOrderByOfflineID(_ context.Context, sessionID, offlineID string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.offline[offlineKey{sessionID: sessionID, offlineID: offlineID}]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return r.orders[id].Clone(), nil
}

// ListOrdersBySession возвращает заказы смены в порядке создания.
func (r *MemoryRepository) ListOrdersBySession(_ context.Context, sessionID string) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, id := range r.orderSeq {
		if o := r.orders[id]; o.SessionID == sessionID {
			res = append(res, *o.Clone())
		}
	}
	return res, nil
}

// UpdateOrder перезаписывает заказ.
func (r *MemoryRepository) UpdateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

// SaveOrderWithIntents атомарно сохраняет заказ и новые записи исходящей очереди.
func (r *MemoryRepository) SaveOrderWithIntents(_ context.Context, o *model.Order, intents []model.FulfillmentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	r.orders[o.ID] = o.Clone()
	for _, in := range intents {
		r.intents[in.ID] = &in
	}
	return nil
}

// SaveCancellation атомарно сохраняет отменённый заказ: ещё не исполненные
// записи очереди отменяются, на исполненные ставятся сторнирующие. restored,
// если задан, сохраняется вместе с ним.
func (r *MemoryRepository) SaveCancellation(_ context.Context, o, restored *model.Order, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	if restored != nil {
		if _, ok := r.orders[restored.ID]; !ok {
			return ErrOrderNotFound
		}
		r.orders[restored.ID] = restored.Clone()
	}
	r.orders[o.ID] = o.Clone()

	for _, in := range r.intentsOfLocked(o.ID) {
		switch in.Status {
		case model.IntentPending, model.IntentFailed, model.IntentDead:
			in.Status = model.IntentCancelled
			in.UpdatedAt = now
		case model.IntentDone:
			r.addReversalLocked(in, now)
		}
	}
	return nil
}

// SaveRefund атомарно создаёт заказ возврата и помечает исходный заказ возвращённым.
func (r *MemoryRepository) SaveRefund(_ context.Context, original, refund *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[original.ID]; !ok {
		return ErrOrderNotFound
	}
	if err := r.insertOrderLocked(refund); err != nil {
		return err
	}
	r.orders[original.ID] = original.Clone()
	return nil
}

// ListOrderIntents возвращает записи очереди заказа в порядке создания.
func (r *MemoryRepository) ListOrderIntents(_ context.Context, orderID string) ([]model.FulfillmentIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.FulfillmentIntent
	for _, in := range r.intentsOfLocked(orderID) {
		res = append(res, *in)
	}
	return res, nil
}

func (r *MemoryRepository) intentsOfLocked(orderID string) []*model.FulfillmentIntent {
	var res []*model.FulfillmentIntent
	for _, in := range r.intents {
		if in.OrderID == orderID {
			res = append(res, in)
		}
	}
	slices.SortFunc(res, func(a, b *model.FulfillmentIntent) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return res
}

func (r *MemoryRepository) addReversalLocked(in *model.FulfillmentIntent, now time.Time) {
	kind, ok := in.Kind.Reversal()
	if !ok {
		return
	}
	id := uuid.NewString()
	r.intents[id] = &model.FulfillmentIntent{
		ID:            id,
		OrderID:       in.OrderID,
		Kind:          kind,
		Status:        model.IntentPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ClaimDueIntents берёт в работу созревшие записи очереди.
func (r *MemoryRepository) ClaimDueIntents(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.FulfillmentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*model.FulfillmentIntent
	for _, in := range r.intents {
		if in.Status.Dispatchable() && !in.NextAttemptAt.After(now) {
			due = append(due, in)
		}
	}
	slices.SortFunc(due, func(a, b *model.FulfillmentIntent) int {
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	res := make([]model.FulfillmentIntent, 0, len(due))
	for _, in := range due {
		in.NextAttemptAt = now.Add(lease)
		res = append(res, *in)
	}
	return res, nil
}

// MarkIntentDone фиксирует успешное исполнение. Если заказ успели отменить,
// пока запрос был в полёте, ставится сторнирующая запись.
func (r *MemoryRepository) MarkIntentDone(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	in.Attempts++
	in.UpdatedAt = at
	in.LastError = ""
	if in.Status == model.IntentCancelled {
		r.addReversalLocked(in, at)
		return nil
	}
	in.Status = model.IntentDone
	return nil
}

// MarkIntentFailed фиксирует неудачную попытку.
func (r *MemoryRepository) MarkIntentFailed(_ context.Context, id, lastError string, next time.Time, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	in.Attempts++
	in.LastError = lastError
	in.NextAttemptAt = next
	if in.Status == model.IntentCancelled {
		return nil
	}
	in.Status = model.IntentFailed
	if dead {
		in.Status = model.IntentDead
	}
	return nil
}

// ListDeadIntents возвращает записи, ожидающие ручного повтора.
func (r *MemoryRepository) ListDeadIntents(_ context.Context, limit int) ([]model.FulfillmentIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.FulfillmentIntent
	for _, in := range r.intents {
		if in.Status == model.IntentDead {
			res = append(res, *in)
		}
	}
	slices.SortFunc(res, func(a, b model.FulfillmentIntent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// RetryIntent возвращает запись в очередь со сброшенным счётчиком попыток.
func (r *MemoryRepository) RetryIntent(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if in.Status != model.IntentDead {
		return ErrIntentNotDead
	}
	in.Status = model.IntentPending
	in.Attempts = 0
	in.NextAttemptAt = at
	in.UpdatedAt = at
	return nil
}
