// Package lock предоставляет блокировки по ключу.
package lock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Keyed выдаёт отдельный RWMutex на каждый ключ и удаляет его,
// когда блокировка больше никому не нужна.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed создаёт пустой набор блокировок.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock захватывает ключ эксклюзивно и возвращает функцию освобождения.
func (k *Keyed) Lock(key string) (unlock func()) {
	e := k.acquire(key)
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.release(key, e)
		})
	}
}

// RLock захватывает ключ на чтение.
func (k *Keyed) RLock(key string) (unlock func()) {
	e := k.acquire(key)
	e.mu.RLock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.RUnlock()
			k.release(key, e)
		})
	}
}

// Len возвращает число удерживаемых ключей.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
