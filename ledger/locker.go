package ledger

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// LOCKER - Single-writer serialization per root entity
// =============================================================================
// Mutations take the lock of their root entity (the campaign, plus the
// invoice number counter on creation) before reading. Version
// preconditions on every write remain the second line of defence when the
// lock is not shared, e.g. several processes with in-process locks.

// Locker acquires every key or none. The returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

func campaignLockKey(id string) string { return "campaign:" + id }

const invoiceCounterLockKey = "counter:invoiceNumber"

// LockKeys sorts and dedupes keys so every locker acquires in one global
// order and concurrent callers cannot deadlock.
func LockKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KeyedMutex is the in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = LockKeys(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.lockOne(ctx, k); err != nil {
			m.release(held)
			return nil, Transient("lock "+k, err)
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { m.release(held) }) }, nil
}

func (m *KeyedMutex) lockOne(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		m.unref(key, l)
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *KeyedMutex) release(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		l := m.locks[keys[i]]
		<-l.ch
		m.unref(keys[i], l)
	}
}

func (m *KeyedMutex) unref(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
