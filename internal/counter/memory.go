package counter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and single-node development.
// A single mutex serializes updates, which trivially satisfies the
// transactional contract.
type Memory struct {
	mu    sync.Mutex
	vals  map[string]int64
	exp   map[string]time.Time
	lists map[string][]string

	// Now is overridable in tests to drive expiry.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vals:  make(map[string]int64),
		exp:   make(map[string]time.Time),
		lists: make(map[string][]string),
		Now:   time.Now,
	}
}

func (m *Memory) expired(key string) bool {
	if t, ok := m.exp[key]; ok && m.Now().After(t) {
		delete(m.vals, key)
		delete(m.exp, key)
		delete(m.lists, key)
		return true
	}
	return false
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, false, nil
	}
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *Memory) SetTTL(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	if _, ok := m.vals[key]; ok {
		m.exp[key] = m.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) Update(_ context.Context, keys []string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := make(map[string]int64, len(keys))
	for _, key := range keys {
		if m.expired(key) {
			view[key] = 0
			continue
		}
		view[key] = m.vals[key]
	}

	writes, err := fn(view)
	if err != nil {
		return err
	}
	for key, op := range writes {
		m.vals[key] = op.Value
		if op.TTL > 0 {
			m.exp[key] = m.Now().Add(op.TTL)
		}
	}
	return nil
}

func (m *Memory) PushList(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	m.lists[key] = append(m.lists[key], value)
	if ttl > 0 {
		m.exp[key] = m.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) DrainList(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	vals := m.lists[key]
	delete(m.lists, key)
	delete(m.exp, key)
	return vals, nil
}

func (m *Memory) Close() error { return nil }
