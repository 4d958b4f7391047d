package storage

import (
	"context"
	"sync"

	"transferbot/internal/transfer"
)

// Memory is a non-durable Store for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	ids      map[string]transfer.Cursor
	saves    []SaveCall
	failSave error
}

// SaveCall records one successful Save, in call order.
type SaveCall struct {
	Key    string
	Cursor transfer.Cursor
}

func NewMemory() *Memory {
	return &Memory{ids: map[string]transfer.Cursor{}}
}

func (m *Memory) Load(ctx context.Context, key string) (transfer.Cursor, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[key], nil
}

func (m *Memory) Save(ctx context.Context, key string, c transfer.Cursor) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return persistErr("save", key, m.failSave)
	}
	m.ids[key] = c
	m.saves = append(m.saves, SaveCall{Key: key, Cursor: c})
	return nil
}

func (m *Memory) List(ctx context.Context) (map[string]transfer.Cursor, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]transfer.Cursor, len(m.ids))
	for k, v := range m.ids {
		out[k] = v
	}
	return out, nil
}

// Saves returns a copy of the successful Save calls.
func (m *Memory) Saves() []SaveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SaveCall(nil), m.saves...)
}

// SetFailSave makes every later Save fail with a *PersistenceError wrapping
// err. Pass nil to heal.
func (m *Memory) SetFailSave(err error) {
	m.mu.Lock()
	m.failSave = err
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
