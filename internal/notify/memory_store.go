package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory outbox for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Notification
}

// NewMemoryStore creates a new in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Notification)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.rows[n.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	cp := *n
	m.rows[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.rows {
		if n.State == StateSent || n.Attempts >= MaxAttempts {
			continue
		}
		if !n.UpdatedAt.Before(before) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByTxn(ctx context.Context, txnID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.rows {
		if n.TxnID != txnID {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
