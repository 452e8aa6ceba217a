package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory flag store for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewMemoryStore creates a new in-memory flag store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]*Flag)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, f *Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *f
	m.flags[f.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flags[id]
	if !ok {
		return nil, ErrFlagNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) HasUnreviewed(ctx context.Context, subjectID, flagType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.flags {
		if f.SubjectID == subjectID && f.Type == flagType && !f.Reviewed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkReviewed(ctx context.Context, id, adminID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flags[id]
	if !ok {
		return ErrFlagNotFound
	}
	f.Reviewed = true
	f.ReviewedBy = adminID
	f.ReviewedAt = &at
	return nil
}

func (m *MemoryStore) List(ctx context.Context, reviewed *bool, limit int) ([]*Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Flag
	for _, f := range m.flags {
		if reviewed != nil && f.Reviewed != *reviewed {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	// Newest first, like the postgres store.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteReviewedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, f := range m.flags {
		if f.Reviewed && f.CreatedAt.Before(cutoff) {
			delete(m.flags, id)
			deleted++
		}
	}
	return deleted, nil
}
