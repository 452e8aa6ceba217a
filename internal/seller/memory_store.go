package seller

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory seller store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	sellers map[string]*Seller
	byPhone map[string]string // phone -> seller ID
}

// NewMemoryStore creates a new in-memory seller store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sellers: make(map[string]*Seller),
		byPhone: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, s *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byPhone[s.Phone]; taken {
		return ErrPhoneTaken
	}
	cp := *s
	m.sellers[s.ID] = &cp
	m.byPhone[s.Phone] = s.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sel, ok := m.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *sel
	return &cp, nil
}

func (m *MemoryStore) GetByPhone(ctx context.Context, phone string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sellers[id]
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit, offset int) ([]*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Seller
	for _, sel := range m.sellers {
		if status != "" && sel.Status != status {
			continue
		}
		cp := *sel
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel, ok := m.sellers[id]
	if !ok {
		return ErrNotFound
	}
	matched := false
	for _, f := range from {
		if sel.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStatusConflict
	}
	sel.Status = to
	sel.SuspendReason = reason
	sel.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddSale(ctx context.Context, id string, amountCents int64) error {
	return m.adjust(id, func(sel *Seller) {
		sel.TotalSales++
		sel.TotalAmount += amountCents
	})
}

func (m *MemoryStore) AddDispute(ctx context.Context, id string) error {
	return m.adjust(id, func(sel *Seller) {
		sel.DisputeCount++
	})
}

func (m *MemoryStore) AddRefund(ctx context.Context, id string) error {
	return m.adjust(id, func(sel *Seller) {
		sel.RefundCount++
	})
}

func (m *MemoryStore) AddRating(ctx context.Context, id string, stars int) error {
	return m.adjust(id, func(sel *Seller) {
		sel.RatingPoints += int64(stars)
		sel.RatingCount++
		sel.Rating = float64(sel.RatingPoints) / float64(sel.RatingCount)
	})
}

func (m *MemoryStore) SetComputedRating(ctx context.Context, id string, rating float64, tier string) error {
	return m.adjust(id, func(sel *Seller) {
		sel.Rating = rating
		sel.Tier = tier
	})
}

func (m *MemoryStore) adjust(id string, fn func(*Seller)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sel, ok := m.sellers[id]
	if !ok {
		return ErrNotFound
	}
	fn(sel)
	sel.UpdatedAt = time.Now()
	return nil
}
