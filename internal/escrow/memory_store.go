package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	txns     map[string]*Transaction
	disputes map[string]*Dispute
	events   map[string][]*Event // txnID -> timeline, append order
	payouts  map[string]*Payout
	payoutIx map[string][]string // txnID -> payout IDs, in creation order
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]*Transaction),
		disputes: make(map[string]*Dispute),
		events:   make(map[string][]*Event),
		payouts:  make(map[string]*Payout),
		payoutIx: make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTxn(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *txn
	m.txns[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTxn(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetTxnByCheckout(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if checkoutRequestID == "" {
		return nil, ErrTxnNotFound
	}
	for _, t := range m.txns {
		if t.CheckoutRequestID == checkoutRequestID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTxnNotFound
}

func (m *MemoryStore) UpdateTxn(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txns[txn.ID]
	if !ok {
		return ErrTxnNotFound
	}
	// Status and the payout leg move only through the conditional ops.
	cp := *txn
	cp.Status = cur.Status
	cp.PayoutState = cur.PayoutState
	m.txns[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTxnFrom(ctx context.Context, txn *Transaction, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txns[txn.ID]
	if !ok {
		return ErrTxnNotFound
	}
	if cur.Status != from {
		return ErrConcurrencyConflict
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) StagePayout(ctx context.Context, txnID string, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txns[txnID]
	if !ok {
		return ErrTxnNotFound
	}
	if cur.Status != from || cur.PayoutState != "" {
		return ErrConcurrencyConflict
	}
	cp := *cur
	cp.PayoutState = PayoutStaged
	cp.UpdatedAt = time.Now()
	m.txns[txnID] = &cp
	return nil
}

func (m *MemoryStore) SetRating(ctx context.Context, txnID string, stars int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txns[txnID]
	if !ok {
		return ErrTxnNotFound
	}
	if cur.RatingStars != 0 {
		return ErrAlreadyRated
	}
	cp := *cur
	ratedAt := at
	cp.RatingStars = stars
	cp.RatedAt = &ratedAt
	cp.UpdatedAt = at
	m.txns[txnID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		return t.BuyerID == userID || t.SellerID == userID
	}), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		return t.Status == status
	}), nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		return t.Status == StatusShipped && t.AutoReleaseAt != nil && t.AutoReleaseAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListUnshippedSince(ctx context.Context, heldBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		return t.Status == StatusHeld && t.HeldAt != nil && t.HeldAt.Before(heldBefore)
	}), nil
}

func (m *MemoryStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		return t.Status == StatusPending && t.ExpiresAt.Before(before)
	}), nil
}

// collect filters and copies transactions, newest first. Callers hold the lock.
func (m *MemoryStore) collect(limit int, match func(*Transaction) bool) []*Transaction {
	var result []*Transaction
	for _, t := range m.txns {
		if match(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cur := range m.disputes {
		if cur.TxnID == d.TxnID && cur.Status == DisputeOpen {
			return ErrDuplicateDispute
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, txnID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TxnID == txnID && d.Status == DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if status != "" && d.Status != status {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *evt
	m.events[evt.TxnID] = append(m.events[evt.TxnID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, txnID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timeline := m.events[txnID]
	if limit > 0 && len(timeline) > limit {
		timeline = timeline[:limit]
	}
	result := make([]*Event, 0, len(timeline))
	for _, evt := range timeline {
		cp := *evt
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payouts[p.ID] = &cp
	m.payoutIx[p.TxnID] = append(m.payoutIx[p.TxnID], p.ID)
	return nil
}

func (m *MemoryStore) GetPayoutByTxn(ctx context.Context, txnID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.payoutIx[txnID]
	if len(ids) == 0 {
		return nil, ErrPayoutNotFound
	}
	cp := *m.payouts[ids[len(ids)-1]]
	return &cp, nil
}

func (m *MemoryStore) GetPayoutByReference(ctx context.Context, reference string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payouts {
		if p.Reference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (m *MemoryStore) ListPayoutsByTxn(ctx context.Context, txnID string) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Payout, 0, len(m.payoutIx[txnID]))
	for _, id := range m.payoutIx[txnID] {
		cp := *m.payouts[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPayoutsByState(ctx context.Context, state string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collectPayouts(limit, func(p *Payout) bool {
		return state == "" || p.State == state
	}), nil
}

func (m *MemoryStore) ListStuckPayouts(ctx context.Context, olderThan time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collectPayouts(limit, func(p *Payout) bool {
		return p.State == PayoutPending && p.CreatedAt.Before(olderThan)
	}), nil
}

// collectPayouts filters and copies payouts, oldest first so the retry
// job drains fairly. Callers hold the lock.
func (m *MemoryStore) collectPayouts(limit int, match func(*Payout) bool) []*Payout {
	var result []*Payout
	for _, p := range m.payouts {
		if match(p) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// QueryForReport returns transactions matching the report filter.
func (m *MemoryStore) QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collect(limit, func(t *Transaction) bool {
		if filter.SellerID != "" && t.SellerID != filter.SellerID {
			return false
		}
		if filter.BuyerID != "" && t.BuyerID != filter.BuyerID {
			return false
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			return false
		}
		if filter.To != nil && t.CreatedAt.After(*filter.To) {
			return false
		}
		return true
	}), nil
}

func (m *MemoryStore) FlagTxnsBySeller(ctx context.Context, sellerID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged int64
	for id, t := range m.txns {
		if t.SellerID != sellerID || t.IsTerminal() || t.Flagged {
			continue
		}
		cp := *t
		cp.Flagged = true
		cp.FlagReason = reason
		cp.UpdatedAt = time.Now()
		m.txns[id] = &cp
		flagged++
	}
	return flagged, nil
}

func (m *MemoryStore) DisputeCountsByOpener(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range m.disputes {
		if d.CreatedAt.Before(since) {
			continue
		}
		counts[d.OpenedBy]++
	}
	return counts, nil
}

func (m *MemoryStore) SellerDisputeStats(ctx context.Context, since time.Time) ([]SellerActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	disputed := make(map[string]bool) // txnID -> has a dispute
	for _, d := range m.disputes {
		disputed[d.TxnID] = true
	}

	bySeller := make(map[string]*SellerActivity)
	for _, t := range m.txns {
		if t.CreatedAt.Before(since) {
			continue
		}
		st, ok := bySeller[t.SellerID]
		if !ok {
			st = &SellerActivity{SellerID: t.SellerID}
			bySeller[t.SellerID] = st
		}
		st.Txns++
		if disputed[t.ID] {
			st.Disputed++
		}
	}

	result := make([]SellerActivity, 0, len(bySeller))
	for _, st := range bySeller {
		result = append(result, *st)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SellerID < result[j].SellerID
	})
	return result, nil
}

func (m *MemoryStore) RefundCountsByBuyer(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, t := range m.txns {
		if t.Status != StatusRefunded || t.ResolvedAt == nil || t.ResolvedAt.Before(since) {
			continue
		}
		counts[t.BuyerID]++
	}
	return counts, nil
}

func (m *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, t := range m.txns {
		if !t.IsTerminal() || t.ResolvedAt == nil || !t.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(m.txns, id)
		delete(m.events, id)
		for _, pid := range m.payoutIx[id] {
			delete(m.payouts, pid)
		}
		delete(m.payoutIx, id)
		for did, d := range m.disputes {
			if d.TxnID == id {
				delete(m.disputes, did)
			}
		}
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range m.txns {
		counts[t.Status]++
	}
	return counts, nil
}
