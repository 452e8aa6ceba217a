package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedTxn(t *testing.T, store *MemoryStore, id string, status Status, createdAt time.Time) *Transaction {
	t.Helper()

	txn := &Transaction{
		ID:         id,
		BuyerID:    "usr_buyer",
		SellerID:   "usr_seller",
		BuyerPhone: "254712000001",
		Amount:     100000,
		Status:     status,
		ExpiresAt:  createdAt.Add(time.Hour),
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	if err := store.CreateTxn(context.Background(), txn); err != nil {
		t.Fatalf("CreateTxn failed: %v", err)
	}
	return txn
}

// ---------------------------------------------------------------
// Conditional updates
// ---------------------------------------------------------------

func TestMemoryStore_UpdateTxnFrom(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_aaaa0001", StatusPending, time.Now())

	txn.Status = StatusHeld
	if err := store.UpdateTxnFrom(ctx, txn, StatusHeld); err != ErrConcurrencyConflict {
		t.Errorf("Expected ErrConcurrencyConflict for stale from-status, got %v", err)
	}

	if err := store.UpdateTxnFrom(ctx, txn, StatusPending); err != nil {
		t.Fatalf("UpdateTxnFrom failed: %v", err)
	}

	got, err := store.GetTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTxn failed: %v", err)
	}
	if got.Status != StatusHeld {
		t.Errorf("Expected status held, got %s", got.Status)
	}

	// The winning write consumed the pending status; a replay must lose.
	if err := store.UpdateTxnFrom(ctx, txn, StatusPending); err != ErrConcurrencyConflict {
		t.Errorf("Expected ErrConcurrencyConflict on replay, got %v", err)
	}

	if err := store.UpdateTxnFrom(ctx, &Transaction{ID: "ESC_ghost"}, StatusPending); err != ErrTxnNotFound {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateTxnPreservesGuardedFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_aaaa0002", StatusPending, time.Now())

	// A plain update must not smuggle in a status or payout-leg change.
	mutated := *txn
	mutated.Status = StatusCompleted
	mutated.PayoutState = PayoutStaged
	mutated.MpesaReceipt = "QGH7TK91XP"
	if err := store.UpdateTxn(ctx, &mutated); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}

	got, err := store.GetTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTxn failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("UpdateTxn changed status to %s, want pending", got.Status)
	}
	if got.PayoutState != "" {
		t.Errorf("UpdateTxn changed payout state to %q, want empty", got.PayoutState)
	}
	if got.MpesaReceipt != "QGH7TK91XP" {
		t.Errorf("Expected receipt to persist, got %q", got.MpesaReceipt)
	}
}

func TestMemoryStore_StagePayout(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_aaaa0003", StatusShipped, time.Now())

	if err := store.StagePayout(ctx, txn.ID, StatusHeld); err != ErrConcurrencyConflict {
		t.Errorf("Expected ErrConcurrencyConflict for wrong from-status, got %v", err)
	}

	if err := store.StagePayout(ctx, txn.ID, StatusShipped); err != nil {
		t.Fatalf("StagePayout failed: %v", err)
	}

	got, err := store.GetTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTxn failed: %v", err)
	}
	if got.PayoutState != PayoutStaged {
		t.Errorf("Expected payout state staged, got %q", got.PayoutState)
	}

	// Second claim on the same transaction must lose.
	if err := store.StagePayout(ctx, txn.ID, StatusShipped); err != ErrConcurrencyConflict {
		t.Errorf("Expected ErrConcurrencyConflict on double claim, got %v", err)
	}

	if err := store.StagePayout(ctx, "ESC_ghost", StatusShipped); err != ErrTxnNotFound {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

func TestMemoryStore_SetRatingOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_aaaa0004", StatusCompleted, time.Now())

	at := time.Now()
	if err := store.SetRating(ctx, txn.ID, 4, at); err != nil {
		t.Fatalf("SetRating failed: %v", err)
	}

	got, err := store.GetTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTxn failed: %v", err)
	}
	if got.RatingStars != 4 {
		t.Errorf("Expected 4 stars, got %d", got.RatingStars)
	}
	if got.RatedAt == nil {
		t.Error("Expected RatedAt to be set")
	}

	if err := store.SetRating(ctx, txn.ID, 5, at); err != ErrAlreadyRated {
		t.Errorf("Expected ErrAlreadyRated, got %v", err)
	}
	if err := store.SetRating(ctx, "ESC_ghost", 3, at); err != ErrTxnNotFound {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------
// Lookups and sweep queries
// ---------------------------------------------------------------

func TestMemoryStore_GetTxnByCheckout(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_aaaa0005", StatusPending, time.Now())
	txn.CheckoutRequestID = "ws_CO_77"
	if err := store.UpdateTxn(ctx, txn); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// A second transaction that never got a checkout handle.
	seedTxn(t, store, "ESC_20250101120000_aaaa0006", StatusPending, time.Now())

	got, err := store.GetTxnByCheckout(ctx, "ws_CO_77")
	if err != nil {
		t.Fatalf("GetTxnByCheckout failed: %v", err)
	}
	if got.ID != txn.ID {
		t.Errorf("Expected %s, got %s", txn.ID, got.ID)
	}

	if _, err := store.GetTxnByCheckout(ctx, "ws_CO_unknown"); err != ErrTxnNotFound {
		t.Errorf("Expected ErrTxnNotFound for unknown checkout, got %v", err)
	}
	// Empty handle must never match the handleless transaction.
	if _, err := store.GetTxnByCheckout(ctx, ""); err != ErrTxnNotFound {
		t.Errorf("Expected ErrTxnNotFound for empty checkout, got %v", err)
	}
}

func TestMemoryStore_ListByUserBothSides(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	asBuyer := seedTxn(t, store, "ESC_20250101120000_bbbb0001", StatusPending, base)
	asSeller := seedTxn(t, store, "ESC_20250101120000_bbbb0002", StatusPending, base.Add(time.Second))
	asSeller.BuyerID = "usr_other"
	asSeller.SellerID = "usr_buyer"
	if err := store.UpdateTxn(ctx, asSeller); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	unrelated := seedTxn(t, store, "ESC_20250101120000_bbbb0003", StatusPending, base.Add(2*time.Second))
	unrelated.BuyerID = "usr_other"
	unrelated.SellerID = "usr_other2"
	if err := store.UpdateTxn(ctx, unrelated); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}

	results, err := store.ListByUser(ctx, "usr_buyer", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(results))
	}
	// Newest first.
	if results[0].ID != asSeller.ID || results[1].ID != asBuyer.ID {
		t.Errorf("Expected [%s %s], got [%s %s]", asSeller.ID, asBuyer.ID, results[0].ID, results[1].ID)
	}

	limited, err := store.ListByUser(ctx, "usr_buyer", 1)
	if err != nil {
		t.Fatalf("ListByUser with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 transaction with limit, got %d", len(limited))
	}
}

func TestMemoryStore_SweepQueries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	// Shipped with an elapsed release clock.
	releasable := seedTxn(t, store, "ESC_20250101120000_cccc0001", StatusShipped, now)
	releasable.AutoReleaseAt = &past
	if err := store.UpdateTxn(ctx, releasable); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// Shipped but the clock has not fired.
	fresh := seedTxn(t, store, "ESC_20250101120000_cccc0002", StatusShipped, now)
	fresh.AutoReleaseAt = &future
	if err := store.UpdateTxn(ctx, fresh); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// Held long past the shipping deadline.
	unshipped := seedTxn(t, store, "ESC_20250101120000_cccc0003", StatusHeld, now)
	unshipped.HeldAt = &past
	if err := store.UpdateTxn(ctx, unshipped); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// Pending with an expired payment window.
	expired := seedTxn(t, store, "ESC_20250101120000_cccc0004", StatusPending, now)
	expired.ExpiresAt = past
	if err := store.UpdateTxn(ctx, expired); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// Pending, still inside the window.
	seedTxn(t, store, "ESC_20250101120000_cccc0005", StatusPending, now)

	auto, err := store.ListAutoReleasable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoReleasable failed: %v", err)
	}
	if len(auto) != 1 || auto[0].ID != releasable.ID {
		t.Errorf("Expected only %s auto-releasable, got %d results", releasable.ID, len(auto))
	}

	stale, err := store.ListUnshippedSince(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListUnshippedSince failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != unshipped.ID {
		t.Errorf("Expected only %s unshipped, got %d results", unshipped.ID, len(stale))
	}

	lapsed, err := store.ListExpiredPending(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredPending failed: %v", err)
	}
	if len(lapsed) != 1 || lapsed[0].ID != expired.ID {
		t.Errorf("Expected only %s expired, got %d results", expired.ID, len(lapsed))
	}
}

// ---------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------

func TestMemoryStore_OneOpenDisputePerTxn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, "ESC_20250101120000_dddd0001", StatusDisputed, time.Now())

	first := &Dispute{
		ID:        "dsp_1",
		TxnID:     txn.ID,
		OpenedBy:  "usr_buyer",
		Reason:    "never arrived",
		Status:    DisputeOpen,
		CreatedAt: time.Now(),
	}
	if err := store.CreateDispute(ctx, first); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}

	dup := &Dispute{ID: "dsp_2", TxnID: txn.ID, OpenedBy: "usr_seller", Status: DisputeOpen, CreatedAt: time.Now()}
	if err := store.CreateDispute(ctx, dup); err != ErrDuplicateDispute {
		t.Errorf("Expected ErrDuplicateDispute, got %v", err)
	}

	open, err := store.GetOpenDispute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetOpenDispute failed: %v", err)
	}
	if open.ID != "dsp_1" {
		t.Errorf("Expected dsp_1, got %s", open.ID)
	}

	// Resolving frees the slot for a later dispute.
	resolvedAt := time.Now()
	open.Status = DisputeResolved
	open.Resolution = "refund"
	open.ResolvedBy = "ops_jane"
	open.ResolvedAt = &resolvedAt
	if err := store.UpdateDispute(ctx, open); err != nil {
		t.Fatalf("UpdateDispute failed: %v", err)
	}
	if _, err := store.GetOpenDispute(ctx, txn.ID); err != ErrDisputeNotFound {
		t.Errorf("Expected ErrDisputeNotFound after resolution, got %v", err)
	}
	if err := store.CreateDispute(ctx, dup); err != nil {
		t.Errorf("Expected new dispute after resolution, got %v", err)
	}

	byStatus, err := store.ListDisputes(ctx, DisputeResolved, 10)
	if err != nil {
		t.Fatalf("ListDisputes failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "dsp_1" {
		t.Errorf("Expected 1 resolved dispute dsp_1, got %d", len(byStatus))
	}
	all, err := store.ListDisputes(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListDisputes failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 disputes total, got %d", len(all))
	}
}

// ---------------------------------------------------------------
// Payouts
// ---------------------------------------------------------------

func TestMemoryStore_PayoutQueues(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		txn := seedTxn(t, store, fmt.Sprintf("ESC_20250101120000_eeee000%d", i), StatusCompleted, now)
		p := &Payout{
			ID:        fmt.Sprintf("pay_%d", i),
			Reference: fmt.Sprintf("pay_%d", i),
			TxnID:     txn.ID,
			Kind:      PayoutToSeller,
			Phone:     "254722000002",
			Amount:    98500,
			Fee:       1500,
			State:     PayoutPending,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		}
		if err := store.CreatePayout(ctx, p); err != nil {
			t.Fatalf("CreatePayout failed: %v", err)
		}
	}

	pending, err := store.ListPayoutsByState(ctx, PayoutPending, 10)
	if err != nil {
		t.Fatalf("ListPayoutsByState failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending payouts, got %d", len(pending))
	}
	// Oldest first so retries drain fairly.
	if pending[0].ID != "pay_0" || pending[2].ID != "pay_2" {
		t.Errorf("Expected oldest-first order, got [%s %s %s]", pending[0].ID, pending[1].ID, pending[2].ID)
	}

	// Mark one submitted; it leaves the pending queue.
	done := pending[0]
	done.State = PayoutSubmitted
	if err := store.UpdatePayout(ctx, done); err != nil {
		t.Fatalf("UpdatePayout failed: %v", err)
	}
	pending, err = store.ListPayoutsByState(ctx, PayoutPending, 10)
	if err != nil {
		t.Fatalf("ListPayoutsByState failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending payouts after submit, got %d", len(pending))
	}

	// Stuck scan catches only payouts created before the horizon.
	stuck, err := store.ListStuckPayouts(ctx, now.Add(1500*time.Millisecond), 10)
	if err != nil {
		t.Fatalf("ListStuckPayouts failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "pay_1" {
		t.Errorf("Expected pay_1 stuck, got %d results", len(stuck))
	}

	if err := store.UpdatePayout(ctx, &Payout{ID: "pay_ghost"}); err != ErrPayoutNotFound {
		t.Errorf("Expected ErrPayoutNotFound, got %v", err)
	}
	if _, err := store.GetPayoutByTxn(ctx, "ESC_ghost"); err != ErrPayoutNotFound {
		t.Errorf("Expected ErrPayoutNotFound, got %v", err)
	}
}

func TestMemoryStore_PayoutLegsPerTxn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	txn := seedTxn(t, store, "ESC_20250101120000_eeee0010", StatusDisputed, now)

	// A split resolution puts two legs on one transaction.
	sellerLeg := &Payout{
		ID: "po_s", Reference: "pay_s", TxnID: txn.ID, Kind: PayoutToSeller,
		Phone: "254722000002", Amount: 50100, State: PayoutPending,
		CreatedAt: now, UpdatedAt: now,
	}
	buyerLeg := &Payout{
		ID: "po_b", Reference: "pay_b", TxnID: txn.ID, Kind: RefundToBuyer,
		Phone: "254712000001", Amount: 50000, State: PayoutPending,
		CreatedAt: now.Add(time.Millisecond), UpdatedAt: now,
	}
	if err := store.CreatePayout(ctx, sellerLeg); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}
	if err := store.CreatePayout(ctx, buyerLeg); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	legs, err := store.ListPayoutsByTxn(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ListPayoutsByTxn failed: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("Expected 2 legs, got %d", len(legs))
	}
	// Creation order.
	if legs[0].ID != "po_s" || legs[1].ID != "po_b" {
		t.Errorf("Expected [po_s po_b], got [%s %s]", legs[0].ID, legs[1].ID)
	}

	by, err := store.GetPayoutByReference(ctx, "pay_b")
	if err != nil {
		t.Fatalf("GetPayoutByReference failed: %v", err)
	}
	if by.ID != "po_b" {
		t.Errorf("Expected po_b, got %s", by.ID)
	}
	if _, err := store.GetPayoutByReference(ctx, "pay_ghost"); err != ErrPayoutNotFound {
		t.Errorf("Expected ErrPayoutNotFound, got %v", err)
	}

	// Returned legs are copies; mutating them must not leak into the store.
	legs[0].State = PayoutFailed
	again, _ := store.ListPayoutsByTxn(ctx, txn.ID)
	if again[0].State != PayoutPending {
		t.Errorf("Expected stored leg untouched, got %s", again[0].State)
	}

	if other, err := store.ListPayoutsByTxn(ctx, "ESC_ghost"); err != nil || len(other) != 0 {
		t.Errorf("Expected no legs for unknown txn, got %d, %v", len(other), err)
	}
}

// ---------------------------------------------------------------
// Retention
// ---------------------------------------------------------------

func TestMemoryStore_DeleteTerminalBefore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	longAgo := now.Add(-48 * time.Hour)
	recently := now.Add(-time.Hour)

	// Old terminal transaction with the full constellation of children.
	old := seedTxn(t, store, "ESC_20250101120000_ffff0001", StatusRefunded, longAgo)
	old.ResolvedAt = &longAgo
	if err := store.UpdateTxn(ctx, old); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	if err := store.AppendEvent(ctx, &Event{ID: "evt_1", TxnID: old.ID, Type: EventCreated, CreatedAt: longAgo}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := store.CreateDispute(ctx, &Dispute{ID: "dsp_old", TxnID: old.ID, Status: DisputeResolved, CreatedAt: longAgo}); err != nil {
		t.Fatalf("CreateDispute failed: %v", err)
	}
	if err := store.CreatePayout(ctx, &Payout{ID: "pay_old", TxnID: old.ID, State: PayoutSubmitted, CreatedAt: longAgo, UpdatedAt: longAgo}); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}
	if err := store.CreatePayout(ctx, &Payout{ID: "pay_old2", Reference: "ref_old2", TxnID: old.ID, State: PayoutSubmitted, CreatedAt: longAgo, UpdatedAt: longAgo}); err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	// Recently resolved terminal transaction stays.
	kept := seedTxn(t, store, "ESC_20250101120000_ffff0002", StatusCompleted, longAgo)
	kept.ResolvedAt = &recently
	if err := store.UpdateTxn(ctx, kept); err != nil {
		t.Fatalf("UpdateTxn failed: %v", err)
	}
	// Live transaction stays no matter how old.
	live := seedTxn(t, store, "ESC_20250101120000_ffff0003", StatusHeld, longAgo)

	deleted, err := store.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deletion, got %d", deleted)
	}

	if _, err := store.GetTxn(ctx, old.ID); err != ErrTxnNotFound {
		t.Errorf("Expected old transaction gone, got %v", err)
	}
	if _, err := store.GetPayoutByTxn(ctx, old.ID); err != ErrPayoutNotFound {
		t.Errorf("Expected old payout gone, got %v", err)
	}
	if _, err := store.GetPayoutByReference(ctx, "ref_old2"); err != ErrPayoutNotFound {
		t.Errorf("Expected every old leg gone, got %v", err)
	}
	if _, err := store.GetDispute(ctx, "dsp_old"); err != ErrDisputeNotFound {
		t.Errorf("Expected old dispute gone, got %v", err)
	}
	events, err := store.ListEvents(ctx, old.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected old timeline gone, got %d events", len(events))
	}

	if _, err := store.GetTxn(ctx, kept.ID); err != nil {
		t.Errorf("Recently resolved transaction should survive: %v", err)
	}
	if _, err := store.GetTxn(ctx, live.ID); err != nil {
		t.Errorf("Live transaction should survive: %v", err)
	}
}

func TestMemoryStore_CountByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedTxn(t, store, "ESC_20250101120000_abcd0001", StatusPending, now)
	seedTxn(t, store, "ESC_20250101120000_abcd0002", StatusPending, now)
	seedTxn(t, store, "ESC_20250101120000_abcd0003", StatusHeld, now)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 {
		t.Errorf("Expected 2 pending, got %d", counts[StatusPending])
	}
	if counts[StatusHeld] != 1 {
		t.Errorf("Expected 1 held, got %d", counts[StatusHeld])
	}
	if counts[StatusCompleted] != 0 {
		t.Errorf("Expected 0 completed, got %d", counts[StatusCompleted])
	}
}
