package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/amana/internal/authz"
	"github.com/mbd888/amana/internal/money"
)

// jobBatchSize caps how many candidates a single sweep processes. Anything
// left over is picked up on the next tick.
const jobBatchSize = 100

// maxPayoutAttempts is how many rail submissions a payout gets before it
// is parked as failed for an admin.
const maxPayoutAttempts = 5

// Reminder lead times before the respective deadline fires.
const (
	buyerReminderLead  = 48 * time.Hour
	sellerReminderLead = 24 * time.Hour
)

// AutoRelease completes a shipped transaction whose confirmation window
// lapsed. The buyer's silence is acceptance.
func (s *Service) AutoRelease(ctx context.Context, txn *Transaction) error {
	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := s.store.GetTxn(ctx, txn.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusShipped {
		return nil // someone acted between listing and locking
	}
	if fresh.AutoReleaseAt == nil || time.Now().Before(*fresh.AutoReleaseAt) {
		return nil
	}
	_, err = s.finalize(ctx, fresh, ActionAutoRelease, authz.Scheduler().ID, "auto_released", EventAutoReleased, "")
	if errors.Is(err, ErrConcurrencyConflict) {
		return nil
	}
	return err
}

// AutoRefundUnshipped refunds a held transaction the seller never shipped
// and flags the seller for review.
func (s *Service) AutoRefundUnshipped(ctx context.Context, txn *Transaction) error {
	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := s.store.GetTxn(ctx, txn.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusHeld {
		return nil
	}
	if fresh.HeldAt == nil || time.Now().Before(fresh.HeldAt.Add(s.policy.AutoRefundWindow)) {
		return nil
	}
	_, err = s.finalize(ctx, fresh, ActionAutoRefund, authz.Scheduler().ID, "auto_refund_unshipped", EventAutoRefunded, "seller never shipped")
	if errors.Is(err, ErrConcurrencyConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.flagger != nil {
		if ferr := s.flagger.FlagSeller(ctx, fresh.SellerID, "unshipped_order", "medium", fresh.ID); ferr != nil {
			s.logger.Warn("failed to flag seller for unshipped order",
				"sellerId", fresh.SellerID, "txnId", fresh.ID, "error", ferr)
		}
	}
	return nil
}

// Expire moves a pending transaction whose payment never landed to
// expired. Nothing was collected, so no money moves.
func (s *Service) Expire(ctx context.Context, txn *Transaction) error {
	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := s.store.GetTxn(ctx, txn.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusPending {
		return nil
	}
	if time.Now().Before(fresh.ExpiresAt) {
		return nil
	}

	now := time.Now()
	fresh.Status = StatusExpired
	fresh.Resolution = "expired"
	fresh.ResolvedAt = &now
	fresh.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, fresh, StatusPending); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return nil // a payment confirmation won the race
		}
		return err
	}
	transitionsTotal.WithLabelValues(string(ActionExpire)).Inc()
	s.record(ctx, fresh.ID, EventExpired, authz.Scheduler().ID, "")
	return nil
}

// ProcessAutoReleases sweeps shipped transactions past their release clock.
func (s *Service) ProcessAutoReleases(ctx context.Context) (int, error) {
	candidates, err := s.store.ListAutoReleasable(ctx, time.Now(), jobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: list auto-releasable: %w", err)
	}

	released := 0
	for _, txn := range candidates {
		if err := s.AutoRelease(ctx, txn); err != nil {
			s.logger.Warn("failed to auto-release escrow", "txnId", txn.ID, "error", err)
			continue
		}
		released++
		s.logger.Info("auto-released escrow",
			"txnId", txn.ID, "seller", txn.SellerID, "amount", money.Format(txn.Amount))
	}
	return released, nil
}

// ProcessAutoRefunds sweeps held transactions whose seller never shipped
// inside the refund window.
func (s *Service) ProcessAutoRefunds(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.policy.AutoRefundWindow)
	candidates, err := s.store.ListUnshippedSince(ctx, cutoff, jobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: list unshipped: %w", err)
	}

	refunded := 0
	for _, txn := range candidates {
		if err := s.AutoRefundUnshipped(ctx, txn); err != nil {
			s.logger.Warn("failed to auto-refund escrow", "txnId", txn.ID, "error", err)
			continue
		}
		refunded++
		s.logger.Info("auto-refunded unshipped escrow",
			"txnId", txn.ID, "buyer", txn.BuyerID, "seller", txn.SellerID, "amount", money.Format(txn.Amount))
	}
	return refunded, nil
}

// ProcessExpiries sweeps pending transactions whose payment never arrived.
func (s *Service) ProcessExpiries(ctx context.Context) (int, error) {
	candidates, err := s.store.ListExpiredPending(ctx, time.Now(), jobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: list expired pending: %w", err)
	}

	expired := 0
	for _, txn := range candidates {
		if err := s.Expire(ctx, txn); err != nil {
			s.logger.Warn("failed to expire escrow", "txnId", txn.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ProcessPayoutRetries re-submits pending payouts and parks the ones that
// exhausted their attempts.
func (s *Service) ProcessPayoutRetries(ctx context.Context) (int, error) {
	pending, err := s.store.ListPayoutsByState(ctx, PayoutPending, jobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: list pending payouts: %w", err)
	}

	submitted := 0
	for _, p := range pending {
		// A payout touched moments ago may still have its first
		// submission in flight.
		if time.Since(p.UpdatedAt) < time.Minute {
			continue
		}
		if p.Attempts >= maxPayoutAttempts {
			now := time.Now()
			p.State = PayoutFailed
			p.UpdatedAt = now
			if uerr := s.store.UpdatePayout(ctx, p); uerr != nil {
				s.logger.Warn("failed to park exhausted payout", "payoutRef", p.Reference, "error", uerr)
				continue
			}
			s.record(ctx, p.TxnID, EventPayoutFailed, authz.Scheduler().ID,
				fmt.Sprintf("retries exhausted after %d attempts: %s", p.Attempts, p.LastError))
			s.logger.Error("payout retries exhausted",
				"payoutRef", p.Reference, "txnId", p.TxnID, "attempts", p.Attempts)
			continue
		}
		s.submitPayout(ctx, p)
		if p.State == PayoutSubmitted {
			submitted++
			s.logger.Info("payout submitted on retry",
				"payoutRef", p.Reference, "txnId", p.TxnID, "attempt", p.Attempts)
			// The terminal transition was deferred until the rail accepted
			// the transfer; commit it now.
			if cerr := s.completeStaged(ctx, p, authz.Scheduler().ID); cerr != nil {
				s.logger.Error("failed to commit staged transition",
					"payoutRef", p.Reference, "txnId", p.TxnID, "error", cerr)
			}
		}
	}
	return submitted, nil
}

// ProcessReminders nudges parties whose clock is about to run out: buyers
// of shipped orders nearing auto-release, sellers of held orders nearing
// auto-refund. Each party gets at most one reminder per transaction.
func (s *Service) ProcessReminders(ctx context.Context) (int, error) {
	now := time.Now()
	sent := 0

	shipped, err := s.store.ListByStatus(ctx, StatusShipped, jobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("escrow: list shipped: %w", err)
	}
	for _, txn := range shipped {
		if txn.AutoReleaseAt == nil || now.After(*txn.AutoReleaseAt) {
			continue
		}
		if txn.AutoReleaseAt.Sub(now) > buyerReminderLead {
			continue
		}
		if s.reminded(ctx, txn.ID, "buyer") {
			continue
		}
		s.record(ctx, txn.ID, EventReminder, authz.Scheduler().ID,
			fmt.Sprintf("buyer: confirm delivery before %s", txn.AutoReleaseAt.Format(time.RFC3339)))
		sent++
	}

	held, err := s.store.ListByStatus(ctx, StatusHeld, jobBatchSize)
	if err != nil {
		return sent, fmt.Errorf("escrow: list held: %w", err)
	}
	for _, txn := range held {
		if txn.HeldAt == nil {
			continue
		}
		deadline := txn.HeldAt.Add(s.policy.AutoRefundWindow)
		if now.After(deadline) || deadline.Sub(now) > sellerReminderLead {
			continue
		}
		if s.reminded(ctx, txn.ID, "seller") {
			continue
		}
		s.record(ctx, txn.ID, EventReminder, authz.Scheduler().ID,
			fmt.Sprintf("seller: ship before %s or the buyer is refunded", deadline.Format(time.RFC3339)))
		sent++
	}
	return sent, nil
}

// reminded reports whether this audience already got its nudge.
func (s *Service) reminded(ctx context.Context, txnID, audience string) bool {
	events, err := s.store.ListEvents(ctx, txnID, 200)
	if err != nil {
		return true // fail closed rather than spam on store errors
	}
	for _, evt := range events {
		if evt.Type == EventReminder && strings.HasPrefix(evt.Detail, audience+":") {
			return true
		}
	}
	return false
}

// StuckPayouts returns payouts still pending after the given age. The
// health checker surfaces these.
func (s *Service) StuckPayouts(ctx context.Context, olderThan time.Duration) ([]*Payout, error) {
	return s.store.ListStuckPayouts(ctx, time.Now().Add(-olderThan), jobBatchSize)
}
