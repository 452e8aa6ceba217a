package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/amana/internal/authz"
	"github.com/mbd888/amana/internal/idgen"
	"github.com/mbd888/amana/internal/money"
	"github.com/mbd888/amana/internal/traces"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amana",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Committed state transitions by action",
		},
		[]string{"action"},
	)

	transitionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amana",
			Subsystem: "escrow",
			Name:      "transition_conflicts_total",
			Help:      "Transitions lost to a concurrent actor",
		},
	)

	payoutSubmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amana",
			Subsystem: "payout",
			Name:      "submit_total",
			Help:      "Payout submissions to the rail by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, transitionConflicts, payoutSubmits)
}

// Policy carries the tunable windows and limits that drive escrow behavior.
type Policy struct {
	AutoReleaseWindow time.Duration // shipped -> completed without buyer action
	AutoRefundWindow  time.Duration // held -> refunded when the seller never ships
	PendingExpiry     time.Duration // pending -> expired when payment never lands
	MaxAmount         int64         // per-transaction cap, in cents
	MinSellerRating   float64       // sellers below this cannot receive escrows
	FeeBps            int64         // platform commission on payouts, basis points
}

// DefaultPolicy mirrors the launch configuration.
func DefaultPolicy() Policy {
	return Policy{
		AutoReleaseWindow: 7 * 24 * time.Hour,
		AutoRefundWindow:  3 * 24 * time.Hour,
		PendingExpiry:     24 * time.Hour,
		MaxAmount:         50000000, // KES 500,000.00
		MinSellerRating:   0.5,
		FeeBps:            150,
	}
}

// Service coordinates escrow transactions end to end: collection through
// the payment bridge, state transitions, disputes, and payouts.
type Service struct {
	store   Store
	bridge  Bridge
	sellers SellerDirectory
	flagger Flagger
	sink    EventSink
	policy  Policy
	logger  *slog.Logger

	// Per-transaction locks serialize transitions within this process.
	// Cross-process races are arbitrated by conditional updates.
	locks sync.Map
}

// NewService creates an escrow service backed by the given store and
// payment bridge.
func NewService(store Store, bridge Bridge) *Service {
	return &Service{
		store:  store,
		bridge: bridge,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
}

// WithPolicy overrides the default windows and limits.
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
	return s
}

// WithSellerDirectory enables seller eligibility checks and outcome counters.
func (s *Service) WithSellerDirectory(d SellerDirectory) *Service {
	s.sellers = d
	return s
}

// WithFlagger enables fraud flags raised from inside transitions.
func (s *Service) WithFlagger(f Flagger) *Service {
	s.flagger = f
	return s
}

// WithEvents attaches a sink that receives timeline events as they happen.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithLogger sets the logger for service operations.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) txnLock(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	BuyerPhone  string `json:"buyerPhone" binding:"required"`
	Amount      string `json:"amount" binding:"required"` // decimal KES, e.g. "1500.00"
	Description string `json:"description"`
}

// Create opens a new escrow and pushes a payment prompt to the buyer's
// phone. The transaction starts in pending and moves to held only when
// the rail confirms the payment.
func (s *Service) Create(ctx context.Context, actor authz.Actor, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Actor(actor.ID),
		traces.SellerID(req.SellerID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	if actor.ID != req.BuyerID && !actor.IsAdmin() {
		return nil, authz.Deny(actor, "create_escrow", "only the buyer may open an escrow")
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	if _, whole := money.WholeShillings(amount); !whole {
		return nil, fmt.Errorf("%w: the rail moves whole shillings", ErrInvalidAmount)
	}
	if s.policy.MaxAmount > 0 && amount > s.policy.MaxAmount {
		return nil, fmt.Errorf("%w: cap is %s", ErrAmountTooLarge, money.Format(s.policy.MaxAmount))
	}

	sellerPhone := ""
	if s.sellers != nil {
		info, err := s.sellers.Lookup(ctx, req.SellerID)
		if err != nil {
			return nil, fmt.Errorf("escrow: seller lookup: %w", err)
		}
		switch {
		case info.Suspended:
			return nil, fmt.Errorf("%w: seller is suspended", ErrSellerNotEligible)
		case !info.Verified:
			return nil, fmt.Errorf("%w: seller is not verified", ErrSellerNotEligible)
		case info.Rating > 0 && info.Rating < s.policy.MinSellerRating:
			return nil, fmt.Errorf("%w: seller rating %.2f below minimum %.2f",
				ErrSellerNotEligible, info.Rating, s.policy.MinSellerRating)
		}
		sellerPhone = info.Phone
	}

	now := time.Now()
	txn := &Transaction{
		ID:          idgen.NewTxnID(now),
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		BuyerPhone:  req.BuyerPhone,
		SellerPhone: sellerPhone,
		Amount:      amount,
		Description: req.Description,
		Status:      StatusPending,
		ExpiresAt:   now.Add(s.policy.PendingExpiry),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateTxn(ctx, txn); err != nil {
		return nil, fmt.Errorf("escrow: create transaction: %w", err)
	}
	s.record(ctx, txn.ID, EventCreated, actor.ID, money.Format(amount))

	checkout, err := s.bridge.CollectPayment(ctx, txn.BuyerPhone, txn.Amount, accountRef(txn.ID), "Amana escrow")
	if err != nil {
		// The buyer never saw a prompt, so nothing can land later. Fail
		// the escrow rather than leaving it to expire.
		s.failPending(ctx, txn, "payment prompt failed")
		return nil, fmt.Errorf("escrow: payment prompt: %w", err)
	}

	txn.CheckoutRequestID = checkout
	txn.UpdatedAt = time.Now()
	if err := s.store.UpdateTxn(ctx, txn); err != nil {
		// Callback correlation will miss and the pending expiry cleans up.
		s.logger.Error("failed to save checkout handle", "txnId", txn.ID, "error", err)
	}
	return txn, nil
}

// failPending moves a pending transaction to failed. Used when the rail
// rejects the collection outright.
func (s *Service) failPending(ctx context.Context, txn *Transaction, detail string) {
	now := time.Now()
	txn.Status = StatusFailed
	txn.Resolution = "payment_failed"
	txn.ResolvedAt = &now
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, StatusPending); err != nil {
		s.logger.Error("failed to mark escrow failed", "txnId", txn.ID, "error", err)
		return
	}
	transitionsTotal.WithLabelValues(string(ActionPaymentFailed)).Inc()
	s.record(ctx, txn.ID, EventPaymentFailed, "system", detail)
}

// accountRef derives the short reference the rail shows the buyer on the
// payment prompt. The rail caps it at 12 characters, so use the random
// suffix of the transaction ID.
func accountRef(txnID string) string {
	if i := strings.LastIndex(txnID, "_"); i >= 0 && i+1 < len(txnID) {
		return "AMN-" + txnID[i+1:]
	}
	return txnID
}

// PaymentConfirmed handles a successful collection callback from the rail.
// Duplicate deliveries are absorbed; a payment that lands after the
// transaction already expired or was cancelled is returned to the buyer.
func (s *Service) PaymentConfirmed(ctx context.Context, checkoutRequestID, receipt string, amount int64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PaymentConfirmed", traces.Reference(checkoutRequestID))
	defer span.End()

	txn, err := s.store.GetTxnByCheckout(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}

	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	txn, err = s.store.GetTxn(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	if txn.MpesaReceipt != "" {
		// Rail retries until acknowledged; this payment is already recorded.
		return txn, nil
	}
	if txn.IsTerminal() {
		return txn, s.refundLatePayment(ctx, txn, receipt, amount)
	}
	if txn.Status != StatusPending {
		return txn, nil
	}

	if amount != txn.Amount {
		s.logger.Warn("payment amount mismatch",
			"txnId", txn.ID, "expected", txn.Amount, "got", amount, "receipt", receipt)
		s.record(ctx, txn.ID, EventAmountMismatch, "mpesa",
			fmt.Sprintf("expected %s, rail reported %s (%s)", money.Format(txn.Amount), money.Format(amount), receipt))
		return txn, nil
	}

	now := time.Now()
	txn.Status = StatusHeld
	txn.MpesaReceipt = receipt
	txn.HeldAt = &now
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, StatusPending); err != nil {
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}
		// Expiry or cancellation won the race while the callback was in
		// flight. The money still moved, so it has to go back.
		transitionConflicts.Inc()
		fresh, ferr := s.store.GetTxn(ctx, txn.ID)
		if ferr != nil {
			return nil, ferr
		}
		if fresh.IsTerminal() {
			return fresh, s.refundLatePayment(ctx, fresh, receipt, amount)
		}
		return fresh, nil
	}

	transitionsTotal.WithLabelValues(string(ActionPaymentConfirmed)).Inc()
	s.record(ctx, txn.ID, EventPaymentConfirmed, "mpesa", receipt)
	return txn, nil
}

// refundLatePayment returns money that arrived after the transaction had
// already reached a terminal state. The payout claim dedupes rail retries.
func (s *Service) refundLatePayment(ctx context.Context, txn *Transaction, receipt string, amount int64) error {
	if txn.MpesaReceipt != "" {
		return nil
	}
	if err := s.store.StagePayout(ctx, txn.ID, txn.Status); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return nil
		}
		return err
	}
	txn.PayoutState = PayoutStaged
	txn.MpesaReceipt = receipt
	txn.UpdatedAt = time.Now()
	if err := s.store.UpdateTxn(ctx, txn); err != nil {
		s.logger.Error("failed to record late payment receipt", "txnId", txn.ID, "error", err)
	}

	s.logger.Warn("payment landed on terminal escrow, refunding",
		"txnId", txn.ID, "status", txn.Status, "receipt", receipt)

	now := time.Now()
	payout := &Payout{
		ID:        idgen.WithPrefix("po_"),
		Reference: idgen.WithPrefix("pay_"),
		TxnID:     txn.ID,
		Kind:      RefundToBuyer,
		Phone:     txn.BuyerPhone,
		Amount:    amount, // return exactly what the rail reported
		State:     PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePayout(ctx, payout); err != nil {
		return fmt.Errorf("escrow: record late refund: %w", err)
	}
	s.record(ctx, txn.ID, EventPayoutStaged, "system",
		fmt.Sprintf("late payment %s, refunding %s", receipt, money.Format(amount)))
	s.submitPayout(ctx, payout)
	return nil
}

// PaymentFailed handles a failed collection callback: the buyer cancelled
// the prompt, entered a wrong PIN, or had insufficient funds.
func (s *Service) PaymentFailed(ctx context.Context, checkoutRequestID, reason string) (*Transaction, error) {
	txn, err := s.store.GetTxnByCheckout(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}

	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	txn, err = s.store.GetTxn(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPending {
		return txn, nil
	}
	s.failPending(ctx, txn, reason)
	return txn, nil
}

// MarkShipped records that the seller handed the goods to a carrier and
// starts the auto-release clock. tracking is the carrier's reference,
// optional.
func (s *Service) MarkShipped(ctx context.Context, actor authz.Actor, txnID, tracking string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkShipped", traces.TxnID(txnID), traces.Actor(actor.ID))
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.SellerID && !actor.IsAdmin() {
		return nil, authz.Deny(actor, string(ActionMarkShipped), "only the seller may mark shipped")
	}
	to, ok := Next(txn.Status, ActionMarkShipped)
	if !ok {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: ActionMarkShipped}
	}

	from := txn.Status
	now := time.Now()
	releaseAt := now.Add(s.policy.AutoReleaseWindow)
	txn.Status = to
	txn.TrackingRef = tracking
	txn.ShippedAt = &now
	txn.AutoReleaseAt = &releaseAt
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, from); err != nil {
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(ActionMarkShipped)).Inc()
	s.record(ctx, txn.ID, EventShipped, actor.ID, tracking)
	return txn, nil
}

// ConfirmDelivery releases the held funds to the seller, minus the
// platform fee. Only the buyer can confirm.
func (s *Service) ConfirmDelivery(ctx context.Context, actor authz.Actor, txnID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TxnID(txnID), traces.Actor(actor.ID))
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.BuyerID {
		return nil, authz.Deny(actor, string(ActionConfirmDelivery), "only the buyer may confirm delivery")
	}
	return s.finalize(ctx, txn, ActionConfirmDelivery, actor.ID, "delivery_confirmed", EventDelivered, "")
}

// Cancel aborts an escrow. Before payment this is a plain state change;
// after the money is held it refunds the buyer in full.
func (s *Service) Cancel(ctx context.Context, actor authz.Actor, txnID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.TxnID(txnID), traces.Actor(actor.ID))
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.BuyerID && !actor.IsAdmin() {
		return nil, authz.Deny(actor, string(ActionCancel), "only the buyer may cancel")
	}
	to, ok := Next(txn.Status, ActionCancel)
	if !ok {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: ActionCancel}
	}

	if txn.Status == StatusHeld {
		// Money already collected, so cancellation is a refund.
		return s.finalize(ctx, txn, ActionCancel, actor.ID, "cancelled", EventCancelled, "")
	}

	from := txn.Status
	now := time.Now()
	txn.Status = to
	txn.Resolution = "cancelled"
	txn.ResolvedAt = &now
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, from); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(ActionCancel)).Inc()
	s.record(ctx, txn.ID, EventCancelled, actor.ID, "")
	return txn, nil
}

// OpenDispute freezes the transaction for admin review. Either party can
// dispute while the money is held or shipped; at most one dispute may be
// open per transaction.
func (s *Service) OpenDispute(ctx context.Context, actor authz.Actor, txnID, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TxnID(txnID), traces.Actor(actor.ID))
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.Party(actor.ID) && !actor.IsAdmin() {
		return nil, authz.Deny(actor, string(ActionOpenDispute), "only a party to the escrow may dispute")
	}
	to, ok := Next(txn.Status, ActionOpenDispute)
	if !ok {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: ActionOpenDispute}
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		TxnID:     txn.ID,
		OpenedBy:  actor.ID,
		Reason:    reason,
		Status:    DisputeOpen,
		CreatedAt: now,
	}
	// The dispute row is the claim: the store enforces one open dispute
	// per transaction.
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	from := txn.Status
	txn.Status = to
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, from); err != nil {
		// Lost the race to a payout or another transition. Withdraw the
		// dispute so it doesn't dangle on a terminal transaction.
		resolvedAt := time.Now()
		d.Status = DisputeResolved
		d.Resolution = "void"
		d.Note = "transaction changed before the dispute could attach"
		d.ResolvedAt = &resolvedAt
		if derr := s.store.UpdateDispute(ctx, d); derr != nil {
			s.logger.Error("failed to void orphaned dispute", "disputeId", d.ID, "error", derr)
		}
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(ActionOpenDispute)).Inc()
	s.record(ctx, txn.ID, EventDisputeOpened, actor.ID, reason)
	if s.sellers != nil {
		if serr := s.sellers.RecordDispute(ctx, txn.SellerID); serr != nil {
			s.logger.Warn("failed to record dispute against seller", "sellerId", txn.SellerID, "error", serr)
		}
	}
	return d, nil
}

// ResolveDispute closes an open dispute. Release pays the seller, refund
// returns the money to the buyer, split divides it between both, and
// reship sends the goods again without moving money. Admin only; the
// note lands in the audit trail.
func (s *Service) ResolveDispute(ctx context.Context, actor authz.Actor, txnID, resolution, note string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute",
		traces.TxnID(txnID), traces.Actor(actor.ID), traces.Action(resolution))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, "resolve_dispute", "admin role required")
	}
	if strings.TrimSpace(note) == "" {
		return nil, ErrNoteRequired
	}

	var action Action
	switch resolution {
	case "release":
		action = ActionResolveRelease
	case "refund":
		action = ActionResolveRefund
	case "split":
		action = ActionResolveSplit
	case "reship":
		return s.resolveReship(ctx, actor, txnID, note)
	default:
		return nil, fmt.Errorf("escrow: unknown resolution %q, want release, refund, split, or reship", resolution)
	}

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetOpenDispute(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	txn, err = s.finalize(ctx, txn, action, actor.ID, "dispute_"+resolution, EventDisputeResolved, note)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = resolution
	d.ResolvedBy = actor.ID
	d.Note = note
	d.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		// Funds already moved; the dispute row is now wrong but the
		// transaction is authoritative.
		s.logger.Error("CRITICAL: dispute resolved but row update failed",
			"disputeId", d.ID, "txnId", txn.ID, "error", err)
	}
	return txn, nil
}

// resolveReship settles the dispute with an agreement that the seller
// ships again. No money moves and the transaction stays disputed until a
// later resolution closes it for good.
func (s *Service) resolveReship(ctx context.Context, actor authz.Actor, txnID, note string) (*Transaction, error) {
	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: "resolve_reship"}
	}
	d, err := s.store.GetOpenDispute(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.Resolution = "reship"
	d.ResolvedBy = actor.ID
	d.Note = note
	d.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.record(ctx, txn.ID, EventDisputeResolved, actor.ID, "reship: "+note)
	return txn, nil
}

// AdminRelease forces the held or shipped funds to the seller. The note
// is mandatory and lands in the audit trail.
func (s *Service) AdminRelease(ctx context.Context, actor authz.Actor, txnID, note string) (*Transaction, error) {
	return s.adminOverride(ctx, actor, txnID, ActionAdminRelease, "admin_release", EventAdminReleased, note)
}

// AdminRefund forces the held or shipped funds back to the buyer.
func (s *Service) AdminRefund(ctx context.Context, actor authz.Actor, txnID, note string) (*Transaction, error) {
	return s.adminOverride(ctx, actor, txnID, ActionAdminRefund, "admin_refund", EventAdminRefunded, note)
}

func (s *Service) adminOverride(ctx context.Context, actor authz.Actor, txnID string, action Action, resolution, evtType, note string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AdminOverride",
		traces.TxnID(txnID), traces.Actor(actor.ID), traces.Action(string(action)))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, string(action), "admin role required")
	}
	if strings.TrimSpace(note) == "" {
		return nil, ErrNoteRequired
	}

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}

	txn, err = s.finalize(ctx, txn, action, actor.ID, resolution, evtType, note)
	if err != nil {
		return nil, err
	}

	// An override on a disputed transaction settles the dispute too.
	if d, derr := s.store.GetOpenDispute(ctx, txn.ID); derr == nil {
		now := time.Now()
		d.Status = DisputeResolved
		d.Resolution = resolution
		d.ResolvedBy = actor.ID
		d.Note = note
		d.ResolvedAt = &now
		if uerr := s.store.UpdateDispute(ctx, d); uerr != nil {
			s.logger.Error("CRITICAL: override settled but dispute update failed",
				"disputeId", d.ID, "txnId", txn.ID, "error", uerr)
		}
	} else if !errors.Is(derr, ErrDisputeNotFound) {
		s.logger.Warn("failed to check for open dispute", "txnId", txn.ID, "error", derr)
	}
	return txn, nil
}

// RateSeller records the buyer's one-time star rating after completion.
func (s *Service) RateSeller(ctx context.Context, actor authz.Actor, txnID string, stars int) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RateSeller", traces.TxnID(txnID), traces.Actor(actor.ID))
	defer span.End()

	if stars < 1 || stars > 5 {
		return nil, ErrInvalidRating
	}

	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.BuyerID {
		return nil, authz.Deny(actor, "rate_seller", "only the buyer may rate the seller")
	}
	if txn.Status != StatusCompleted {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: "rate_seller"}
	}

	now := time.Now()
	if err := s.store.SetRating(ctx, txn.ID, stars, now); err != nil {
		return nil, err
	}
	txn.RatingStars = stars
	txn.RatedAt = &now

	s.record(ctx, txn.ID, EventRated, actor.ID, fmt.Sprintf("%d stars", stars))
	if s.sellers != nil {
		if serr := s.sellers.ApplyRating(ctx, txn.SellerID, stars); serr != nil {
			// The recompute job reconciles the aggregate later.
			s.logger.Warn("failed to apply rating to seller", "sellerId", txn.SellerID, "error", serr)
		}
	}
	return txn, nil
}

// finalize drives a money-moving terminal transition: claim the payout
// leg, record it durably, submit to the rail, and commit the new state
// only once the rail has accepted every transfer. A rail failure leaves
// the transaction in its pre-payout status with the staged claim and the
// pending payout rows carrying the intent; the retry job (or the B2C
// result callback) commits the transition once the money actually moves.
// The claim arbitrates concurrent actors; losers return
// ErrConcurrencyConflict without touching money.
func (s *Service) finalize(ctx context.Context, txn *Transaction, action Action, actor, resolution, evtType, detail string) (*Transaction, error) {
	to, ok := Next(txn.Status, action)
	if !ok {
		return nil, &StateTransitionError{TxnID: txn.ID, Current: txn.Status, Action: action}
	}
	from := txn.Status

	payouts, err := s.buildPayouts(txn, to, action, resolution)
	if err != nil {
		return nil, err
	}

	if err := s.store.StagePayout(ctx, txn.ID, from); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			transitionConflicts.Inc()
		}
		return nil, err
	}
	txn.PayoutState = PayoutStaged

	// Record every payout before any state becomes terminal so a crash
	// leaves visible rows instead of lost money.
	for _, payout := range payouts {
		if err := s.store.CreatePayout(ctx, payout); err != nil {
			return nil, fmt.Errorf("escrow: record payout: %w", err)
		}
		s.record(ctx, txn.ID, EventPayoutStaged, actor,
			fmt.Sprintf("%s %s to %s", payout.Kind, money.Format(payout.Amount), payout.Phone))
	}

	for _, payout := range payouts {
		if err := s.submitPayout(ctx, payout); err != nil {
			// The rail never accepted the transfer, so the terminal state
			// is not real yet. The staged claim and the pending rows keep
			// the intent durable for the retry job.
			return nil, fmt.Errorf("escrow: submit payout: %w", err)
		}
	}

	now := time.Now()
	txn.Status = to
	txn.Resolution = resolution
	txn.ResolvedAt = &now
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, from); err != nil {
		// A dispute can slip in between the claim and the commit. The
		// payout rows stay visible for the admin resolving it; don't
		// guess at compensation here.
		s.logger.Error("CRITICAL: payout submitted but state commit lost",
			"txnId", txn.ID, "from", from, "to", to, "error", err)
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(action)).Inc()
	s.record(ctx, txn.ID, evtType, actor, detail)
	s.recordOutcome(ctx, txn, to)
	return txn, nil
}

// buildPayouts prices the money-out legs. Sellers get the amount minus
// the platform fee; refunds return the full amount; a dispute split
// divides the amount between both parties. Division happens on whole
// shillings because the rail cannot move cents.
func (s *Service) buildPayouts(txn *Transaction, to Status, action Action, resolution string) ([]*Payout, error) {
	now := time.Now()
	leg := func(kind, phone string, amount, fee int64) *Payout {
		return &Payout{
			ID:         idgen.WithPrefix("po_"),
			Reference:  idgen.WithPrefix("pay_"),
			TxnID:      txn.ID,
			Kind:       kind,
			Phone:      phone,
			Amount:     amount,
			Fee:        fee,
			State:      PayoutPending,
			Resolution: resolution,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if action == ActionResolveSplit {
		shillings, _ := money.WholeShillings(txn.Amount)
		sellerSh, buyerSh := money.SplitHalf(shillings)
		if sellerSh < 1 || buyerSh < 1 {
			return nil, fmt.Errorf("%w: %s", ErrSplitTooSmall, money.Format(txn.Amount))
		}
		return []*Payout{
			leg(PayoutToSeller, txn.SellerPhone, sellerSh*money.Shilling, 0),
			leg(RefundToBuyer, txn.BuyerPhone, buyerSh*money.Shilling, 0),
		}, nil
	}

	if to == StatusCompleted {
		shillings, _ := money.WholeShillings(txn.Amount)
		net, fee := money.Split(shillings, s.policy.FeeBps)
		return []*Payout{
			leg(PayoutToSeller, txn.SellerPhone, net*money.Shilling, fee*money.Shilling),
		}, nil
	}
	return []*Payout{leg(RefundToBuyer, txn.BuyerPhone, txn.Amount, 0)}, nil
}

// submitPayout attempts the rail transfer and updates the payout row with
// the outcome. The returned error is the bridge error, if any; the stored
// state is authoritative either way.
func (s *Service) submitPayout(ctx context.Context, p *Payout) error {
	remarks := "Amana escrow " + p.Kind
	err := s.bridge.SendMoney(ctx, p.Phone, p.Amount, p.Reference, remarks)

	now := time.Now()
	p.Attempts++
	p.UpdatedAt = now
	switch {
	case err == nil:
		p.State = PayoutSubmitted
		p.SubmittedAt = &now
		p.LastError = ""
		payoutSubmits.WithLabelValues("submitted").Inc()
		s.record(ctx, p.TxnID, EventPayoutSubmitted, "system", p.Reference)
	case isRetryable(err):
		p.LastError = err.Error()
		payoutSubmits.WithLabelValues("retryable").Inc()
		s.logger.Warn("payout submission failed, will retry",
			"payoutRef", p.Reference, "attempt", p.Attempts, "error", err)
	default:
		p.State = PayoutFailed
		p.LastError = err.Error()
		payoutSubmits.WithLabelValues("failed").Inc()
		s.logger.Error("payout submission failed permanently",
			"payoutRef", p.Reference, "error", err)
		s.record(ctx, p.TxnID, EventPayoutFailed, "system", err.Error())
	}
	if uerr := s.store.UpdatePayout(ctx, p); uerr != nil {
		s.logger.Error("failed to update payout state", "payoutRef", p.Reference, "error", uerr)
	}
	return err
}

// resolutionOutcome maps a payout's stored resolution back to the action
// and timeline event of the transition it belongs to, so a deferred
// commit reports the same way an immediate one does.
func resolutionOutcome(resolution string) (Action, string) {
	switch resolution {
	case "delivery_confirmed":
		return ActionConfirmDelivery, EventDelivered
	case "auto_released":
		return ActionAutoRelease, EventAutoReleased
	case "auto_refund_unshipped":
		return ActionAutoRefund, EventAutoRefunded
	case "cancelled":
		return ActionCancel, EventCancelled
	case "dispute_release":
		return ActionResolveRelease, EventDisputeResolved
	case "dispute_refund":
		return ActionResolveRefund, EventDisputeResolved
	case "dispute_split":
		return ActionResolveSplit, EventDisputeResolved
	case "admin_release":
		return ActionAdminRelease, EventAdminReleased
	case "admin_refund":
		return ActionAdminRefund, EventAdminRefunded
	}
	return "", ""
}

// completeStaged commits the terminal transition a payout was staged for,
// once the rail has accepted every leg of the transaction. Called by the
// retry job and the B2C result callback after a deferred submission goes
// through. No-op when the transaction is already terminal, when the
// payout carries no resolution (late-payment refunds), or while a sibling
// leg is still outstanding.
func (s *Service) completeStaged(ctx context.Context, p *Payout, actor string) error {
	if p.Resolution == "" {
		return nil
	}
	action, evtType := resolutionOutcome(p.Resolution)
	if action == "" {
		s.logger.Warn("payout carries unknown resolution", "payoutRef", p.Reference, "resolution", p.Resolution)
		return nil
	}

	mu := s.txnLock(p.TxnID)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.GetTxn(ctx, p.TxnID)
	if err != nil {
		return err
	}
	if txn.IsTerminal() {
		return nil
	}

	legs, err := s.store.ListPayoutsByTxn(ctx, p.TxnID)
	if err != nil {
		return err
	}
	to := StatusRefunded
	for _, leg := range legs {
		if leg.State != PayoutSubmitted && leg.State != PayoutSettled {
			return nil
		}
		if leg.Kind == PayoutToSeller {
			to = StatusCompleted
		}
	}

	from := txn.Status
	now := time.Now()
	txn.Status = to
	txn.Resolution = p.Resolution
	txn.ResolvedAt = &now
	txn.UpdatedAt = now
	if err := s.store.UpdateTxnFrom(ctx, txn, from); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			transitionConflicts.Inc()
			return nil
		}
		return err
	}

	transitionsTotal.WithLabelValues(string(action)).Inc()
	s.record(ctx, txn.ID, evtType, actor, "")
	s.recordOutcome(ctx, txn, to)
	return nil
}

// PayoutResult applies a B2C result callback to the payout it references.
// Success settles the row and commits any staged terminal transition; a
// rejection pushes the row back to pending so the retry job re-submits it
// until the attempt budget runs out.
func (s *Service) PayoutResult(ctx context.Context, reference string, succeeded bool, receipt, desc string) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayoutResult", traces.Reference(reference))
	defer span.End()

	p, err := s.store.GetPayoutByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if succeeded {
		if p.State == PayoutSettled {
			// Rail retries until acknowledged; this result is already in.
			return p, nil
		}
		p.State = PayoutSettled
		p.Receipt = receipt
		p.LastError = ""
		p.UpdatedAt = now
		if err := s.store.UpdatePayout(ctx, p); err != nil {
			return nil, err
		}
		s.record(ctx, p.TxnID, EventPayoutSettled, "mpesa", receipt)
		if cerr := s.completeStaged(ctx, p, "mpesa"); cerr != nil {
			s.logger.Error("failed to commit staged transition",
				"payoutRef", p.Reference, "txnId", p.TxnID, "error", cerr)
		}
		return p, nil
	}

	p.State = PayoutPending
	p.LastError = desc
	p.UpdatedAt = now
	if err := s.store.UpdatePayout(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, p.TxnID, EventPayoutFailed, "mpesa", desc)
	s.logger.Error("payout rejected by the rail after acceptance",
		"payoutRef", p.Reference, "txnId", p.TxnID, "desc", desc)
	return p, nil
}

// PayoutTimeout handles the rail's queue-timeout callback: the transfer
// never processed, so put the payout back in line for the retry job.
func (s *Service) PayoutTimeout(ctx context.Context, reference string) (*Payout, error) {
	p, err := s.store.GetPayoutByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.State != PayoutSubmitted {
		return p, nil
	}
	p.State = PayoutPending
	p.LastError = "timed out in the rail queue"
	p.UpdatedAt = time.Now()
	if err := s.store.UpdatePayout(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Warn("payout timed out in the rail queue, queued for retry",
		"payoutRef", p.Reference, "txnId", p.TxnID)
	return p, nil
}

// recordOutcome feeds the seller directory after a terminal transition.
func (s *Service) recordOutcome(ctx context.Context, txn *Transaction, to Status) {
	if s.sellers == nil {
		return
	}
	switch to {
	case StatusCompleted:
		if err := s.sellers.RecordSale(ctx, txn.SellerID, txn.Amount); err != nil {
			s.logger.Warn("failed to record sale", "sellerId", txn.SellerID, "error", err)
		}
	case StatusRefunded:
		if err := s.sellers.RecordRefund(ctx, txn.SellerID); err != nil {
			s.logger.Warn("failed to record refund", "sellerId", txn.SellerID, "error", err)
		}
	}
}

// record appends a timeline event and forwards it to the sink. Timeline
// writes are best-effort; a failed append never undoes a transition.
func (s *Service) record(ctx context.Context, txnID, evtType, actor, detail string) {
	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		TxnID:     txnID,
		Type:      evtType,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.logger.Warn("failed to append timeline event", "txnId", txnID, "type", evtType, "error", err)
	}
	if s.sink != nil {
		s.sink.Emit(*evt)
	}
}

// Get returns a transaction visible to the caller: parties see their own,
// admins see everything.
func (s *Service) Get(ctx context.Context, actor authz.Actor, txnID string) (*Transaction, error) {
	txn, err := s.store.GetTxn(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.Party(actor.ID) && !actor.IsAdmin() {
		return nil, authz.Deny(actor, "view_escrow", "not a party to this escrow")
	}
	return txn, nil
}

// Timeline returns a transaction's event history, oldest first.
func (s *Service) Timeline(ctx context.Context, actor authz.Actor, txnID string, limit int) ([]*Event, error) {
	if _, err := s.Get(ctx, actor, txnID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, txnID, limit)
}

// ListMine returns the caller's transactions on either side of the table.
func (s *Service) ListMine(ctx context.Context, actor authz.Actor, limit int) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, actor.ID, limit)
}

// ListByStatus returns transactions in a given state. Admin only.
func (s *Service) ListByStatus(ctx context.Context, actor authz.Actor, status Status, limit int) ([]*Transaction, error) {
	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, "list_escrows", "admin role required")
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// ListDisputes returns disputes by status. Admin only.
func (s *Service) ListDisputes(ctx context.Context, actor authz.Actor, status string, limit int) ([]*Dispute, error) {
	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, "list_disputes", "admin role required")
	}
	return s.store.ListDisputes(ctx, status, limit)
}

// GetPayout returns the money-out leg for a transaction.
func (s *Service) GetPayout(ctx context.Context, actor authz.Actor, txnID string) (*Payout, error) {
	if _, err := s.Get(ctx, actor, txnID); err != nil {
		return nil, err
	}
	return s.store.GetPayoutByTxn(ctx, txnID)
}

// ListPayouts returns payouts in a given state. Admin only.
func (s *Service) ListPayouts(ctx context.Context, actor authz.Actor, state string, limit int) ([]*Payout, error) {
	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, "list_payouts", "admin role required")
	}
	return s.store.ListPayoutsByState(ctx, state, limit)
}
