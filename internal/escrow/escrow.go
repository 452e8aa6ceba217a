// Package escrow provides buyer-protection for marketplace payments over
// the mobile-money rail.
//
// Flow:
//  1. Buyer opens a transaction → STK push sent to buyer's phone
//  2. Rail confirms payment → funds held by the platform
//  3. Seller ships → auto-release clock starts
//  4. Buyer confirms delivery (or the clock fires) → seller paid out
//  5. Dispute at any point before completion → admin resolves
//
// Every state transition commits through a status-conditional update so
// concurrent actors (buyer, scheduler, rail callbacks, admins, multiple
// replicas) can never double-spend a transition.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTxnNotFound         = errors.New("escrow: transaction not found")
	ErrDisputeNotFound     = errors.New("escrow: dispute not found")
	ErrPayoutNotFound      = errors.New("escrow: payout not found")
	ErrConcurrencyConflict = errors.New("escrow: transaction changed underneath us, retry")
	ErrDuplicateDispute    = errors.New("escrow: transaction already has an open dispute")
	ErrAlreadyRated        = errors.New("escrow: transaction already rated")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrAmountTooLarge      = errors.New("escrow: amount exceeds the per-transaction cap")
	ErrSameParty           = errors.New("escrow: buyer and seller cannot be the same account")
	ErrSellerNotEligible   = errors.New("escrow: seller cannot receive escrows")
	ErrNoteRequired        = errors.New("escrow: admin overrides require an audit note")
	ErrInvalidRating       = errors.New("escrow: rating must be between 1 and 5 stars")
	ErrSplitTooSmall       = errors.New("escrow: amount too small to split between both parties")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"   // Created, waiting for buyer's payment
	StatusHeld      Status = "held"      // Payment confirmed, funds held by platform
	StatusShipped   Status = "shipped"   // Seller marked goods as shipped
	StatusDisputed  Status = "disputed"  // A party disputed, frozen for review
	StatusCompleted Status = "completed" // Funds paid out to seller
	StatusRefunded  Status = "refunded"  // Funds returned to buyer
	StatusCancelled Status = "cancelled" // Buyer cancelled before shipment
	StatusFailed    Status = "failed"    // Payment never arrived
	StatusExpired   Status = "expired"   // Buyer never paid within the window
)

// Action names a transition trigger in the escrow lifecycle.
type Action string

const (
	ActionPaymentConfirmed   Action = "payment_confirmed"
	ActionPaymentFailed      Action = "payment_failed"
	ActionMarkShipped        Action = "mark_shipped"
	ActionConfirmDelivery    Action = "confirm_delivery"
	ActionAutoRelease        Action = "auto_release"
	ActionAutoRefund         Action = "auto_refund_unshipped"
	ActionOpenDispute        Action = "open_dispute"
	ActionResolveRelease     Action = "resolve_release"
	ActionResolveRefund      Action = "resolve_refund"
	ActionResolveSplit       Action = "resolve_split"
	ActionAdminRelease       Action = "admin_release"
	ActionAdminRefund        Action = "admin_refund"
	ActionCancel             Action = "cancel"
	ActionExpire             Action = "expire"
)

// transitions is the complete edge set of the escrow state machine.
// Anything not listed here is rejected with a StateTransitionError.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionPaymentConfirmed: StatusHeld,
		ActionPaymentFailed:    StatusFailed,
		ActionExpire:           StatusExpired,
		ActionCancel:           StatusCancelled,
	},
	StatusHeld: {
		ActionMarkShipped:  StatusShipped,
		ActionAutoRefund:   StatusRefunded,
		ActionOpenDispute:  StatusDisputed,
		ActionCancel:       StatusCancelled,
		ActionAdminRelease: StatusCompleted,
		ActionAdminRefund:  StatusRefunded,
	},
	StatusShipped: {
		ActionConfirmDelivery: StatusCompleted,
		ActionAutoRelease:     StatusCompleted,
		ActionOpenDispute:     StatusDisputed,
		ActionAdminRelease:    StatusCompleted,
		ActionAdminRefund:     StatusRefunded,
	},
	StatusDisputed: {
		ActionResolveRelease: StatusCompleted,
		ActionResolveRefund:  StatusRefunded,
		ActionResolveSplit:   StatusCompleted,
		ActionAdminRelease:   StatusCompleted,
		ActionAdminRefund:    StatusRefunded,
	},
}

// Next returns the state reached by applying action in the given state.
// ok is false when the edge does not exist.
func Next(from Status, action Action) (Status, bool) {
	edges, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := edges[action]
	return to, ok
}

// IsTerminal returns true for states with no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// StateTransitionError reports an action applied in a state that has no
// edge for it.
type StateTransitionError struct {
	TxnID   string
	Current Status
	Action  Action
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("escrow %s: cannot %s while %s", e.TxnID, e.Action, e.Current)
}

// Transaction is a single escrow between one buyer and one seller.
// Amount is in KES cents and never changes after creation.
type Transaction struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	BuyerPhone  string `json:"buyerPhone"`
	SellerPhone string `json:"sellerPhone"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	// Rail references
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"` // STK push handle
	MpesaReceipt      string `json:"mpesaReceipt,omitempty"`      // set on payment confirmation

	// Courier tracking reference, optionally supplied when the seller
	// marks the goods shipped.
	TrackingRef string `json:"trackingRef,omitempty"`

	// PayoutState guards the money-out leg: exactly one actor may move
	// it from "" to "staged" for a given transaction.
	PayoutState string `json:"payoutState,omitempty"`

	// Clocks
	ExpiresAt     time.Time  `json:"expiresAt"`               // pending payment deadline
	HeldAt        *time.Time `json:"heldAt,omitempty"`        // payment confirmed
	ShippedAt     *time.Time `json:"shippedAt,omitempty"`     // seller shipped
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"` // shipped + release window
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`    // reached a terminal state

	Resolution string `json:"resolution,omitempty"` // how the terminal state was reached

	// Advisory fraud marker. Set by the fraud engine, never read by the
	// state machine; surfaces in admin views only.
	Flagged    bool   `json:"flagged,omitempty"`
	FlagReason string `json:"flagReason,omitempty"`

	// Buyer's post-completion rating of the seller, once per transaction.
	RatingStars int        `json:"ratingStars,omitempty"`
	RatedAt     *time.Time `json:"ratedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Party returns true when the given account is the buyer or the seller.
func (t *Transaction) Party(accountID string) bool {
	return accountID == t.BuyerID || accountID == t.SellerID
}

// Dispute freezes a transaction for admin review.
type Dispute struct {
	ID         string     `json:"id"`
	TxnID      string     `json:"txnId"`
	OpenedBy   string     `json:"openedBy"` // buyer or seller account
	Reason     string     `json:"reason"`
	Status     string     `json:"status"` // "open" or "resolved"
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Dispute statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Event is one entry in a transaction's timeline. Events double as the
// feed for notifications and the ops websocket.
type Event struct {
	ID        string    `json:"id"`
	TxnID     string    `json:"txnId"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Timeline event types.
const (
	EventCreated          = "created"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
	EventAmountMismatch   = "payment_amount_mismatch"
	EventShipped          = "shipped"
	EventDelivered        = "delivery_confirmed"
	EventAutoReleased     = "auto_released"
	EventAutoRefunded     = "auto_refunded_unshipped"
	EventDisputeOpened    = "dispute_opened"
	EventDisputeResolved  = "dispute_resolved"
	EventAdminReleased    = "admin_released"
	EventAdminRefunded    = "admin_refunded"
	EventCancelled        = "cancelled"
	EventExpired          = "expired"
	EventPayoutStaged     = "payout_staged"
	EventPayoutSubmitted  = "payout_submitted"
	EventPayoutSettled    = "payout_settled"
	EventPayoutFailed     = "payout_failed"
	EventRated            = "seller_rated"
	EventReminder         = "reminder_sent"
)

// Payout is the durable money-out leg of a terminal transition. It is
// created before the transaction commits to a terminal state, so a crash
// between the two leaves a visible record instead of lost money.
type Payout struct {
	ID        string `json:"id"`
	Reference string `json:"reference"` // idempotency key sent to the rail
	TxnID     string `json:"txnId"`
	Kind      string `json:"kind"`  // "payout" (to seller) or "refund" (to buyer)
	Phone     string `json:"phone"` // recipient MSISDN
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"` // platform commission withheld, payout legs only
	State     string `json:"state"`

	// Resolution is the terminal resolution this payout carries. The
	// retry job uses it to commit the staged transition once every leg
	// of the transaction has been accepted by the rail. Empty for
	// payouts created after the transaction already reached a terminal
	// state, such as late-payment refunds.
	Resolution string `json:"resolution,omitempty"`

	Receipt     string     `json:"receipt,omitempty"` // rail transaction id from the result callback
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Payout kinds.
const (
	PayoutToSeller = "payout"
	RefundToBuyer  = "refund"
)

// Payout states.
const (
	PayoutPending   = "pending"   // recorded, not yet accepted by the rail
	PayoutSubmitted = "submitted" // rail accepted the transfer
	PayoutSettled   = "settled"   // result callback confirmed the money landed
	PayoutFailed    = "failed"    // rail rejected permanently, needs an admin
)

// PayoutStaged is the Transaction.PayoutState value once the money-out
// leg has been claimed.
const PayoutStaged = "staged"

// Store persists escrow data.
type Store interface {
	// Transactions
	CreateTxn(ctx context.Context, txn *Transaction) error
	GetTxn(ctx context.Context, id string) (*Transaction, error)
	GetTxnByCheckout(ctx context.Context, checkoutRequestID string) (*Transaction, error)
	// UpdateTxn persists mutations that do not change status.
	UpdateTxn(ctx context.Context, txn *Transaction) error
	// UpdateTxnFrom persists txn only if the stored status still equals
	// from. Returns ErrConcurrencyConflict when another actor won.
	UpdateTxnFrom(ctx context.Context, txn *Transaction, from Status) error
	// StagePayout atomically claims the money-out leg: it succeeds only
	// if the stored status equals from and no payout is staged yet.
	StagePayout(ctx context.Context, txnID string, from Status) error
	// SetRating records the buyer's stars exactly once; a second call
	// returns ErrAlreadyRated.
	SetRating(ctx context.Context, txnID string, stars int, at time.Time) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	ListUnshippedSince(ctx context.Context, heldBefore time.Time, limit int) ([]*Transaction, error)
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	// Disputes
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, txnID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error)

	// Timeline
	AppendEvent(ctx context.Context, evt *Event) error
	ListEvents(ctx context.Context, txnID string, limit int) ([]*Event, error)

	// Payouts
	CreatePayout(ctx context.Context, p *Payout) error
	GetPayoutByTxn(ctx context.Context, txnID string) (*Payout, error)
	GetPayoutByReference(ctx context.Context, reference string) (*Payout, error)
	ListPayoutsByTxn(ctx context.Context, txnID string) ([]*Payout, error)
	UpdatePayout(ctx context.Context, p *Payout) error
	ListPayoutsByState(ctx context.Context, state string, limit int) ([]*Payout, error)
	ListStuckPayouts(ctx context.Context, olderThan time.Time, limit int) ([]*Payout, error)

	// Fraud advisories. The windowed aggregates feed the fraud engine's
	// threshold scans; FlagTxnsBySeller marks a seller's live
	// transactions without touching their status.
	FlagTxnsBySeller(ctx context.Context, sellerID, reason string) (int64, error)
	DisputeCountsByOpener(ctx context.Context, since time.Time) (map[string]int, error)
	SellerDisputeStats(ctx context.Context, since time.Time) ([]SellerActivity, error)
	RefundCountsByBuyer(ctx context.Context, since time.Time) (map[string]int, error)

	// Retention
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// SellerActivity is one seller's transaction volume inside a scan window.
type SellerActivity struct {
	SellerID string
	Txns     int
	Disputed int
}

// Bridge abstracts the payment rail so escrow doesn't import the client.
type Bridge interface {
	// CollectPayment asks the rail to push a payment prompt to the buyer.
	// Returns the rail's checkout handle for callback correlation.
	CollectPayment(ctx context.Context, phone string, amountCents int64, accountRef, desc string) (checkoutRequestID string, err error)
	// SendMoney pays out of the platform account to a subscriber.
	// reference is the idempotency key, echoed back in result callbacks.
	SendMoney(ctx context.Context, phone string, amountCents int64, reference, remarks string) error
}

// SellerInfo is the slice of the seller directory escrow cares about.
type SellerInfo struct {
	ID        string
	Phone     string
	Verified  bool
	Suspended bool
	Rating    float64
}

// SellerDirectory resolves sellers and accumulates their outcome counters.
type SellerDirectory interface {
	Lookup(ctx context.Context, sellerID string) (*SellerInfo, error)
	RecordSale(ctx context.Context, sellerID string, amountCents int64) error
	RecordDispute(ctx context.Context, sellerID string) error
	RecordRefund(ctx context.Context, sellerID string) error
	ApplyRating(ctx context.Context, sellerID string, stars int) error
}

// Flagger raises fraud flags from inside escrow transitions.
type Flagger interface {
	FlagSeller(ctx context.Context, sellerID, reason, severity, detail string) error
}

// EventSink receives timeline events after they are persisted. Delivery
// is best-effort; implementations must not block.
type EventSink interface {
	Emit(evt Event)
}

// retryable is implemented by bridge errors that are safe to retry.
type retryable interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}
