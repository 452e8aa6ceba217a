// Package seller implements the marketplace seller registry.
//
// A seller is an aggregate identity separate from a buyer account: a
// payout target, a verification status controlled by operators, and the
// outcome counters escrow settlements accumulate (sales, refunds,
// disputes, buyer stars). The counters feed the nightly rating
// recompute; the derived rating and tier gate new escrows.
//
// Counter updates go through SQL arithmetic on the row itself, so
// concurrent settlements never lose counts.
package seller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("seller: not found")
	ErrPhoneTaken = errors.New("seller: phone already registered")

	// ErrStatusConflict is returned by stores when a conditional status
	// update finds the row in a different state. The service wraps it
	// into a StatusError with the observed state.
	ErrStatusConflict = errors.New("seller: status changed underneath us")
)

// Status is a seller's verification state.
type Status string

const (
	StatusPending   Status = "pending"   // registered, not yet vetted
	StatusVerified  Status = "verified"  // may receive escrows
	StatusSuspended Status = "suspended" // blocked by an operator
)

// StatusError reports a lifecycle operation applied in the wrong state,
// e.g. verifying a suspended seller.
type StatusError struct {
	SellerID string
	Current  Status
	Op       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("seller %s: cannot %s while %s", e.SellerID, e.Op, e.Current)
}

// Seller is a registered merchant.
//
// Rating, Tier and the counters are derived fields: written by escrow
// settlement effects and the recompute job, never by the seller. Status
// is written only by operator action.
type Seller struct {
	ID           string `json:"id"`
	Phone        string `json:"phone"`
	DisplayName  string `json:"displayName"`
	PayoutTarget string `json:"payoutTarget"` // MSISDN payouts go to
	Status       Status `json:"status"`

	SuspendReason string `json:"suspendReason,omitempty"`

	Rating       float64 `json:"rating"` // 0..5 derived, 0 = unrated
	Tier         string  `json:"tier"`
	RatingPoints int64   `json:"ratingPoints"` // sum of buyer stars
	RatingCount  int64   `json:"ratingCount"`
	TotalSales   int64   `json:"totalSales"`
	TotalAmount  int64   `json:"totalAmount"` // cents
	DisputeCount int64   `json:"disputeCount"`
	RefundCount  int64   `json:"refundCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Eligible reports whether the seller may receive new escrows.
func (s *Seller) Eligible() bool {
	return s.Status == StatusVerified
}

// Store defines the persistence interface for the registry.
type Store interface {
	Create(ctx context.Context, s *Seller) error
	Get(ctx context.Context, id string) (*Seller, error)
	GetByPhone(ctx context.Context, phone string) (*Seller, error)

	// List returns sellers newest-first, optionally filtered by status
	// (empty = all).
	List(ctx context.Context, status Status, limit, offset int) ([]*Seller, error)

	// UpdateStatus moves the seller to the given status only when the
	// current status is one of from, and stores reason alongside.
	// Returns ErrStatusConflict when the row is in any other state.
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string) error

	// Counter arithmetic. Each call adjusts the row in place.
	AddSale(ctx context.Context, id string, amountCents int64) error
	AddDispute(ctx context.Context, id string) error
	AddRefund(ctx context.Context, id string) error
	AddRating(ctx context.Context, id string, stars int) error

	// SetComputedRating persists the recompute job's output.
	SetComputedRating(ctx context.Context, id string, rating float64, tier string) error
}
