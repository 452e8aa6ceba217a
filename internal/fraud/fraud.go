// Package fraud implements advisory abuse detection over escrow history.
//
// The engine runs threshold scans (serial disputers, sellers with high
// dispute rates, serial refund collectors) and records FraudFlags for
// admin review. Flags never block a transition on their own; they inform
// admin judgment and the seller suspension workflow.
package fraud

import (
	"context"
	"errors"
	"time"
)

var ErrFlagNotFound = errors.New("fraud: flag not found")

// Severity grades how urgently a flag needs admin eyes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Subject roles a flag can point at.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Flag types produced by the scans and by escrow transitions.
const (
	TypeExcessiveDisputes = "excessive_disputes" // buyer keeps disputing
	TypeHighDisputeRate   = "high_dispute_rate"  // seller's orders keep getting disputed
	TypeSerialRefunds     = "serial_refunds"     // buyer keeps collecting refunds
	TypeUnshippedOrder    = "unshipped_order"    // seller let an order auto-refund
)

// Flag is one advisory abuse marker on a buyer or seller.
type Flag struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subjectId"`
	Role       string     `json:"role"` // buyer or seller
	Type       string     `json:"type"`
	Severity   Severity   `json:"severity"`
	Detail     string     `json:"detail,omitempty"`
	Reviewed   bool       `json:"reviewed"`
	ReviewedBy string     `json:"reviewedBy,omitempty"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store persists fraud flags.
type Store interface {
	Create(ctx context.Context, f *Flag) error
	Get(ctx context.Context, id string) (*Flag, error)
	// HasUnreviewed reports whether the subject already carries an open
	// flag of the given type. The scans use it to avoid re-flagging the
	// same behavior every night.
	HasUnreviewed(ctx context.Context, subjectID, flagType string) (bool, error)
	MarkReviewed(ctx context.Context, id, adminID string, at time.Time) error
	List(ctx context.Context, reviewed *bool, limit int) ([]*Flag, error)
	// DeleteReviewedBefore purges reviewed flags older than the cutoff.
	DeleteReviewedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Thresholds are the tunable scan parameters. Zero values disable the
// corresponding scan.
type Thresholds struct {
	BuyerDisputeLimit  int           // flags buyers at this many disputes
	BuyerDisputeWindow time.Duration // inside this window
	SellerMinTxns      int           // sellers below this volume are left alone
	SellerDisputeRate  float64       // 0..1, disputed share that trips the flag
	SellerWindow       time.Duration
	BuyerRefundLimit   int
	BuyerRefundWindow  time.Duration
}

// DefaultThresholds mirror the launch configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BuyerDisputeLimit:  3,
		BuyerDisputeWindow: 30 * 24 * time.Hour,
		SellerMinTxns:      5,
		SellerDisputeRate:  0.30,
		SellerWindow:       60 * 24 * time.Hour,
		BuyerRefundLimit:   3,
		BuyerRefundWindow:  14 * 24 * time.Hour,
	}
}
