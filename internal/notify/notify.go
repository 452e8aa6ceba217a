// Package notify delivers escrow timeline events to the chat gateway
// that fronts buyers, sellers, and admins.
//
// Delivery is an outbox: every event is persisted as a notification row
// before any network call, then sent best-effort. A failed send marks
// the row and a later redelivery pass retries it. State transitions are
// never rolled back because a notification could not be delivered.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/amana/internal/escrow"
)

var ErrNotificationNotFound = errors.New("notify: notification not found")

// Delivery states.
const (
	StatePending = "pending" // row written, delivery not yet confirmed
	StateSent    = "sent"
	StateFailed  = "failed" // send failed, waiting for redelivery
)

// MaxAttempts is how many sends a notification gets before it is
// abandoned.
const MaxAttempts = 5

// Audiences a notification can address.
const (
	AudienceBuyer  = "buyer"
	AudienceSeller = "seller"
	AudienceAdmin  = "admin"
)

// Notification is one message owed to one recipient.
type Notification struct {
	ID        string     `json:"id"`
	TxnID     string     `json:"txnId"`
	Recipient string     `json:"recipient"` // account id, or "admins"
	Audience  string     `json:"audience"`  // buyer, seller, or admin
	Event     string     `json:"event"`     // escrow timeline event type
	Detail    string     `json:"detail,omitempty"`
	State     string     `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError,omitempty"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Store persists the notification outbox.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Update(ctx context.Context, n *Notification) error
	// ListUndelivered returns pending/failed rows last touched before
	// the cutoff, oldest first. Rows that exhausted their attempts are
	// excluded.
	ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*Notification, error)
	ListByTxn(ctx context.Context, txnID string, limit int) ([]*Notification, error)
}

// Sender delivers one notification to the gateway.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// TxnResolver looks up the transaction an event belongs to, so the
// dispatcher can address the buyer and the seller. The escrow store
// satisfies it.
type TxnResolver interface {
	GetTxn(ctx context.Context, id string) (*escrow.Transaction, error)
}

// audiencesFor maps a timeline event to who should hear about it.
func audiencesFor(eventType string) []string {
	switch eventType {
	case escrow.EventCreated:
		return []string{AudienceBuyer}
	case escrow.EventPaymentConfirmed:
		return []string{AudienceBuyer, AudienceSeller}
	case escrow.EventPaymentFailed, escrow.EventExpired:
		return []string{AudienceBuyer}
	case escrow.EventShipped:
		return []string{AudienceBuyer}
	case escrow.EventDelivered, escrow.EventAutoReleased:
		return []string{AudienceBuyer, AudienceSeller}
	case escrow.EventAutoRefunded:
		return []string{AudienceBuyer, AudienceSeller}
	case escrow.EventDisputeOpened:
		return []string{AudienceBuyer, AudienceSeller, AudienceAdmin}
	case escrow.EventDisputeResolved, escrow.EventAdminReleased, escrow.EventAdminRefunded:
		return []string{AudienceBuyer, AudienceSeller}
	case escrow.EventCancelled:
		return []string{AudienceSeller}
	case escrow.EventPayoutFailed:
		return []string{AudienceAdmin}
	case escrow.EventAmountMismatch:
		return []string{AudienceAdmin}
	case escrow.EventReminder:
		// The reminder detail says which party it nudges.
		return []string{AudienceBuyer, AudienceSeller}
	default:
		return nil // payout staging etc. stay internal
	}
}
