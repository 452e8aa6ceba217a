package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/amana/internal/escrow"
	"github.com/mbd888/amana/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Notification emit attempts by event type.",
	}, []string{"event"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Notification delivery failures by event type.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// sendTimeout bounds one delivery attempt.
const sendTimeout = 30 * time.Second

// Dispatcher turns committed timeline events into outbox rows and
// delivers them. Satisfies escrow.EventSink.
type Dispatcher struct {
	store  Store
	sender Sender
	txns   TxnResolver
	logger *slog.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(store Store, sender Sender, txns TxnResolver) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		txns:   txns,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for delivery reporting.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Emit records and delivers a timeline event. It never blocks the
// caller and never returns an error: the state transition already
// committed, so all we can do here is log and retry later.
func (d *Dispatcher) Emit(evt escrow.Event) {
	go d.emit(evt)
}

func (d *Dispatcher) emit(evt escrow.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	emitTotal.WithLabelValues(evt.Type).Inc()

	for _, n := range d.expand(ctx, evt) {
		if err := d.store.Create(ctx, n); err != nil {
			emitErrors.WithLabelValues(evt.Type).Inc()
			d.logger.Warn("failed to persist notification",
				"txnId", evt.TxnID, "event", evt.Type, "error", err)
			continue
		}
		d.deliver(ctx, n)
	}
}

// expand fans one event out to its recipients.
func (d *Dispatcher) expand(ctx context.Context, evt escrow.Event) []*Notification {
	audiences := audiencesFor(evt.Type)
	if evt.Type == escrow.EventReminder {
		// A reminder targets exactly one party; the detail prefix says which.
		switch {
		case strings.HasPrefix(evt.Detail, "buyer:"):
			audiences = []string{AudienceBuyer}
		case strings.HasPrefix(evt.Detail, "seller:"):
			audiences = []string{AudienceSeller}
		}
	}
	if len(audiences) == 0 {
		return nil
	}

	var txn *escrow.Transaction
	if evt.TxnID != "" {
		t, err := d.txns.GetTxn(ctx, evt.TxnID)
		if err != nil {
			d.logger.Warn("failed to resolve transaction for notification",
				"txnId", evt.TxnID, "event", evt.Type, "error", err)
			return nil
		}
		txn = t
	}

	now := time.Now()
	var out []*Notification
	for _, aud := range audiences {
		recipient := "admins"
		switch aud {
		case AudienceBuyer, AudienceSeller:
			if txn == nil {
				continue
			}
			if aud == AudienceBuyer {
				recipient = txn.BuyerID
			} else {
				recipient = txn.SellerID
			}
		}
		if recipient == "" {
			continue
		}
		out = append(out, &Notification{
			ID:        idgen.WithPrefix("ntf_"),
			TxnID:     evt.TxnID,
			Recipient: recipient,
			Audience:  aud,
			Event:     evt.Type,
			Detail:    evt.Detail,
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out
}

// deliver attempts one send and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	n.Attempts++
	err := d.sender.Send(ctx, n)
	now := time.Now()
	n.UpdatedAt = now
	if err != nil {
		emitErrors.WithLabelValues(n.Event).Inc()
		n.State = StateFailed
		n.LastError = err.Error()
		d.logger.Warn("notification delivery failed",
			"notificationId", n.ID, "txnId", n.TxnID, "event", n.Event,
			"attempt", n.Attempts, "error", err)
	} else {
		n.State = StateSent
		n.LastError = ""
		n.SentAt = &now
	}
	if uerr := d.store.Update(ctx, n); uerr != nil {
		d.logger.Warn("failed to record notification outcome",
			"notificationId", n.ID, "error", uerr)
	}
}

// NotifyAdmins queues a standalone admin notification that is not tied
// to a single timeline event, e.g. the weekly aggregate report.
func (d *Dispatcher) NotifyAdmins(ctx context.Context, event, detail string) error {
	now := time.Now()
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		Recipient: "admins",
		Audience:  AudienceAdmin,
		Event:     event,
		Detail:    detail,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, n); err != nil {
		return err
	}
	d.deliver(ctx, n)
	return nil
}

// Redeliver retries failed and stalled notifications, oldest first.
// Called periodically by the scheduler.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	// Anything untouched for a minute is either failed or was in flight
	// during a crash.
	cutoff := time.Now().Add(-time.Minute)
	rows, err := d.store.ListUndelivered(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, n := range rows {
		d.deliver(ctx, n)
		if n.State == StateSent {
			sent++
		}
	}
	return sent, nil
}
