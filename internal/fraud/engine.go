package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/amana/internal/escrow"
	"github.com/mbd888/amana/internal/idgen"
)

var flagsRaised = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amana",
		Subsystem: "fraud",
		Name:      "flags_raised_total",
		Help:      "Fraud flags raised by type and severity",
	},
	[]string{"type", "severity"},
)

func init() {
	prometheus.MustRegister(flagsRaised)
}

// ActivitySource provides the windowed escrow aggregates the scans run
// over. The escrow store satisfies it.
type ActivitySource interface {
	DisputeCountsByOpener(ctx context.Context, since time.Time) (map[string]int, error)
	SellerDisputeStats(ctx context.Context, since time.Time) ([]escrow.SellerActivity, error)
	RefundCountsByBuyer(ctx context.Context, since time.Time) (map[string]int, error)
	FlagTxnsBySeller(ctx context.Context, sellerID, reason string) (int64, error)
}

// Engine runs the threshold scans and records flags. It is stateless
// between runs; everything it knows comes from the stores.
type Engine struct {
	store      Store
	activity   ActivitySource
	thresholds Thresholds
	logger     *slog.Logger
}

// NewEngine creates a fraud engine with default thresholds.
func NewEngine(store Store, activity ActivitySource) *Engine {
	return &Engine{
		store:      store,
		activity:   activity,
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
}

// WithThresholds overrides the default scan parameters.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t
	return e
}

// WithLogger sets the logger for scan reporting.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Scan runs all three pattern scans and returns how many flags were
// raised. One subject's failure never stops the rest of the batch.
func (e *Engine) Scan(ctx context.Context) (int, error) {
	raised := 0
	raised += e.scanBuyerDisputes(ctx)
	raised += e.scanSellerDisputeRates(ctx)
	raised += e.scanBuyerRefunds(ctx)
	if raised > 0 {
		e.logger.Info("fraud scan raised flags", "count", raised)
	}
	return raised, nil
}

// scanBuyerDisputes flags buyers who keep opening disputes.
func (e *Engine) scanBuyerDisputes(ctx context.Context) int {
	if e.thresholds.BuyerDisputeLimit <= 0 {
		return 0
	}
	since := time.Now().Add(-e.thresholds.BuyerDisputeWindow)
	counts, err := e.activity.DisputeCountsByOpener(ctx, since)
	if err != nil {
		e.logger.Warn("buyer dispute scan failed", "error", err)
		return 0
	}

	raised := 0
	for buyerID, n := range counts {
		if n < e.thresholds.BuyerDisputeLimit {
			continue
		}
		detail := fmt.Sprintf("%d disputes opened in the last %s", n, window(e.thresholds.BuyerDisputeWindow))
		ok, err := e.raise(ctx, buyerID, RoleBuyer, TypeExcessiveDisputes, SeverityHigh, detail)
		if err != nil {
			e.logger.Warn("failed to flag buyer", "buyerId", buyerID, "error", err)
			continue
		}
		if ok {
			raised++
		}
	}
	return raised
}

// scanSellerDisputeRates flags established sellers whose orders keep
// getting disputed. Critical flags also mark the seller's live
// transactions so admins see the pattern from the transaction view.
func (e *Engine) scanSellerDisputeRates(ctx context.Context) int {
	if e.thresholds.SellerMinTxns <= 0 {
		return 0
	}
	since := time.Now().Add(-e.thresholds.SellerWindow)
	stats, err := e.activity.SellerDisputeStats(ctx, since)
	if err != nil {
		e.logger.Warn("seller dispute scan failed", "error", err)
		return 0
	}

	raised := 0
	for _, s := range stats {
		if s.Txns < e.thresholds.SellerMinTxns {
			continue
		}
		rate := float64(s.Disputed) / float64(s.Txns)
		if rate <= e.thresholds.SellerDisputeRate {
			continue
		}
		detail := fmt.Sprintf("%d of %d transactions disputed (%.0f%%) in the last %s",
			s.Disputed, s.Txns, rate*100, window(e.thresholds.SellerWindow))
		ok, err := e.raise(ctx, s.SellerID, RoleSeller, TypeHighDisputeRate, SeverityCritical, detail)
		if err != nil {
			e.logger.Warn("failed to flag seller", "sellerId", s.SellerID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		raised++
		if n, err := e.activity.FlagTxnsBySeller(ctx, s.SellerID, TypeHighDisputeRate); err != nil {
			e.logger.Warn("failed to mark seller transactions", "sellerId", s.SellerID, "error", err)
		} else if n > 0 {
			e.logger.Info("marked seller transactions for review", "sellerId", s.SellerID, "count", n)
		}
	}
	return raised
}

// scanBuyerRefunds flags buyers who keep ending up refunded.
func (e *Engine) scanBuyerRefunds(ctx context.Context) int {
	if e.thresholds.BuyerRefundLimit <= 0 {
		return 0
	}
	since := time.Now().Add(-e.thresholds.BuyerRefundWindow)
	counts, err := e.activity.RefundCountsByBuyer(ctx, since)
	if err != nil {
		e.logger.Warn("buyer refund scan failed", "error", err)
		return 0
	}

	raised := 0
	for buyerID, n := range counts {
		if n < e.thresholds.BuyerRefundLimit {
			continue
		}
		detail := fmt.Sprintf("%d refunds in the last %s", n, window(e.thresholds.BuyerRefundWindow))
		ok, err := e.raise(ctx, buyerID, RoleBuyer, TypeSerialRefunds, SeverityMedium, detail)
		if err != nil {
			e.logger.Warn("failed to flag buyer", "buyerId", buyerID, "error", err)
			continue
		}
		if ok {
			raised++
		}
	}
	return raised
}

// FlagSeller raises a flag from inside an escrow transition, e.g. when
// an auto-refund fires because the seller never shipped. Satisfies
// escrow.Flagger.
func (e *Engine) FlagSeller(ctx context.Context, sellerID, reason, severity, detail string) error {
	_, err := e.raise(ctx, sellerID, RoleSeller, reason, Severity(severity), detail)
	return err
}

// raise records a flag unless the subject already has an unreviewed one
// of the same type. Returns whether a new flag was created.
func (e *Engine) raise(ctx context.Context, subjectID, role, flagType string, sev Severity, detail string) (bool, error) {
	dup, err := e.store.HasUnreviewed(ctx, subjectID, flagType)
	if err != nil {
		return false, fmt.Errorf("fraud: dedup check: %w", err)
	}
	if dup {
		return false, nil
	}

	f := &Flag{
		ID:        idgen.WithPrefix("flg_"),
		SubjectID: subjectID,
		Role:      role,
		Type:      flagType,
		Severity:  sev,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := e.store.Create(ctx, f); err != nil {
		return false, fmt.Errorf("fraud: create flag: %w", err)
	}
	flagsRaised.WithLabelValues(flagType, string(sev)).Inc()
	e.logger.Info("fraud flag raised",
		"flagId", f.ID, "subject", subjectID, "role", role, "type", flagType, "severity", sev)
	return true, nil
}

// Review marks a flag as handled by the given admin.
func (e *Engine) Review(ctx context.Context, adminID, flagID string) error {
	if err := e.store.MarkReviewed(ctx, flagID, adminID, time.Now()); err != nil {
		return err
	}
	e.logger.Info("fraud flag reviewed", "flagId", flagID, "admin", adminID)
	return nil
}

// List returns flags, optionally filtered by review state.
func (e *Engine) List(ctx context.Context, reviewed *bool, limit int) ([]*Flag, error) {
	return e.store.List(ctx, reviewed, limit)
}

// PurgeReviewed deletes reviewed flags older than the retention window.
func (e *Engine) PurgeReviewed(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.DeleteReviewedBefore(ctx, time.Now().Add(-retention))
}

// window renders a duration as whole days for flag details.
func window(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days < 1 {
		return d.String()
	}
	return fmt.Sprintf("%dd", days)
}
