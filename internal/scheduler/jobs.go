package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/amana/internal/escrow"
	"github.com/mbd888/amana/internal/fraud"
	"github.com/mbd888/amana/internal/notify"
	"github.com/mbd888/amana/internal/rating"
	"github.com/mbd888/amana/internal/seller"
)

// Deps are the services the standard job set drives.
type Deps struct {
	Escrow  *escrow.Service
	Reports *escrow.ReportService
	Sellers *seller.Service
	Fraud   *fraud.Engine
	Notify  *notify.Dispatcher
	Logger  *slog.Logger
}

// Intervals configures how often each job ticks.
type Intervals struct {
	AutoRelease time.Duration
	AutoRefund  time.Duration
	Expire      time.Duration
	Reminder    time.Duration
	Rating      time.Duration
	FraudScan   time.Duration
	PayoutRetry time.Duration
	Redeliver   time.Duration
	Cleanup     time.Duration
}

// DefaultIntervals mirror the launch configuration.
func DefaultIntervals() Intervals {
	return Intervals{
		AutoRelease: time.Hour,
		AutoRefund:  6 * time.Hour,
		Expire:      time.Hour,
		Reminder:    12 * time.Hour,
		Rating:      24 * time.Hour,
		FraudScan:   24 * time.Hour,
		PayoutRetry: 15 * time.Minute,
		Redeliver:   15 * time.Minute,
		Cleanup:     168 * time.Hour,
	}
}

// Retention configures the cleanup job's purge windows.
type Retention struct {
	Transactions  time.Duration // terminal transactions older than this are deleted
	ReviewedFlags time.Duration // reviewed fraud flags older than this are deleted
}

// Build assembles the standard job set into a ready-to-start scheduler.
// Optional deps (Sellers, Fraud, Notify, Reports) simply skip their jobs
// when absent, so demo mode can run a reduced set.
func Build(deps Deps, iv Intervals, ret Retention) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := New(deps.Logger)

	s.Add(Job{Name: "auto-release", Interval: iv.AutoRelease, Run: deps.Escrow.ProcessAutoReleases})
	s.Add(Job{Name: "auto-refund-unshipped", Interval: iv.AutoRefund, Run: deps.Escrow.ProcessAutoRefunds})
	s.Add(Job{Name: "expire-pending", Interval: iv.Expire, Run: deps.Escrow.ProcessExpiries})
	s.Add(Job{Name: "reminders", Interval: iv.Reminder, Run: deps.Escrow.ProcessReminders})
	s.Add(Job{Name: "payout-retry", Interval: iv.PayoutRetry, Run: deps.Escrow.ProcessPayoutRetries})

	if deps.Sellers != nil {
		calc := rating.NewCalculator()
		s.Add(Job{Name: "rating-recompute", Interval: iv.Rating, Run: func(ctx context.Context) (int, error) {
			return deps.Sellers.RecomputeRatings(ctx, calc)
		}})
	}

	if deps.Fraud != nil {
		s.Add(Job{Name: "fraud-scan", Interval: iv.FraudScan, Run: deps.Fraud.Scan})
	}

	if deps.Notify != nil {
		s.Add(Job{Name: "notify-redeliver", Interval: iv.Redeliver, Run: deps.Notify.Redeliver})
	}

	s.Add(Job{Name: "cleanup-report", Interval: iv.Cleanup, Run: func(ctx context.Context) (int, error) {
		return cleanupAndReport(ctx, deps, ret)
	}})

	return s
}

// cleanupAndReport purges aged records and pushes the weekly aggregate
// summary to the admins.
func cleanupAndReport(ctx context.Context, deps Deps, ret Retention) (int, error) {
	deleted, err := deps.Escrow.Cleanup(ctx, ret.Transactions)
	if err != nil {
		return 0, err
	}

	purged := int64(0)
	if deps.Fraud != nil {
		purged, err = deps.Fraud.PurgeReviewed(ctx, ret.ReviewedFlags)
		if err != nil {
			return int(deleted), fmt.Errorf("purge reviewed flags: %w", err)
		}
	}

	if deps.Reports != nil && deps.Notify != nil {
		weekAgo := time.Now().Add(-7 * 24 * time.Hour)
		report, err := deps.Reports.Get(ctx, escrow.ReportFilter{From: &weekAgo})
		if err != nil {
			return int(deleted + purged), fmt.Errorf("weekly report: %w", err)
		}
		detail := fmt.Sprintf(
			"weekly: %d transactions, volume %s, completion %.1f%%, disputes %.1f%%, purged %d txns / %d flags",
			report.TotalCount, report.TotalVolume, report.CompletionRate, report.DisputeRate, deleted, purged)
		if nerr := deps.Notify.NotifyAdmins(ctx, "weekly_report", detail); nerr != nil {
			// Best-effort, same contract as every other notification.
			deps.Logger.Warn("failed to queue weekly report", "error", nerr)
		}
	}

	return int(deleted + purged), nil
}
