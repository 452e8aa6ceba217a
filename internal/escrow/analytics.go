package escrow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/amana/internal/money"
)

// Report provides aggregate metrics across escrow transactions.
type Report struct {
	TotalCount     int            `json:"totalCount"`
	ByStatus       map[string]int `json:"byStatus"`
	TotalVolume    string         `json:"totalVolume"` // KES
	AvgAmount      string         `json:"avgAmount"`
	CompletionRate float64        `json:"completionRate"` // 0-100, of settled transactions
	DisputeRate    float64        `json:"disputeRate"`    // 0-100
	RefundRate     float64        `json:"refundRate"`     // 0-100, of settled transactions
	AvgShipHours   float64        `json:"avgShipHours"`   // created -> shipped
	AvgSettleHours float64        `json:"avgSettleHours"` // created -> completed
	TopSellers     []SellerStats  `json:"topSellers"`
}

// SellerStats provides per-seller aggregate info.
type SellerStats struct {
	SellerID    string `json:"sellerId"`
	TxnCount    int    `json:"txnCount"`
	TotalVolume string `json:"totalVolume"`
}

// ReportFilter narrows which transactions a report covers.
type ReportFilter struct {
	SellerID string
	BuyerID  string
	From     *time.Time
	To       *time.Time
}

// ReportQuerier provides read access to transactions for reporting.
type ReportQuerier interface {
	QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Transaction, error)
}

// ReportService computes aggregate reports from escrow data.
type ReportService struct {
	querier ReportQuerier
}

// NewReportService creates a reporting service.
func NewReportService(q ReportQuerier) *ReportService {
	return &ReportService{querier: q}
}

// Get computes an aggregate escrow report.
func (r *ReportService) Get(ctx context.Context, filter ReportFilter) (*Report, error) {
	txns, err := r.querier.QueryForReport(ctx, filter, 10000)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ByStatus: make(map[string]int),
	}

	var totalVolume int64
	var shipHours, settleHours []float64
	settled := 0
	completed := 0
	refunded := 0
	disputed := 0
	sellerVolumes := make(map[string]int64)
	sellerCounts := make(map[string]int)

	for _, t := range txns {
		report.TotalCount++
		report.ByStatus[string(t.Status)]++
		totalVolume += t.Amount
		sellerVolumes[t.SellerID] += t.Amount
		sellerCounts[t.SellerID]++

		if t.ShippedAt != nil {
			if d := t.ShippedAt.Sub(t.CreatedAt).Hours(); d > 0 {
				shipHours = append(shipHours, d)
			}
		}
		if t.Status == StatusCompleted && t.ResolvedAt != nil {
			if d := t.ResolvedAt.Sub(t.CreatedAt).Hours(); d > 0 {
				settleHours = append(settleHours, d)
			}
		}

		if t.IsTerminal() {
			settled++
		}
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusRefunded:
			refunded++
		}
		// A transaction counts as disputed whether the dispute is still
		// open or already settled one way or the other.
		if t.Status == StatusDisputed || t.Resolution == "dispute_release" || t.Resolution == "dispute_refund" {
			disputed++
		}
	}

	report.TotalVolume = money.Format(totalVolume)

	if report.TotalCount > 0 {
		report.AvgAmount = money.Format(totalVolume / int64(report.TotalCount))
		report.DisputeRate = float64(disputed) / float64(report.TotalCount) * 100
	} else {
		report.AvgAmount = money.Format(0)
	}
	if settled > 0 {
		report.CompletionRate = float64(completed) / float64(settled) * 100
		report.RefundRate = float64(refunded) / float64(settled) * 100
	}
	report.AvgShipHours = mean(shipHours)
	report.AvgSettleHours = mean(settleHours)

	// Top sellers by volume (top 10)
	type sellerEntry struct {
		id     string
		volume int64
		count  int
	}
	var sellers []sellerEntry
	for id, vol := range sellerVolumes {
		sellers = append(sellers, sellerEntry{id, vol, sellerCounts[id]})
	}
	sort.Slice(sellers, func(i, j int) bool {
		return sellers[i].volume > sellers[j].volume
	})
	if len(sellers) > 10 {
		sellers = sellers[:10]
	}
	report.TopSellers = make([]SellerStats, 0, len(sellers))
	for _, se := range sellers {
		report.TopSellers = append(report.TopSellers, SellerStats{
			SellerID:    se.id,
			TxnCount:    se.count,
			TotalVolume: money.Format(se.volume),
		})
	}

	return report, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Cleanup purges terminal transactions older than the retention window
// and logs the surviving population by status.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("escrow: cleanup: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("purged old terminal escrows", "deleted", deleted, "cutoff", cutoff)
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to count escrows by status", "error", err)
		return deleted, nil
	}
	attrs := make([]any, 0, len(counts)*2)
	for status, n := range counts {
		attrs = append(attrs, string(status), n)
	}
	s.logger.Info("escrow population", attrs...)
	return deleted, nil
}
