package seller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/amana/internal/authz"
	"github.com/mbd888/amana/internal/idgen"
	"github.com/mbd888/amana/internal/rating"
	"github.com/mbd888/amana/internal/traces"
)

// ErrReasonRequired rejects suspensions without an audit reason.
var ErrReasonRequired = errors.New("seller: suspensions require an audit reason")

// Service coordinates registration, the operator verification lifecycle,
// and the counter updates escrow settlements feed in.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a seller service backed by the given store.
func NewService(store Store) *Service {
	return &Service{store: store, logger: slog.Default()}
}

// WithLogger sets the logger for service operations.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// RegisterRequest contains the parameters for registering a seller.
type RegisterRequest struct {
	Phone        string `json:"phone" binding:"required"`
	DisplayName  string `json:"displayName" binding:"required"`
	PayoutTarget string `json:"payoutTarget"` // defaults to Phone
}

// Register creates a seller in pending status. Operators verify the
// seller before it can receive escrows.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Seller, error) {
	ctx, span := traces.StartSpan(ctx, "seller.Register")
	defer span.End()

	if _, err := s.store.GetByPhone(ctx, req.Phone); err == nil {
		return nil, ErrPhoneTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("seller: phone lookup: %w", err)
	}

	payoutTarget := req.PayoutTarget
	if payoutTarget == "" {
		payoutTarget = req.Phone
	}

	now := time.Now()
	sel := &Seller{
		ID:           idgen.WithPrefix("sel_"),
		Phone:        req.Phone,
		DisplayName:  req.DisplayName,
		PayoutTarget: payoutTarget,
		Status:       StatusPending,
		Tier:         string(rating.TierNew),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, sel); err != nil {
		return nil, fmt.Errorf("seller: register: %w", err)
	}

	s.logger.Info("seller registered", "sellerId", sel.ID, "phone", sel.Phone)
	return sel, nil
}

// Get returns a seller by ID.
func (s *Service) Get(ctx context.Context, sellerID string) (*Seller, error) {
	return s.store.Get(ctx, sellerID)
}

// GetByPhone returns a seller by registered phone.
func (s *Service) GetByPhone(ctx context.Context, phone string) (*Seller, error) {
	return s.store.GetByPhone(ctx, phone)
}

// List returns sellers for operators, optionally filtered by status.
func (s *Service) List(ctx context.Context, actor authz.Actor, status Status, limit, offset int) ([]*Seller, error) {
	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, "list_sellers", "admin role required")
	}
	return s.store.List(ctx, status, limit, offset)
}

// Verify moves a pending seller to verified.
func (s *Service) Verify(ctx context.Context, actor authz.Actor, sellerID string) (*Seller, error) {
	return s.setStatus(ctx, actor, sellerID, "verify", []Status{StatusPending}, StatusVerified, "")
}

// Suspend blocks a seller from receiving escrows. The reason lands on
// the row for the audit trail.
func (s *Service) Suspend(ctx context.Context, actor authz.Actor, sellerID, reason string) (*Seller, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.setStatus(ctx, actor, sellerID, "suspend", []Status{StatusPending, StatusVerified}, StatusSuspended, reason)
}

// Reinstate returns a suspended seller to verified.
func (s *Service) Reinstate(ctx context.Context, actor authz.Actor, sellerID string) (*Seller, error) {
	return s.setStatus(ctx, actor, sellerID, "reinstate", []Status{StatusSuspended}, StatusVerified, "")
}

func (s *Service) setStatus(ctx context.Context, actor authz.Actor, sellerID, op string, from []Status, to Status, reason string) (*Seller, error) {
	ctx, span := traces.StartSpan(ctx, "seller."+op,
		traces.Actor(actor.ID),
		traces.SellerID(sellerID),
	)
	defer span.End()

	if !actor.IsAdmin() {
		return nil, authz.Deny(actor, op+"_seller", "admin role required")
	}

	err := s.store.UpdateStatus(ctx, sellerID, from, to, reason)
	if errors.Is(err, ErrStatusConflict) {
		cur, gerr := s.store.Get(ctx, sellerID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &StatusError{SellerID: sellerID, Current: cur.Status, Op: op}
	}
	if err != nil {
		return nil, fmt.Errorf("seller: %s: %w", op, err)
	}

	s.logger.Info("seller status changed",
		"sellerId", sellerID, "status", to, "admin", actor.ID)
	return s.store.Get(ctx, sellerID)
}

// RecordSale bumps the sale counters after a completed escrow.
func (s *Service) RecordSale(ctx context.Context, sellerID string, amountCents int64) error {
	if err := s.store.AddSale(ctx, sellerID, amountCents); err != nil {
		return fmt.Errorf("seller: record sale: %w", err)
	}
	return nil
}

// RecordDispute bumps the dispute counter when an escrow is disputed.
func (s *Service) RecordDispute(ctx context.Context, sellerID string) error {
	if err := s.store.AddDispute(ctx, sellerID); err != nil {
		return fmt.Errorf("seller: record dispute: %w", err)
	}
	return nil
}

// RecordRefund bumps the refund counter when an escrow is refunded.
func (s *Service) RecordRefund(ctx context.Context, sellerID string) error {
	if err := s.store.AddRefund(ctx, sellerID); err != nil {
		return fmt.Errorf("seller: record refund: %w", err)
	}
	return nil
}

// ApplyRating folds a buyer's 1..5 stars into the running average. The
// nightly recompute blends the average with the other trust signals.
func (s *Service) ApplyRating(ctx context.Context, sellerID string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("seller: stars out of range: %d", stars)
	}
	if err := s.store.AddRating(ctx, sellerID, stars); err != nil {
		return fmt.Errorf("seller: apply rating: %w", err)
	}
	return nil
}

// UpdateComputedRating persists a recomputed rating and tier.
func (s *Service) UpdateComputedRating(ctx context.Context, sellerID string, score float64, tier string) error {
	if err := s.store.SetComputedRating(ctx, sellerID, score, tier); err != nil {
		return fmt.Errorf("seller: update rating: %w", err)
	}
	return nil
}

// RecomputeRatings runs the calculator over every seller and persists
// the results. Returns the number of sellers updated. Per-seller
// failures are logged and skipped so one bad row cannot stall the sweep.
func (s *Service) RecomputeRatings(ctx context.Context, calc *rating.Calculator) (int, error) {
	const page = 200

	updated := 0
	for offset := 0; ; offset += page {
		sellers, err := s.store.List(ctx, "", page, offset)
		if err != nil {
			return updated, fmt.Errorf("seller: list for recompute: %w", err)
		}

		for _, sel := range sellers {
			score := calc.Calculate(rating.Inputs{
				StarPoints: sel.RatingPoints,
				StarCount:  sel.RatingCount,
				Sales:      sel.TotalSales,
				Refunds:    sel.RefundCount,
				Disputes:   sel.DisputeCount,
			})
			if err := s.UpdateComputedRating(ctx, sel.ID, score.Rating, string(score.Tier)); err != nil {
				s.logger.Warn("failed to persist recomputed rating", "sellerId", sel.ID, "error", err)
				continue
			}
			updated++
		}

		if len(sellers) < page {
			break
		}
	}
	return updated, nil
}
