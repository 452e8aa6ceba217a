package seller

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/amana/internal/escrow"
)

// Directory adapts the registry to escrow's SellerDirectory interface.
// Escrow sees payout targets, eligibility and the persisted rating;
// settlement outcomes flow back into the counters.
type Directory struct {
	svc *Service
}

// NewDirectory wraps a seller service for escrow.
func NewDirectory(svc *Service) *Directory {
	return &Directory{svc: svc}
}

var _ escrow.SellerDirectory = (*Directory)(nil)

func (d *Directory) Lookup(ctx context.Context, sellerID string) (*escrow.SellerInfo, error) {
	sel, err := d.svc.Get(ctx, sellerID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown seller %s", escrow.ErrSellerNotEligible, sellerID)
	}
	if err != nil {
		return nil, err
	}
	return &escrow.SellerInfo{
		ID:        sel.ID,
		Phone:     sel.PayoutTarget,
		Verified:  sel.Status == StatusVerified,
		Suspended: sel.Status == StatusSuspended,
		Rating:    sel.Rating,
	}, nil
}

func (d *Directory) RecordSale(ctx context.Context, sellerID string, amountCents int64) error {
	return d.svc.RecordSale(ctx, sellerID, amountCents)
}

func (d *Directory) RecordDispute(ctx context.Context, sellerID string) error {
	return d.svc.RecordDispute(ctx, sellerID)
}

func (d *Directory) RecordRefund(ctx context.Context, sellerID string) error {
	return d.svc.RecordRefund(ctx, sellerID)
}

func (d *Directory) ApplyRating(ctx context.Context, sellerID string, stars int) error {
	return d.svc.ApplyRating(ctx, sellerID, stars)
}
