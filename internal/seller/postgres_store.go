package seller

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists sellers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed seller store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the sellers table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sellers (
			id             VARCHAR(32) PRIMARY KEY,
			phone          VARCHAR(15) NOT NULL UNIQUE,
			display_name   VARCHAR(120) NOT NULL,
			payout_target  VARCHAR(15) NOT NULL,
			status         VARCHAR(12) NOT NULL DEFAULT 'pending',
			suspend_reason TEXT NOT NULL DEFAULT '',
			rating         DOUBLE PRECISION NOT NULL DEFAULT 0,
			tier           VARCHAR(12) NOT NULL DEFAULT 'new',
			rating_points  BIGINT NOT NULL DEFAULT 0,
			rating_count   BIGINT NOT NULL DEFAULT 0,
			total_sales    BIGINT NOT NULL DEFAULT 0,
			total_amount   BIGINT NOT NULL DEFAULT 0,
			dispute_count  BIGINT NOT NULL DEFAULT 0,
			refund_count   BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_sellers_status
				CHECK (status IN ('pending', 'verified', 'suspended'))
		);

		CREATE INDEX IF NOT EXISTS idx_sellers_status ON sellers(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Seller) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sellers (
			id, phone, display_name, payout_target, status, suspend_reason,
			rating, tier, rating_points, rating_count,
			total_sales, total_amount, dispute_count, refund_count,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)`,
		s.ID, s.Phone, s.DisplayName, s.PayoutTarget, string(s.Status), s.SuspendReason,
		s.Rating, s.Tier, s.RatingPoints, s.RatingCount,
		s.TotalSales, s.TotalAmount, s.DisputeCount, s.RefundCount,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrPhoneTaken
		}
		return err
	}
	return nil
}

const sellerColumns = `id, phone, display_name, payout_target, status, suspend_reason,
		       rating, tier, rating_points, rating_count,
		       total_sales, total_amount, dispute_count, refund_count,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE id = $1`, id)

	s, err := scanSeller(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) GetByPhone(ctx context.Context, phone string) (*Seller, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sellerColumns+` FROM sellers WHERE phone = $1`, phone)

	s, err := scanSeller(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit, offset int) ([]*Seller, error) {
	query := `SELECT ` + sellerColumns + ` FROM sellers`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	args = append(args, offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Seller
	for rows.Next() {
		s, err := scanSeller(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string) error {
	froms := make([]string, len(from))
	for i, f := range from {
		froms[i] = string(f)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE sellers SET status = $1, suspend_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)`,
		string(to), reason, id, pq.Array(froms),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost status race.
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) AddSale(ctx context.Context, id string, amountCents int64) error {
	return p.adjust(ctx, id, `
		UPDATE sellers SET
			total_sales = total_sales + 1,
			total_amount = total_amount + $2,
			updated_at = NOW()
		WHERE id = $1`, amountCents)
}

func (p *PostgresStore) AddDispute(ctx context.Context, id string) error {
	return p.adjust(ctx, id, `
		UPDATE sellers SET dispute_count = dispute_count + 1, updated_at = NOW()
		WHERE id = $1`)
}

func (p *PostgresStore) AddRefund(ctx context.Context, id string) error {
	return p.adjust(ctx, id, `
		UPDATE sellers SET refund_count = refund_count + 1, updated_at = NOW()
		WHERE id = $1`)
}

func (p *PostgresStore) AddRating(ctx context.Context, id string, stars int) error {
	// Right-hand sides see the pre-update row, so the running average
	// uses the new totals.
	return p.adjust(ctx, id, `
		UPDATE sellers SET
			rating_points = rating_points + $2,
			rating_count = rating_count + 1,
			rating = (rating_points + $2)::DOUBLE PRECISION / (rating_count + 1),
			updated_at = NOW()
		WHERE id = $1`, int64(stars))
}

func (p *PostgresStore) SetComputedRating(ctx context.Context, id string, rating float64, tier string) error {
	return p.adjust(ctx, id, `
		UPDATE sellers SET rating = $2, tier = $3, updated_at = NOW()
		WHERE id = $1`, rating, tier)
}

func (p *PostgresStore) adjust(ctx context.Context, id, query string, args ...interface{}) error {
	all := append([]interface{}{id}, args...)
	result, err := p.db.ExecContext(ctx, query, all...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSeller(s scanner) (*Seller, error) {
	var sel Seller
	var status string
	err := s.Scan(
		&sel.ID, &sel.Phone, &sel.DisplayName, &sel.PayoutTarget, &status, &sel.SuspendReason,
		&sel.Rating, &sel.Tier, &sel.RatingPoints, &sel.RatingCount,
		&sel.TotalSales, &sel.TotalAmount, &sel.DisputeCount, &sel.RefundCount,
		&sel.CreatedAt, &sel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sel.Status = Status(status)
	return &sel, nil
}
