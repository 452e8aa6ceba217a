package fraud

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists fraud flags in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed flag store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the fraud_flags table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_flags (
			id          VARCHAR(32) PRIMARY KEY,
			subject_id  VARCHAR(64) NOT NULL,
			role        VARCHAR(8) NOT NULL CHECK (role IN ('buyer', 'seller')),
			flag_type   VARCHAR(32) NOT NULL,
			severity    VARCHAR(8) NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
			detail      TEXT,
			reviewed    BOOLEAN NOT NULL DEFAULT FALSE,
			reviewed_by VARCHAR(64),
			reviewed_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_flags_subject
			ON fraud_flags(subject_id, flag_type) WHERE NOT reviewed;
		CREATE INDEX IF NOT EXISTS idx_fraud_flags_open
			ON fraud_flags(created_at DESC) WHERE NOT reviewed;
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, f *Flag) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_flags (id, subject_id, role, flag_type, severity, detail, reviewed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, f.SubjectID, f.Role, f.Type, string(f.Severity), f.Detail, f.Reviewed, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("fraud: insert flag: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Flag, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, subject_id, role, flag_type, severity, detail, reviewed, reviewed_by, reviewed_at, created_at
		FROM fraud_flags WHERE id = $1
	`, id)
	return scanFlag(row)
}

func (p *PostgresStore) HasUnreviewed(ctx context.Context, subjectID, flagType string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fraud_flags
			WHERE subject_id = $1 AND flag_type = $2 AND NOT reviewed
		)
	`, subjectID, flagType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("fraud: dedup query: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) MarkReviewed(ctx context.Context, id, adminID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE fraud_flags
		SET reviewed = TRUE, reviewed_by = $2, reviewed_at = $3
		WHERE id = $1
	`, id, adminID, at)
	if err != nil {
		return fmt.Errorf("fraud: mark reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFlagNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, reviewed *bool, limit int) ([]*Flag, error) {
	query := `
		SELECT id, subject_id, role, flag_type, severity, detail, reviewed, reviewed_by, reviewed_at, created_at
		FROM fraud_flags`
	args := []any{}
	if reviewed != nil {
		query += ` WHERE reviewed = $1`
		args = append(args, *reviewed)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fraud: list flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteReviewedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM fraud_flags WHERE reviewed AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fraud: purge reviewed: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (*Flag, error) {
	var f Flag
	var detail, reviewedBy sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(&f.ID, &f.SubjectID, &f.Role, &f.Type, &f.Severity,
		&detail, &f.Reviewed, &reviewedBy, &reviewedAt, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fraud: scan flag: %w", err)
	}
	f.Detail = detail.String
	f.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		f.ReviewedAt = &t
	}
	return &f, nil
}
