package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists the notification outbox in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the notifications table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notifications (
			id         VARCHAR(32) PRIMARY KEY,
			txn_id     VARCHAR(32),
			recipient  VARCHAR(64) NOT NULL,
			audience   VARCHAR(8) NOT NULL CHECK (audience IN ('buyer', 'seller', 'admin')),
			event      VARCHAR(32) NOT NULL,
			detail     TEXT,
			state      VARCHAR(8) NOT NULL CHECK (state IN ('pending', 'sent', 'failed')),
			attempts   SMALLINT NOT NULL DEFAULT 0,
			last_error TEXT,
			sent_at    TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_undelivered
			ON notifications(updated_at) WHERE state <> 'sent';
		CREATE INDEX IF NOT EXISTS idx_notifications_txn ON notifications(txn_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, txn_id, recipient, audience, event, detail, state, attempts, last_error, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, n.ID, nullable(n.TxnID), n.Recipient, n.Audience, n.Event, n.Detail,
		n.State, n.Attempts, n.LastError, n.SentAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, n *Notification) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications
		SET state = $2, attempts = $3, last_error = $4, sent_at = $5, updated_at = $6
		WHERE id = $1
	`, n.ID, n.State, n.Attempts, n.LastError, n.SentAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("notify: update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (p *PostgresStore) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, txn_id, recipient, audience, event, detail, state, attempts, last_error, sent_at, created_at, updated_at
		FROM notifications
		WHERE state <> 'sent' AND attempts < $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, MaxAttempts, before, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list undelivered: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) ListByTxn(ctx context.Context, txnID string, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, txn_id, recipient, audience, event, detail, state, attempts, last_error, sent_at, created_at, updated_at
		FROM notifications
		WHERE txn_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, txnID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list by txn: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Notification, error) {
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var txnID, detail, lastError sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&n.ID, &txnID, &n.Recipient, &n.Audience, &n.Event, &detail,
			&n.State, &n.Attempts, &lastError, &sentAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		n.TxnID = txnID.String
		n.Detail = detail.String
		n.LastError = lastError.String
		if sentAt.Valid {
			t := sentAt.Time
			n.SentAt = &t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
