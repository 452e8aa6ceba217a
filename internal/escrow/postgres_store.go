package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow tables if they do not exist. The seller
// store must migrate first: escrow_txns carries a foreign key into
// sellers.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_txns (
			id                  VARCHAR(32) PRIMARY KEY,
			buyer_id            VARCHAR(64) NOT NULL,
			seller_id           VARCHAR(64) NOT NULL REFERENCES sellers(id),
			buyer_phone         VARCHAR(15) NOT NULL,
			seller_phone        VARCHAR(15),
			amount              BIGINT NOT NULL,
			description         TEXT,
			status              VARCHAR(16) NOT NULL,
			checkout_request_id VARCHAR(64),
			mpesa_receipt       VARCHAR(32),
			tracking_ref        VARCHAR(64),
			payout_state        VARCHAR(8) NOT NULL DEFAULT '',
			expires_at          TIMESTAMPTZ NOT NULL,
			held_at             TIMESTAMPTZ,
			shipped_at          TIMESTAMPTZ,
			auto_release_at     TIMESTAMPTZ,
			resolved_at         TIMESTAMPTZ,
			resolution          VARCHAR(32),
			flagged             BOOLEAN NOT NULL DEFAULT FALSE,
			flag_reason         VARCHAR(40),
			rating_stars        SMALLINT NOT NULL DEFAULT 0,
			rated_at            TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_escrow_amount_positive CHECK (amount > 0),
			CONSTRAINT chk_escrow_rating_range CHECK (rating_stars BETWEEN 0 AND 5),
			CONSTRAINT chk_escrow_status CHECK (status IN (
				'pending', 'held', 'shipped', 'disputed', 'completed',
				'refunded', 'cancelled', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_txns_buyer ON escrow_txns(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_txns_seller ON escrow_txns(seller_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_txns_status ON escrow_txns(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrow_txns_checkout
			ON escrow_txns(checkout_request_id) WHERE checkout_request_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_escrow_txns_release
			ON escrow_txns(auto_release_at) WHERE status = 'shipped';
		CREATE INDEX IF NOT EXISTS idx_escrow_txns_held
			ON escrow_txns(held_at) WHERE status = 'held';

		CREATE TABLE IF NOT EXISTS escrow_disputes (
			id          VARCHAR(40) PRIMARY KEY,
			txn_id      VARCHAR(32) NOT NULL REFERENCES escrow_txns(id) ON DELETE CASCADE,
			opened_by   VARCHAR(64) NOT NULL,
			reason      TEXT NOT NULL,
			status      VARCHAR(16) NOT NULL,
			resolution  VARCHAR(16),
			resolved_by VARCHAR(64),
			note        TEXT,
			created_at  TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrow_disputes_open
			ON escrow_disputes(txn_id) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_escrow_disputes_status ON escrow_disputes(status);

		CREATE TABLE IF NOT EXISTS escrow_events (
			seq        BIGSERIAL,
			id         VARCHAR(40) PRIMARY KEY,
			txn_id     VARCHAR(32) NOT NULL REFERENCES escrow_txns(id) ON DELETE CASCADE,
			type       VARCHAR(32) NOT NULL,
			actor      VARCHAR(64) NOT NULL,
			detail     TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_events_txn ON escrow_events(txn_id, seq);

		CREATE TABLE IF NOT EXISTS escrow_payouts (
			id           VARCHAR(40) PRIMARY KEY,
			reference    VARCHAR(40) NOT NULL UNIQUE,
			txn_id       VARCHAR(32) NOT NULL REFERENCES escrow_txns(id) ON DELETE CASCADE,
			kind         VARCHAR(8) NOT NULL,
			phone        VARCHAR(15) NOT NULL,
			amount       BIGINT NOT NULL,
			fee          BIGINT NOT NULL DEFAULT 0,
			state        VARCHAR(12) NOT NULL,
			resolution   VARCHAR(32),
			receipt      VARCHAR(32),
			attempts     INT NOT NULL DEFAULT 0,
			last_error   TEXT,
			submitted_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_payout_amount_positive CHECK (amount > 0),
			CONSTRAINT chk_payout_fee_nonneg CHECK (fee >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_payouts_state ON escrow_payouts(state);
		CREATE INDEX IF NOT EXISTS idx_escrow_payouts_txn ON escrow_payouts(txn_id);
	`)
	return err
}

func (p *PostgresStore) CreateTxn(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_txns (
			id, buyer_id, seller_id, buyer_phone, seller_phone,
			amount, description, status, checkout_request_id, mpesa_receipt,
			tracking_ref, payout_state, expires_at, held_at, shipped_at,
			auto_release_at, resolved_at, resolution, flagged, flag_reason,
			rating_stars, rated_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, $24
		)`,
		t.ID, t.BuyerID, t.SellerID, t.BuyerPhone, nullString(t.SellerPhone),
		t.Amount, nullString(t.Description), string(t.Status),
		nullString(t.CheckoutRequestID), nullString(t.MpesaReceipt),
		nullString(t.TrackingRef), t.PayoutState, t.ExpiresAt, nullTime(t.HeldAt), nullTime(t.ShippedAt),
		nullTime(t.AutoReleaseAt), nullTime(t.ResolvedAt), nullString(t.Resolution), t.Flagged, nullString(t.FlagReason),
		t.RatingStars, nullTime(t.RatedAt), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const txnColumns = `id, buyer_id, seller_id, buyer_phone, seller_phone,
		       amount, description, status, checkout_request_id, mpesa_receipt,
		       tracking_ref, payout_state, expires_at, held_at, shipped_at,
		       auto_release_at, resolved_at, resolution, flagged, flag_reason,
		       rating_stars, rated_at, created_at, updated_at`

func (p *PostgresStore) GetTxn(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_txns WHERE id = $1`, id)

	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxnNotFound
	}
	return t, err
}

func (p *PostgresStore) GetTxnByCheckout(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM escrow_txns WHERE checkout_request_id = $1`, checkoutRequestID)

	t, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxnNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateTxn(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_txns SET
			seller_phone = $1, description = $2, checkout_request_id = $3,
			mpesa_receipt = $4, tracking_ref = $5, expires_at = $6, held_at = $7,
			shipped_at = $8, auto_release_at = $9, updated_at = $10
		WHERE id = $11`,
		nullString(t.SellerPhone), nullString(t.Description), nullString(t.CheckoutRequestID),
		nullString(t.MpesaReceipt), nullString(t.TrackingRef), t.ExpiresAt, nullTime(t.HeldAt),
		nullTime(t.ShippedAt), nullTime(t.AutoReleaseAt), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTxnNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateTxnFrom(ctx context.Context, t *Transaction, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_txns SET
			status = $1, seller_phone = $2, checkout_request_id = $3,
			mpesa_receipt = $4, tracking_ref = $5, payout_state = $6, held_at = $7,
			shipped_at = $8, auto_release_at = $9, resolved_at = $10, resolution = $11,
			updated_at = $12
		WHERE id = $13 AND status = $14`,
		string(t.Status), nullString(t.SellerPhone), nullString(t.CheckoutRequestID),
		nullString(t.MpesaReceipt), nullString(t.TrackingRef), t.PayoutState, nullTime(t.HeldAt),
		nullTime(t.ShippedAt), nullTime(t.AutoReleaseAt), nullTime(t.ResolvedAt), nullString(t.Resolution),
		t.UpdatedAt,
		t.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or another actor moved the status first.
		// Callers loaded the row moments ago, so report the race.
		return ErrConcurrencyConflict
	}
	return nil
}

func (p *PostgresStore) StagePayout(ctx context.Context, txnID string, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_txns SET payout_state = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND payout_state = ''`,
		PayoutStaged, txnID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (p *PostgresStore) SetRating(ctx context.Context, txnID string, stars int, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_txns SET rating_stars = $1, rated_at = $2, updated_at = $2
		WHERE id = $3 AND rating_stars = 0`,
		stars, at, txnID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// The service verified the row exists before calling.
		return ErrAlreadyRated
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE status = 'shipped' AND auto_release_at < $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) ListUnshippedSince(ctx context.Context, heldBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE status = 'held' AND held_at < $1
		ORDER BY held_at ASC
		LIMIT $2`, heldBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_disputes (
			id, txn_id, opened_by, reason, status,
			resolution, resolved_by, note, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.TxnID, d.OpenedBy, d.Reason, d.Status,
		nullString(d.Resolution), nullString(d.ResolvedBy), nullString(d.Note),
		d.CreatedAt, nullTime(d.ResolvedAt),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateDispute
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, txnID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM escrow_disputes WHERE txn_id = $1 AND status = 'open'`, txnID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_disputes SET
			status = $1, resolution = $2, resolved_by = $3, note = $4, resolved_at = $5
		WHERE id = $6`,
		d.Status, nullString(d.Resolution), nullString(d.ResolvedBy), nullString(d.Note),
		nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM escrow_disputes
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, evt *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, txn_id, type, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.TxnID, evt.Type, evt.Actor, nullString(evt.Detail), evt.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, txnID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, txn_id, type, actor, detail, created_at
		FROM escrow_events
		WHERE txn_id = $1
		ORDER BY seq ASC
		LIMIT $2`, txnID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		evt := &Event{}
		var detail sql.NullString
		if err := rows.Scan(&evt.ID, &evt.TxnID, &evt.Type, &evt.Actor, &detail, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Detail = detail.String
		result = append(result, evt)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreatePayout(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_payouts (
			id, reference, txn_id, kind, phone, amount, fee, state,
			resolution, receipt, attempts, last_error, submitted_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		po.ID, po.Reference, po.TxnID, po.Kind, po.Phone, po.Amount, po.Fee, po.State,
		nullString(po.Resolution), nullString(po.Receipt), po.Attempts,
		nullString(po.LastError), nullTime(po.SubmittedAt),
		po.CreatedAt, po.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetPayoutByTxn(ctx context.Context, txnID string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payouts
		WHERE txn_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, txnID)

	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) GetPayoutByReference(ctx context.Context, reference string) (*Payout, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payouts
		WHERE reference = $1`, reference)

	po, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) ListPayoutsByTxn(ctx context.Context, txnID string) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payouts
		WHERE txn_id = $1
		ORDER BY created_at ASC`, txnID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) UpdatePayout(ctx context.Context, po *Payout) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payouts SET
			state = $1, receipt = $2, attempts = $3, last_error = $4,
			submitted_at = $5, updated_at = $6
		WHERE id = $7`,
		po.State, nullString(po.Receipt), po.Attempts, nullString(po.LastError),
		nullTime(po.SubmittedAt), po.UpdatedAt, po.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (p *PostgresStore) ListPayoutsByState(ctx context.Context, state string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payouts
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at ASC
		LIMIT $2`, state, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

func (p *PostgresStore) ListStuckPayouts(ctx context.Context, olderThan time.Time, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM escrow_payouts
		WHERE state = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayouts(rows)
}

// QueryForReport returns transactions matching the report filter.
func (p *PostgresStore) QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_txns
		WHERE ($1 = '' OR seller_id = $1)
		  AND ($2 = '' OR buyer_id = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR created_at >= $3)
		  AND ($4::TIMESTAMPTZ IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
		LIMIT $5`,
		filter.SellerID, filter.BuyerID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxns(rows)
}

func (p *PostgresStore) FlagTxnsBySeller(ctx context.Context, sellerID, reason string) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_txns SET flagged = TRUE, flag_reason = $2, updated_at = NOW()
		WHERE seller_id = $1 AND NOT flagged
		  AND status NOT IN ('completed', 'refunded', 'cancelled', 'failed', 'expired')`,
		sellerID, reason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) DisputeCountsByOpener(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT opened_by, COUNT(*)
		FROM escrow_disputes
		WHERE created_at >= $1
		GROUP BY opened_by`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCounts(rows)
}

func (p *PostgresStore) SellerDisputeStats(ctx context.Context, since time.Time) ([]SellerActivity, error) {
	// A transaction counts as disputed if it ever had a dispute; the
	// window filters transaction creation, not dispute creation.
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.seller_id, COUNT(*), COUNT(d.txn_id)
		FROM escrow_txns t
		LEFT JOIN (SELECT DISTINCT txn_id FROM escrow_disputes) d ON d.txn_id = t.id
		WHERE t.created_at >= $1
		GROUP BY t.seller_id
		ORDER BY t.seller_id`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []SellerActivity
	for rows.Next() {
		var st SellerActivity
		if err := rows.Scan(&st.SellerID, &st.Txns, &st.Disputed); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RefundCountsByBuyer(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT buyer_id, COUNT(*)
		FROM escrow_txns
		WHERE status = 'refunded' AND resolved_at >= $1
		GROUP BY buyer_id`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCounts(rows)
}

func scanCounts(rows *sql.Rows) (map[string]int, error) {
	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM escrow_txns
		WHERE status IN ('completed', 'refunded', 'cancelled', 'failed', 'expired')
		  AND resolved_at IS NOT NULL AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrow_txns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

const disputeColumns = `id, txn_id, opened_by, reason, status,
			   resolution, resolved_by, note, created_at, resolved_at`

const payoutColumns = `id, reference, txn_id, kind, phone, amount, fee, state,
			  resolution, receipt, attempts, last_error, submitted_at,
			  created_at, updated_at`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTxn(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		sellerPhone   sql.NullString
		description   sql.NullString
		status        string
		checkoutID    sql.NullString
		mpesaReceipt  sql.NullString
		trackingRef   sql.NullString
		heldAt        sql.NullTime
		shippedAt     sql.NullTime
		autoReleaseAt sql.NullTime
		resolvedAt    sql.NullTime
		resolution    sql.NullString
		flagReason    sql.NullString
		ratedAt       sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.BuyerPhone, &sellerPhone,
		&t.Amount, &description, &status, &checkoutID, &mpesaReceipt,
		&trackingRef, &t.PayoutState, &t.ExpiresAt, &heldAt, &shippedAt,
		&autoReleaseAt, &resolvedAt, &resolution, &t.Flagged, &flagReason,
		&t.RatingStars, &ratedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.SellerPhone = sellerPhone.String
	t.Description = description.String
	t.CheckoutRequestID = checkoutID.String
	t.MpesaReceipt = mpesaReceipt.String
	t.TrackingRef = trackingRef.String
	t.Resolution = resolution.String
	t.FlagReason = flagReason.String
	if heldAt.Valid {
		t.HeldAt = &heldAt.Time
	}
	if shippedAt.Valid {
		t.ShippedAt = &shippedAt.Time
	}
	if autoReleaseAt.Valid {
		t.AutoReleaseAt = &autoReleaseAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	if ratedAt.Valid {
		t.RatedAt = &ratedAt.Time
	}

	return t, nil
}

func scanTxns(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		resolution sql.NullString
		resolvedBy sql.NullString
		note       sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.TxnID, &d.OpenedBy, &d.Reason, &d.Status,
		&resolution, &resolvedBy, &note, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	d.Note = note.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		resolution  sql.NullString
		receipt     sql.NullString
		lastError   sql.NullString
		submittedAt sql.NullTime
	)

	err := s.Scan(
		&po.ID, &po.Reference, &po.TxnID, &po.Kind, &po.Phone, &po.Amount, &po.Fee, &po.State,
		&resolution, &receipt, &po.Attempts, &lastError, &submittedAt, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	po.Resolution = resolution.String
	po.Receipt = receipt.String
	po.LastError = lastError.String
	if submittedAt.Valid {
		po.SubmittedAt = &submittedAt.Time
	}

	return po, nil
}

func scanPayouts(rows *sql.Rows) ([]*Payout, error) {
	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
