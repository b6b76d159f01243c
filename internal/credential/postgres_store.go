package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists credentials in Postgres. Single-winner
// redemption relies on a conditional UPDATE against the status column,
// so it holds across processes, not just goroutines.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createCredentialsSQL = `
CREATE TABLE IF NOT EXISTS otp_sessions (
    id UUID PRIMARY KEY,
    order_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    otp_hash BYTEA,
    qr_token_hash BYTEA,
    buyer_lat DOUBLE PRECISION NOT NULL,
    buyer_lon DOUBLE PRECISION NOT NULL,
    buyer_accuracy DOUBLE PRECISION NOT NULL,
    buyer_fix_at BIGINT NOT NULL,
    buyer_device_id TEXT,
    issued_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL
);
CREATE INDEX IF NOT EXISTS otp_sessions_order_idx ON otp_sessions (order_id, issued_at DESC);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createCredentialsSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Replace(ctx context.Context, cred Credential) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE otp_sessions SET status = $1
WHERE order_id = $2 AND status = $3
`, StatusRevoked, cred.OrderID, StatusActive); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO otp_sessions
    (id, order_id, mode, otp_hash, qr_token_hash,
     buyer_lat, buyer_lon, buyer_accuracy, buyer_fix_at, buyer_device_id,
     issued_at, expires_at, status, attempts, max_attempts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`, cred.ID, cred.OrderID, cred.Mode, cred.OTPHash, cred.QRTokenHash,
		cred.BuyerFix.Lat, cred.BuyerFix.Lon, cred.BuyerFix.AccuracyM, cred.BuyerFix.Timestamp, cred.BuyerDeviceID,
		cred.IssuedAt, cred.ExpiresAt, cred.Status, cred.Attempts, cred.MaxAttempts); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) Latest(ctx context.Context, orderID string) (*Credential, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, order_id, mode, otp_hash, qr_token_hash,
       buyer_lat, buyer_lon, buyer_accuracy, buyer_fix_at, buyer_device_id,
       issued_at, expires_at, status, attempts, max_attempts
FROM otp_sessions
WHERE order_id = $1
ORDER BY issued_at DESC
LIMIT 1
`, orderID)

	var cred Credential
	err := row.Scan(&cred.ID, &cred.OrderID, &cred.Mode, &cred.OTPHash, &cred.QRTokenHash,
		&cred.BuyerFix.Lat, &cred.BuyerFix.Lon, &cred.BuyerFix.AccuracyM, &cred.BuyerFix.Timestamp, &cred.BuyerDeviceID,
		&cred.IssuedAt, &cred.ExpiresAt, &cred.Status, &cred.Attempts, &cred.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (p *PostgresStore) Redeem(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE otp_sessions SET status = $1
WHERE id = $2 AND status = $3
`, StatusUsed, id, StatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) FailAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	row := p.pool.QueryRow(ctx, `
UPDATE otp_sessions
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE status END
WHERE id = $2 AND status = $3
RETURNING max_attempts - attempts
`, StatusRevoked, id, StatusActive)

	var remaining int
	if err := row.Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (p *PostgresStore) CountIssuedSince(ctx context.Context, orderID string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM otp_sessions WHERE order_id = $1 AND issued_at > $2
`, orderID, since).Scan(&n)
	return n, err
}
