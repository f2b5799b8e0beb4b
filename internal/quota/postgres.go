package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresLedgerSchema = `
CREATE TABLE IF NOT EXISTS usage_counters (
    user_id TEXT NOT NULL,
    usage_date DATE NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, usage_date)
);

CREATE TABLE IF NOT EXISTS rate_limit_policies (
    user_id TEXT PRIMARY KEY,
    daily_limit INTEGER NOT NULL
);
`

// PostgresLedger implements Ledger on PostgreSQL for multi-node deployments
// where usage counts must be shared across instances.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects to Postgres, creates the ledger tables if
// needed, and returns the ledger.
func NewPostgresLedger(ctx context.Context, connString string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresLedgerSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &PostgresLedger{pool: pool}, nil
}

// Ensure PostgresLedger implements Ledger
var _ Ledger = (*PostgresLedger)(nil)

// Close releases the connection pool.
func (l *PostgresLedger) Close() {
	l.pool.Close()
}

// Count returns the request count for the user on the given day.
func (l *PostgresLedger) Count(ctx context.Context, userID, day string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID cannot be empty")
	}

	var count int
	err := l.pool.QueryRow(ctx,
		`SELECT count FROM usage_counters WHERE user_id = $1 AND usage_date = $2`,
		userID, day,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query usage counter: %w", err)
	}

	return count, nil
}

// Increment atomically adds one to the user's counter for the given day.
func (l *PostgresLedger) Increment(ctx context.Context, userID, day string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID cannot be empty")
	}

	var count int
	err := l.pool.QueryRow(ctx, `
		INSERT INTO usage_counters (user_id, usage_date, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, usage_date)
		DO UPDATE SET count = usage_counters.count + 1, updated_at = now()
		RETURNING count`,
		userID, day,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	return count, nil
}

// DailyLimit returns the user's override limit, if configured.
func (l *PostgresLedger) DailyLimit(ctx context.Context, userID string) (int, bool, error) {
	if userID == "" {
		return 0, false, fmt.Errorf("user ID cannot be empty")
	}

	var limit int
	err := l.pool.QueryRow(ctx,
		`SELECT daily_limit FROM rate_limit_policies WHERE user_id = $1`,
		userID,
	).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query rate limit policy: %w", err)
	}

	return limit, true, nil
}

// SetDailyLimit configures a per-user override limit (admin helper).
func (l *PostgresLedger) SetDailyLimit(ctx context.Context, userID string, limit int) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if limit <= 0 {
		return fmt.Errorf("daily limit must be positive, got %d", limit)
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO rate_limit_policies (user_id, daily_limit)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET daily_limit = EXCLUDED.daily_limit`,
		userID, limit,
	)
	if err != nil {
		return fmt.Errorf("failed to set rate limit policy: %w", err)
	}

	return nil
}
