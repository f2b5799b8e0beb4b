package quota

import (
	"context"
	"database/sql"
	"fmt"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_counters (
    user_id TEXT NOT NULL,
    usage_date TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, usage_date)
);

CREATE TABLE IF NOT EXISTS rate_limit_policies (
    user_id TEXT PRIMARY KEY,
    daily_limit INTEGER NOT NULL
);
`

// SQLiteLedger implements Ledger on a local SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates the ledger tables if needed and returns a ledger
// backed by the given database.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Ensure SQLiteLedger implements Ledger
var _ Ledger = (*SQLiteLedger)(nil)

// Count returns the request count for the user on the given day.
func (l *SQLiteLedger) Count(ctx context.Context, userID, day string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID cannot be empty")
	}

	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE user_id = ? AND usage_date = ?`,
		userID, day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query usage counter: %w", err)
	}

	return count, nil
}

// Increment atomically adds one to the user's counter for the given day.
// The upsert keeps last-write-wins semantics safe across concurrent tasks.
func (l *SQLiteLedger) Increment(ctx context.Context, userID, day string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID cannot be empty")
	}

	var count int
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (user_id, usage_date, count)
		VALUES (?, ?, 1)
		ON CONFLICT (user_id, usage_date)
		DO UPDATE SET count = count + 1, updated_at = CURRENT_TIMESTAMP
		RETURNING count`,
		userID, day,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	return count, nil
}

// DailyLimit returns the user's override limit, if configured.
func (l *SQLiteLedger) DailyLimit(ctx context.Context, userID string) (int, bool, error) {
	if userID == "" {
		return 0, false, fmt.Errorf("user ID cannot be empty")
	}

	var limit int
	err := l.db.QueryRowContext(ctx,
		`SELECT daily_limit FROM rate_limit_policies WHERE user_id = ?`,
		userID,
	).Scan(&limit)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query rate limit policy: %w", err)
	}

	return limit, true, nil
}

// SetDailyLimit configures a per-user override limit (admin/test helper).
func (l *SQLiteLedger) SetDailyLimit(ctx context.Context, userID string, limit int) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if limit <= 0 {
		return fmt.Errorf("daily limit must be positive, got %d", limit)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rate_limit_policies (user_id, daily_limit)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET daily_limit = excluded.daily_limit`,
		userID, limit,
	)
	if err != nil {
		return fmt.Errorf("failed to set rate limit policy: %w", err)
	}

	return nil
}
