// Package quota implements the per-user usage ledger and the pre-flight rate
// limiter gating generation calls. The limiter fails open on infrastructure
// errors: the generation backend performs the authoritative atomic check, so
// blocking legitimate usage on a transient ledger hiccup is the worse failure.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Quota exhaustion codes carried by RateLimitError and recognized in
// generation backend failure responses.
const (
	// CodeDailyLimit marks the per-UTC-day quota, which resets at midnight UTC.
	CodeDailyLimit = "daily-limit-exhausted"

	// CodeAccountLimit marks the one-time account lifetime allowance, which
	// never resets. Only the backend tracks it; it surfaces here when a
	// backend response carries the code.
	CodeAccountLimit = "account-limit-exhausted"
)

// Ledger reads and writes per-user request counters and per-user limit
// overrides. Day keys are UTC calendar dates formatted as "2006-01-02".
type Ledger interface {
	// Count returns the request count for the user on the given day.
	// A missing row counts as zero.
	Count(ctx context.Context, userID, day string) (int, error)

	// Increment atomically adds one to the user's counter for the given day,
	// creating the row if absent, and returns the new count.
	Increment(ctx context.Context, userID, day string) (int, error)

	// DailyLimit returns the user's override limit. found is false when no
	// override is configured and the default limit applies.
	DailyLimit(ctx context.Context, userID string) (limit int, found bool, err error)
}

// RateLimitError reports an exhausted quota. It is never retried
// automatically; daily quotas become valid again at ResetAt.
type RateLimitError struct {
	Code      string    // CodeDailyLimit or CodeAccountLimit
	Limit     int       // The limit that was hit
	Remaining int       // Requests remaining (0 on exhaustion)
	ResetAt   time.Time // Next UTC midnight for daily; zero for account lifetime
}

func (e *RateLimitError) Error() string {
	if e.Code == CodeAccountLimit {
		return fmt.Sprintf("account limit of %d requests exhausted", e.Limit)
	}
	return fmt.Sprintf("daily limit of %d requests exhausted, resets at %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Retryable always reports false: waiting out the quota window is the only fix.
func (e *RateLimitError) Retryable() bool { return false }

// DayKey formats t as the UTC calendar day used to bucket usage counts.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextUTCMidnight returns the start of the next UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
