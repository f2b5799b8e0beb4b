package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/fjmerc/studypipe/internal/metrics"
)

// Limiter performs the pre-flight quota check before a generation call.
//
// Infrastructure failures while reading the limit or counter are swallowed
// and the call proceeds (fail-open). The backend performs the authoritative
// atomic check server-side and is the final backstop; if backend enforcement
// is ever removed, this behavior silently becomes fail-unlimited.
type Limiter struct {
	ledger       Ledger
	defaultLimit int

	// now is replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a Limiter over the given ledger.
func NewLimiter(ledger Ledger, defaultLimit int) *Limiter {
	return &Limiter{
		ledger:       ledger,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Check returns nil when the user is within their daily quota, and a
// *RateLimitError when the quota is confirmed exhausted. Ledger errors
// log a warning and allow the call.
func (l *Limiter) Check(ctx context.Context, userID string) error {
	now := l.now()

	limit := l.defaultLimit
	if override, found, err := l.ledger.DailyLimit(ctx, userID); err != nil {
		slog.Warn("failed to read rate limit policy, failing open", "user_id", userID, "error", err)
	} else if found {
		limit = override
	}

	count, err := l.ledger.Count(ctx, userID, DayKey(now))
	if err != nil {
		slog.Warn("failed to read usage counter, failing open", "user_id", userID, "error", err)
		return nil
	}

	if count >= limit {
		metrics.QuotaDenialsTotal.WithLabelValues(CodeDailyLimit).Inc()
		slog.Info("daily quota exhausted",
			"user_id", userID,
			"count", count,
			"limit", limit,
		)
		return &RateLimitError{
			Code:      CodeDailyLimit,
			Limit:     limit,
			Remaining: 0,
			ResetAt:   NextUTCMidnight(now),
		}
	}

	return nil
}

// Record increments the user's counter for today after a successful
// invocation. Errors are swallowed with a warning; the counter tolerates
// undercounting for the same reason Check fails open.
func (l *Limiter) Record(ctx context.Context, userID string) {
	if userID == "" {
		return
	}

	if _, err := l.ledger.Increment(ctx, userID, DayKey(l.now())); err != nil {
		slog.Warn("failed to record usage", "user_id", userID, "error", err)
	}
}
