package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/fjmerc/studypipe/internal/testutil"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	ledger, err := NewSQLiteLedger(testutil.SetupTestDB(t))
	if err != nil {
		t.Fatalf("creating ledger: %v", err)
	}
	return ledger
}

func TestSQLiteLedger_CountMissingRowIsZero(t *testing.T) {
	ledger := newTestLedger(t)

	count, err := ledger.Count(context.Background(), "alice", "2026-03-15")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 for missing row", count)
	}
}

func TestSQLiteLedger_IncrementCreatesAndCounts(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := ledger.Increment(ctx, "alice", "2026-03-15")
		if err != nil {
			t.Fatalf("Increment() #%d = %v", i, err)
		}
		if count != i {
			t.Errorf("Increment() #%d = %d, want %d", i, count, i)
		}
	}

	count, err := ledger.Count(ctx, "alice", "2026-03-15")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestSQLiteLedger_CountersAreIndependentPerDay(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Increment(ctx, "alice", "2026-03-15"); err != nil {
		t.Fatalf("Increment() = %v", err)
	}

	// A new UTC day means a new row, not a destructive reset
	count, err := ledger.Count(ctx, "alice", "2026-03-16")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != 0 {
		t.Errorf("next-day count = %d, want 0", count)
	}

	prev, err := ledger.Count(ctx, "alice", "2026-03-15")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if prev != 1 {
		t.Errorf("previous-day count = %d, want 1 (preserved)", prev)
	}
}

func TestSQLiteLedger_CountersAreIndependentPerUser(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Increment(ctx, "alice", "2026-03-15"); err != nil {
		t.Fatalf("Increment() = %v", err)
	}

	count, err := ledger.Count(ctx, "bob", "2026-03-15")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != 0 {
		t.Errorf("other-user count = %d, want 0", count)
	}
}

func TestSQLiteLedger_ConcurrentIncrements(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	const workers = 10
	const perWorker = 5

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := ledger.Increment(ctx, "alice", "2026-03-15"); err != nil {
					t.Errorf("Increment() = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	count, err := ledger.Count(ctx, "alice", "2026-03-15")
	if err != nil {
		t.Fatalf("Count() = %v", err)
	}
	if count != workers*perWorker {
		t.Errorf("count = %d, want %d", count, workers*perWorker)
	}
}

func TestSQLiteLedger_DailyLimitOverride(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, found, err := ledger.DailyLimit(ctx, "alice")
	if err != nil {
		t.Fatalf("DailyLimit() = %v", err)
	}
	if found {
		t.Error("found = true, want false with no override configured")
	}

	if err := ledger.SetDailyLimit(ctx, "alice", 100); err != nil {
		t.Fatalf("SetDailyLimit() = %v", err)
	}

	limit, found, err := ledger.DailyLimit(ctx, "alice")
	if err != nil {
		t.Fatalf("DailyLimit() = %v", err)
	}
	if !found || limit != 100 {
		t.Errorf("DailyLimit() = (%d, %v), want (100, true)", limit, found)
	}

	// Overrides replace, not accumulate
	if err := ledger.SetDailyLimit(ctx, "alice", 50); err != nil {
		t.Fatalf("SetDailyLimit() = %v", err)
	}
	limit, _, err = ledger.DailyLimit(ctx, "alice")
	if err != nil {
		t.Fatalf("DailyLimit() = %v", err)
	}
	if limit != 50 {
		t.Errorf("limit after update = %d, want 50", limit)
	}
}

func TestSQLiteLedger_SetDailyLimitValidation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if err := ledger.SetDailyLimit(ctx, "", 10); err == nil {
		t.Error("SetDailyLimit with empty user = nil, want error")
	}
	if err := ledger.SetDailyLimit(ctx, "alice", 0); err == nil {
		t.Error("SetDailyLimit with zero limit = nil, want error")
	}
	if err := ledger.SetDailyLimit(ctx, "alice", -5); err == nil {
		t.Error("SetDailyLimit with negative limit = nil, want error")
	}
}

func TestSQLiteLedger_EmptyUserRejected(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Count(ctx, "", "2026-03-15"); err == nil {
		t.Error("Count with empty user = nil, want error")
	}
	if _, err := ledger.Increment(ctx, "", "2026-03-15"); err == nil {
		t.Error("Increment with empty user = nil, want error")
	}
	if _, _, err := ledger.DailyLimit(ctx, ""); err == nil {
		t.Error("DailyLimit with empty user = nil, want error")
	}
}
