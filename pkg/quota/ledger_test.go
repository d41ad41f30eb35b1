package quota

import (
	"context"
	"errors"
	"testing"

	"filevault/pkg/domain"
	"filevault/pkg/store"
)

func TestCheckQuotaBoundary(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(store.NewMemoryStore(), 100)

	if err := ledger.CheckQuota(ctx, "alice", 100); err != nil {
		t.Fatalf("landing exactly on the limit must pass: %v", err)
	}
	err := ledger.CheckQuota(ctx, "alice", 101)
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.CurrentUsage != 0 || quotaErr.Limit != 100 || quotaErr.CandidateSize != 101 {
		t.Fatalf("unexpected figures: %+v", quotaErr)
	}
}

func TestCheckQuotaCountsLogicalUsage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ledger := NewLedger(s, 100)

	// A reference upload: logical-only charge.
	if err := ledger.Increment(ctx, "alice", 60, true); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := ledger.CheckQuota(ctx, "alice", 41); err == nil {
		t.Fatalf("logical usage must be charged against quota even for references")
	}
	if err := ledger.CheckQuota(ctx, "alice", 40); err != nil {
		t.Fatalf("check within limit: %v", err)
	}

	q, ok, err := s.GetQuota(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("get quota: ok=%v err=%v", ok, err)
	}
	if q.LogicalBytes != 60 || q.ActualBytes != 0 {
		t.Fatalf("logical-only increment: logical=%d actual=%d", q.LogicalBytes, q.ActualBytes)
	}
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ledger := NewLedger(s, 1000)

	if err := ledger.Increment(ctx, "alice", 300, false); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := ledger.Decrement(ctx, "alice", 300, false); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	q, _, err := s.GetQuota(ctx, "alice")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if q.LogicalBytes != 0 || q.ActualBytes != 0 {
		t.Fatalf("counters not reversed: %+v", q)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(store.NewMemoryStore(), 200)
	if err := ledger.Increment(ctx, "alice", 50, false); err != nil {
		t.Fatalf("increment: %v", err)
	}
	stats, err := ledger.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.LogicalBytes != 50 || stats.ActualBytes != 50 {
		t.Fatalf("unexpected usage: %+v", stats)
	}
	if stats.QuotaRemaining != 150 || stats.UsagePercentage != 25 {
		t.Fatalf("unexpected derived figures: %+v", stats)
	}
}

func TestDefaultLimit(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore(), 0)
	if ledger.Limit() != DefaultLimitBytes {
		t.Fatalf("limit = %d, want default %d", ledger.Limit(), DefaultLimitBytes)
	}
}
