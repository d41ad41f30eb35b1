// Package quota tracks per-owner storage usage and enforces the upload
// quota. Quota is charged against logical bytes: an owner pays for every
// upload even when deduplication stores no new physical bytes.
package quota

import (
	"context"
	"fmt"

	"filevault/pkg/domain"
	"filevault/pkg/store"
)

// DefaultLimitBytes is the per-owner quota when none is configured (10 MB).
const DefaultLimitBytes = 10 * 1024 * 1024

// Ledger exposes atomic quota accounting on top of a metadata store.
type Ledger struct {
	store store.MetadataStore
	limit int64
}

// NewLedger creates a ledger with the given per-owner limit in bytes.
func NewLedger(s store.MetadataStore, limitBytes int64) *Ledger {
	if limitBytes <= 0 {
		limitBytes = DefaultLimitBytes
	}
	return &Ledger{store: s, limit: limitBytes}
}

// WithStore returns a ledger bound to s, typically a transactional view, so
// counter updates commit in the same atomic unit as the record change that
// triggered them.
func (l *Ledger) WithStore(s store.MetadataStore) *Ledger {
	return &Ledger{store: s, limit: l.limit}
}

// Limit returns the configured per-owner limit.
func (l *Ledger) Limit() int64 { return l.limit }

// CheckQuota fails when logicalBytes + candidateSize would exceed the limit.
// Landing exactly on the limit is allowed. Owners without a quota row yet
// are at zero usage.
func (l *Ledger) CheckQuota(ctx context.Context, owner string, candidateSize int64) error {
	q, _, err := l.store.GetQuota(ctx, owner)
	if err != nil {
		return fmt.Errorf("load quota for %s: %w", owner, err)
	}
	if q.LogicalBytes+candidateSize > l.limit {
		return &domain.QuotaExceededError{
			Owner:         owner,
			CurrentUsage:  q.LogicalBytes,
			Limit:         l.limit,
			CandidateSize: candidateSize,
		}
	}
	return nil
}

// Increment charges size to owner. logicalOnly skips the actual-bytes
// counter; it is set for reference uploads, which occupy no physical storage.
func (l *Ledger) Increment(ctx context.Context, owner string, size int64, logicalOnly bool) error {
	return l.apply(ctx, owner, size, logicalOnly)
}

// Decrement releases size from owner, the mirror of Increment.
func (l *Ledger) Decrement(ctx context.Context, owner string, size int64, logicalOnly bool) error {
	return l.apply(ctx, owner, -size, logicalOnly)
}

func (l *Ledger) apply(ctx context.Context, owner string, delta int64, logicalOnly bool) error {
	actualDelta := delta
	if logicalOnly {
		actualDelta = 0
	}
	if err := l.store.ApplyQuotaDelta(ctx, owner, delta, actualDelta); err != nil {
		return fmt.Errorf("update quota for %s: %w", owner, err)
	}
	return nil
}

// Stats reports usage figures for one owner.
func (l *Ledger) Stats(ctx context.Context, owner string) (domain.StorageStats, error) {
	q, _, err := l.store.GetQuota(ctx, owner)
	if err != nil {
		return domain.StorageStats{}, fmt.Errorf("load quota for %s: %w", owner, err)
	}
	stats := domain.StorageStats{
		Owner:          owner,
		ActualBytes:    q.ActualBytes,
		LogicalBytes:   q.LogicalBytes,
		QuotaLimit:     l.limit,
		QuotaRemaining: l.limit - q.LogicalBytes,
	}
	if l.limit > 0 {
		stats.UsagePercentage = float64(q.LogicalBytes) / float64(l.limit) * 100
	}
	return stats, nil
}
