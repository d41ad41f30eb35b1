package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"filevault/pkg/domain"
)

// MemoryStore keeps all metadata in-process. It backs unit tests and small
// single-node deployments; the mutex serializes transactions, which trivially
// satisfies the atomicity contract.
type MemoryStore struct {
	mu       sync.Mutex
	files    map[string]domain.FileRecord
	quotas   map[string]domain.UserQuota
	postings map[string]map[string]struct{} // keyword -> set of file IDs
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    make(map[string]domain.FileRecord),
		quotas:   make(map[string]domain.UserQuota),
		postings: make(map[string]map[string]struct{}),
	}
}

// memTx is a transactional view: the parent's mutex is already held, so its
// methods call the unlocked implementations directly.
type memTx struct {
	s *MemoryStore
}

// WithinTx holds the store lock for the duration of fn and restores a
// snapshot when fn fails, so a failed transaction leaves no changes behind.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx MetadataStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.snapshot()
	if err := fn(&memTx{s: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	files    map[string]domain.FileRecord
	quotas   map[string]domain.UserQuota
	postings map[string]map[string]struct{}
}

func (m *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		files:    make(map[string]domain.FileRecord, len(m.files)),
		quotas:   make(map[string]domain.UserQuota, len(m.quotas)),
		postings: make(map[string]map[string]struct{}, len(m.postings)),
	}
	for id, rec := range m.files {
		snap.files[id] = rec
	}
	for owner, q := range m.quotas {
		snap.quotas[owner] = q
	}
	for kw, ids := range m.postings {
		set := make(map[string]struct{}, len(ids))
		for id := range ids {
			set[id] = struct{}{}
		}
		snap.postings[kw] = set
	}
	return snap
}

func (m *MemoryStore) restore(snap memSnapshot) {
	m.files = snap.files
	m.quotas = snap.quotas
	m.postings = snap.postings
}

func (m *MemoryStore) createFile(rec domain.FileRecord) error {
	if !rec.IsReference {
		for _, existing := range m.files {
			if !existing.IsReference && existing.ContentDigest == rec.ContentDigest {
				return ErrDigestConflict
			}
		}
	} else {
		original, ok := m.files[rec.OriginalID]
		if !ok || original.IsReference {
			return ErrOriginalVanished
		}
	}
	m.files[rec.ID] = rec
	return nil
}

func (m *MemoryStore) getFile(id string) (domain.FileRecord, bool) {
	rec, ok := m.files[id]
	return rec, ok
}

func (m *MemoryStore) findOriginalByDigest(digest string) (domain.FileRecord, bool) {
	for _, rec := range m.files {
		if !rec.IsReference && rec.ContentDigest == digest {
			return rec, true
		}
	}
	return domain.FileRecord{}, false
}

func (m *MemoryStore) countReferences(originalID string) int64 {
	var count int64
	for _, rec := range m.files {
		if rec.IsReference && rec.OriginalID == originalID {
			count++
		}
	}
	return count
}

func (m *MemoryStore) applyQuotaDelta(owner string, logicalDelta, actualDelta int64) {
	q := m.quotas[owner]
	q.Owner = owner
	q.LogicalBytes += logicalDelta
	q.ActualBytes += actualDelta
	q.UpdatedAt = time.Now().UTC()
	m.quotas[owner] = q
}

func (m *MemoryStore) addPosting(keyword, fileID string) bool {
	set, ok := m.postings[keyword]
	if !ok {
		set = make(map[string]struct{})
		m.postings[keyword] = set
	}
	if _, exists := set[fileID]; exists {
		return false
	}
	set[fileID] = struct{}{}
	return true
}

func (m *MemoryStore) removeFilePostings(fileID string) int {
	removed := 0
	for kw, set := range m.postings {
		if _, ok := set[fileID]; !ok {
			continue
		}
		delete(set, fileID)
		removed++
		if len(set) == 0 {
			delete(m.postings, kw)
		}
	}
	return removed
}

func (m *MemoryStore) searchFilesByKeywords(keywords []string, owner string) []domain.FileRecord {
	seen := make(map[string]struct{})
	var res []domain.FileRecord
	for _, kw := range keywords {
		for id := range m.postings[kw] {
			if _, dup := seen[id]; dup {
				continue
			}
			rec, ok := m.files[id]
			if !ok {
				continue
			}
			if owner != "" && rec.Owner != owner {
				continue
			}
			seen[id] = struct{}{}
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res
}

func (m *MemoryStore) listFilesByOwner(owner string) []domain.FileRecord {
	var res []domain.FileRecord
	for _, rec := range m.files {
		if rec.Owner == owner {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res
}

func (m *MemoryStore) deleteFile(id string) error {
	rec, ok := m.files[id]
	if !ok {
		return nil
	}
	if !rec.IsReference {
		if count := m.countReferences(id); count > 0 {
			return &domain.ReferencesExistError{FileID: id, Count: count}
		}
	}
	delete(m.files, id)
	return nil
}

func (m *MemoryStore) listFileTypes(owner string) []string {
	set := make(map[string]struct{})
	for _, rec := range m.files {
		if rec.Owner == owner && rec.DeclaredType != "" {
			set[rec.DeclaredType] = struct{}{}
		}
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (m *MemoryStore) listFileIDs() []string {
	records := make([]domain.FileRecord, 0, len(m.files))
	for _, rec := range m.files {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}

func (m *MemoryStore) dedupStats() domain.DedupStats {
	var stats domain.DedupStats
	for _, rec := range m.files {
		stats.TotalFiles++
		stats.LogicalBytes += rec.Size
		if rec.IsReference {
			stats.ReferenceFiles++
		} else {
			stats.OriginalFiles++
			stats.ActualBytes += rec.Size
		}
	}
	if stats.LogicalBytes > stats.ActualBytes {
		stats.SavedBytes = stats.LogicalBytes - stats.ActualBytes
	}
	if stats.TotalFiles > 0 {
		stats.DeduplicationRatio = float64(stats.ReferenceFiles) / float64(stats.TotalFiles)
	}
	if stats.LogicalBytes > 0 {
		stats.SavingsPercentage = float64(stats.SavedBytes) / float64(stats.LogicalBytes) * 100
	}
	return stats
}

// Locked public methods.

func (m *MemoryStore) CreateFile(ctx context.Context, rec domain.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createFile(rec)
}

func (m *MemoryStore) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.getFile(id)
	return rec, ok, nil
}

func (m *MemoryStore) GetFileForUpdate(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	return m.GetFile(ctx, id)
}

func (m *MemoryStore) FindOriginalByDigest(ctx context.Context, digest string) (domain.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.findOriginalByDigest(digest)
	return rec, ok, nil
}

func (m *MemoryStore) CountReferences(ctx context.Context, originalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countReferences(originalID), nil
}

func (m *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFile(id)
}

func (m *MemoryStore) ListFilesByOwner(ctx context.Context, owner string) ([]domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listFilesByOwner(owner), nil
}

func (m *MemoryStore) ListFileTypes(ctx context.Context, owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listFileTypes(owner), nil
}

func (m *MemoryStore) ListFileIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listFileIDs(), nil
}

func (m *MemoryStore) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dedupStats(), nil
}

func (m *MemoryStore) GetQuota(ctx context.Context, owner string) (domain.UserQuota, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[owner]
	return q, ok, nil
}

func (m *MemoryStore) ApplyQuotaDelta(ctx context.Context, owner string, logicalDelta, actualDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyQuotaDelta(owner, logicalDelta, actualDelta)
	return nil
}

func (m *MemoryStore) AddPosting(ctx context.Context, keyword, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addPosting(keyword, fileID), nil
}

func (m *MemoryStore) RemoveFilePostings(ctx context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeFilePostings(fileID), nil
}

func (m *MemoryStore) SearchFilesByKeywords(ctx context.Context, keywords []string, owner string) ([]domain.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchFilesByKeywords(keywords, owner), nil
}

func (m *MemoryStore) KeywordCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.postings)), nil
}

// Transactional view methods. The lock is held by WithinTx.

func (t *memTx) WithinTx(ctx context.Context, fn func(tx MetadataStore) error) error {
	// Already inside the atomic unit.
	return fn(t)
}

func (t *memTx) CreateFile(ctx context.Context, rec domain.FileRecord) error {
	return t.s.createFile(rec)
}

func (t *memTx) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	rec, ok := t.s.getFile(id)
	return rec, ok, nil
}

func (t *memTx) GetFileForUpdate(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	return t.GetFile(ctx, id)
}

func (t *memTx) FindOriginalByDigest(ctx context.Context, digest string) (domain.FileRecord, bool, error) {
	rec, ok := t.s.findOriginalByDigest(digest)
	return rec, ok, nil
}

func (t *memTx) CountReferences(ctx context.Context, originalID string) (int64, error) {
	return t.s.countReferences(originalID), nil
}

func (t *memTx) DeleteFile(ctx context.Context, id string) error {
	return t.s.deleteFile(id)
}

func (t *memTx) ListFilesByOwner(ctx context.Context, owner string) ([]domain.FileRecord, error) {
	return t.s.listFilesByOwner(owner), nil
}

func (t *memTx) ListFileTypes(ctx context.Context, owner string) ([]string, error) {
	return t.s.listFileTypes(owner), nil
}

func (t *memTx) ListFileIDs(ctx context.Context) ([]string, error) {
	return t.s.listFileIDs(), nil
}

func (t *memTx) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	return t.s.dedupStats(), nil
}

func (t *memTx) GetQuota(ctx context.Context, owner string) (domain.UserQuota, bool, error) {
	q, ok := t.s.quotas[owner]
	return q, ok, nil
}

func (t *memTx) ApplyQuotaDelta(ctx context.Context, owner string, logicalDelta, actualDelta int64) error {
	t.s.applyQuotaDelta(owner, logicalDelta, actualDelta)
	return nil
}

func (t *memTx) AddPosting(ctx context.Context, keyword, fileID string) (bool, error) {
	return t.s.addPosting(keyword, fileID), nil
}

func (t *memTx) RemoveFilePostings(ctx context.Context, fileID string) (int, error) {
	return t.s.removeFilePostings(fileID), nil
}

func (t *memTx) SearchFilesByKeywords(ctx context.Context, keywords []string, owner string) ([]domain.FileRecord, error) {
	return t.s.searchFilesByKeywords(keywords, owner), nil
}

func (t *memTx) KeywordCount(ctx context.Context) (int64, error) {
	return int64(len(t.s.postings)), nil
}
