package store

import (
	"context"
	"errors"

	"filevault/pkg/domain"
)

var (
	// ErrDigestConflict is returned by CreateFile when a non-reference record
	// with the same content digest already exists. The caller re-runs its
	// lookup and admits the upload as a reference instead.
	ErrDigestConflict = errors.New("non-reference record with digest already exists")

	// ErrOriginalVanished is returned when a reference insert races a delete
	// of its original. The caller retries the whole admit decision.
	ErrOriginalVanished = errors.New("referenced original no longer exists")
)

// MetadataStore persists file records, per-owner quota rows, and keyword
// postings. Implementations must make WithinTx a single atomic unit and keep
// ApplyQuotaDelta free of lost updates under concurrency.
type MetadataStore interface {
	// WithinTx runs fn against a transactional view of the store. Returning
	// an error rolls back every change made through tx.
	WithinTx(ctx context.Context, fn func(tx MetadataStore) error) error

	// files
	CreateFile(ctx context.Context, rec domain.FileRecord) error
	GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error)
	// GetFileForUpdate locks the row for the rest of the enclosing
	// transaction. Outside a transaction it behaves like GetFile.
	GetFileForUpdate(ctx context.Context, id string) (domain.FileRecord, bool, error)
	FindOriginalByDigest(ctx context.Context, digest string) (domain.FileRecord, bool, error)
	CountReferences(ctx context.Context, originalID string) (int64, error)
	DeleteFile(ctx context.Context, id string) error
	ListFilesByOwner(ctx context.Context, owner string) ([]domain.FileRecord, error)
	// ListFileTypes returns the distinct declared content types among owner's
	// files, sorted, omitting records with no declared type.
	ListFileTypes(ctx context.Context, owner string) ([]string, error)
	ListFileIDs(ctx context.Context) ([]string, error)
	DedupStats(ctx context.Context) (domain.DedupStats, error)

	// quota
	GetQuota(ctx context.Context, owner string) (domain.UserQuota, bool, error)
	// ApplyQuotaDelta atomically adjusts both counters for owner, creating
	// the row when absent. Deltas may be negative.
	ApplyQuotaDelta(ctx context.Context, owner string, logicalDelta, actualDelta int64) error

	// keyword postings
	// AddPosting records fileID under keyword, creating the posting when the
	// keyword is new. It reports whether the pair was newly added.
	AddPosting(ctx context.Context, keyword, fileID string) (bool, error)
	// RemoveFilePostings removes fileID from every posting containing it and
	// deletes postings that become empty. It returns the number of postings
	// the file was removed from.
	RemoveFilePostings(ctx context.Context, fileID string) (int, error)
	SearchFilesByKeywords(ctx context.Context, keywords []string, owner string) ([]domain.FileRecord, error)
	KeywordCount(ctx context.Context) (int64, error)
}
