// Package app wires validation, quota, deduplication, storage, and indexing
// into the upload/delete/search operations the HTTP layer exposes.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"filevault/internal/util"
	"filevault/pkg/dedup"
	"filevault/pkg/domain"
	"filevault/pkg/extract"
	"filevault/pkg/hash"
	"filevault/pkg/queue"
	"filevault/pkg/quota"
	"filevault/pkg/search"
	"filevault/pkg/storage"
	"filevault/pkg/store"
	"filevault/pkg/validate"
)

// presignExpiry is how long download links stay valid.
const presignExpiry = 15 * time.Minute

// reindexConcurrency bounds parallel job submission during a full reindex.
const reindexConcurrency = 8

// JobQueue is the async boundary between the request path and indexing.
type JobQueue interface {
	Enqueue(ctx context.Context, fileID, op string) (queue.JobStatus, error)
	Start(ctx context.Context, concurrency int, handler func(context.Context, queue.JobStatus) error)
}

// Config holds the app's collaborators and tunables.
type Config struct {
	Store      store.MetadataStore
	Blobs      storage.ObjectStore
	Queue      JobQueue
	Gate       *validate.Gate
	Extractor  *extract.Extractor
	SearchCfg  search.Config
	QuotaLimit int64
	Logger     *slog.Logger
}

// App is the application core behind the HTTP handlers and the worker loop.
type App struct {
	store     store.MetadataStore
	blobs     storage.ObjectStore
	jobs      JobQueue
	gate      *validate.Gate
	extractor *extract.Extractor
	ledger    *quota.Ledger
	engine    *dedup.Engine
	index     *search.Index
	logger    *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("metadata store required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := cfg.Gate
	if gate == nil {
		gate = validate.NewGate()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	ledger := quota.NewLedger(cfg.Store, cfg.QuotaLimit)
	return &App{
		store:     cfg.Store,
		blobs:     cfg.Blobs,
		jobs:      cfg.Queue,
		gate:      gate,
		extractor: extractor,
		ledger:    ledger,
		engine:    dedup.NewEngine(cfg.Store, cfg.Blobs, ledger, logger),
		index:     search.NewIndex(cfg.Store, cfg.SearchCfg, logger),
		logger:    logger,
	}, nil
}

// Upload validates and stores one file for owner, deduplicating against
// existing content. Indexing happens asynchronously; a queue failure never
// rolls back the committed upload.
func (a *App) Upload(ctx context.Context, owner, filename, declaredType string, content io.ReadSeeker) (domain.FileRecord, error) {
	size, err := content.Seek(0, io.SeekEnd)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("measure upload: %w", err)
	}
	sample, err := readSniffSample(content)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("read content sample: %w", err)
	}
	if err := a.gate.Validate(filename, declaredType, size, sample); err != nil {
		return domain.FileRecord{}, err
	}
	if err := a.ledger.CheckQuota(ctx, owner, size); err != nil {
		return domain.FileRecord{}, err
	}
	digest, err := hash.DigestSeeker(content)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("hash upload: %w", err)
	}
	rec := domain.FileRecord{
		ID:            util.NewID(),
		Owner:         owner,
		OriginalName:  filename,
		DeclaredType:  declaredType,
		Size:          size,
		ContentDigest: digest,
		CreatedAt:     time.Now().UTC(),
	}
	stored, err := a.engine.AdmitUpload(ctx, rec, content)
	if err != nil {
		return domain.FileRecord{}, err
	}
	a.logger.Info("file uploaded",
		"fileId", stored.ID, "owner", owner, "size", size,
		"isReference", stored.IsReference, "digest", digest)

	if _, err := a.jobs.Enqueue(ctx, stored.ID, queue.OpIndex); err != nil {
		a.logger.Error("failed to enqueue index job", "fileId", stored.ID, "error", err)
	}
	return stored, nil
}

// Delete removes owner's file subject to the reference-count rule, then
// schedules removal of its postings.
func (a *App) Delete(ctx context.Context, owner, id string) error {
	if err := a.engine.DeleteFile(ctx, owner, id); err != nil {
		return err
	}
	a.logger.Info("file deleted", "fileId", id, "owner", owner)
	if _, err := a.jobs.Enqueue(ctx, id, queue.OpRemove); err != nil {
		a.logger.Error("failed to enqueue index removal", "fileId", id, "error", err)
	}
	return nil
}

// Get returns owner's file record by id.
func (a *App) Get(ctx context.Context, owner, id string) (domain.FileRecord, error) {
	rec, found, err := a.store.GetFile(ctx, id)
	if err != nil {
		return domain.FileRecord{}, err
	}
	if !found || rec.Owner != owner {
		return domain.FileRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// DownloadURL returns a short-lived link to the file's bytes. References
// resolve through their original's blob.
func (a *App) DownloadURL(ctx context.Context, owner, id string) (string, error) {
	rec, err := a.Get(ctx, owner, id)
	if err != nil {
		return "", err
	}
	key, err := a.engine.ResolveStorageKey(ctx, rec)
	if err != nil {
		return "", err
	}
	url, err := a.blobs.PresignGet(ctx, key, presignExpiry)
	if err != nil {
		return "", &domain.TransientStorageError{Op: "presign download", Err: err}
	}
	return url, nil
}

// List returns owner's files, newest first.
func (a *App) List(ctx context.Context, owner string) ([]domain.FileRecord, error) {
	return a.store.ListFilesByOwner(ctx, owner)
}

// FileTypes returns the distinct declared content types among owner's files.
func (a *App) FileTypes(ctx context.Context, owner string) ([]string, error) {
	return a.store.ListFileTypes(ctx, owner)
}

// Search finds owner's files containing any of the keywords.
func (a *App) Search(ctx context.Context, owner string, keywords []string) ([]domain.FileRecord, error) {
	return a.index.SearchByKeywords(ctx, keywords, owner)
}

// StorageStats reports owner's quota usage.
func (a *App) StorageStats(ctx context.Context, owner string) (domain.StorageStats, error) {
	return a.ledger.Stats(ctx, owner)
}

// DedupStats reports the system-wide deduplication effect.
func (a *App) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	return a.engine.Stats(ctx)
}

// ReindexAll schedules an index job for every stored file and returns the
// number scheduled.
func (a *App) ReindexAll(ctx context.Context) (int, error) {
	ids, err := a.store.ListFileIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := a.jobs.Enqueue(gctx, id, queue.OpIndex)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("schedule reindex: %w", err)
	}
	a.logger.Info("reindex scheduled", "files", len(ids))
	return len(ids), nil
}

// StartWorkers begins consuming index/remove jobs until ctx is canceled.
func (a *App) StartWorkers(ctx context.Context, concurrency int) {
	a.jobs.Start(ctx, concurrency, a.HandleJob)
}

// HandleJob processes one queued job. A returned error triggers the queue's
// bounded retry; a nil return acknowledges the job.
func (a *App) HandleJob(ctx context.Context, job queue.JobStatus) error {
	switch job.Op {
	case queue.OpRemove:
		_, err := a.index.RemoveFile(ctx, job.FileID)
		return err
	case queue.OpIndex:
		return a.indexJob(ctx, job)
	default:
		a.logger.Warn("dropping job with unknown op", "jobId", job.ID, "op", job.Op)
		return nil
	}
}

func (a *App) indexJob(ctx context.Context, job queue.JobStatus) error {
	rec, found, err := a.store.GetFile(ctx, job.FileID)
	if err != nil {
		return err
	}
	if !found {
		// Deleted before the job ran; nothing to index.
		return nil
	}
	if !a.extractor.Supported(rec.DeclaredType) {
		a.logger.Debug("skipping indexing for unsupported type",
			"fileId", rec.ID, "declaredType", rec.DeclaredType)
		return nil
	}
	key, err := a.engine.ResolveStorageKey(ctx, rec)
	if err != nil {
		return err
	}
	body, err := a.blobs.Get(ctx, key)
	if err != nil {
		return &domain.TransientStorageError{Op: "blob download", Err: err}
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return &domain.TransientStorageError{Op: "blob read", Err: err}
	}
	text, ok := a.extractor.Extract(data, rec.DeclaredType)
	if !ok {
		a.logger.Debug("no text extracted", "fileId", rec.ID)
		return nil
	}
	_, err = a.index.IndexFile(ctx, rec.ID, text)
	return err
}

func readSniffSample(content io.ReadSeeker) ([]byte, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	sample := make([]byte, validate.SniffSampleSize)
	n, err := io.ReadFull(content, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return sample[:n], nil
}
