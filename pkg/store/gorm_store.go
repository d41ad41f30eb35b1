package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"filevault/internal/util"
	"filevault/pkg/domain"
)

const migrateLockID int64 = 48234823

// GormStore implements MetadataStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&FileModel{}, &UserQuotaModel{}, &KeywordModel{}, &KeywordFileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// One non-reference record per digest, system-wide. Concurrent
		// uploads of identical content race on this index; the loser sees
		// ErrDigestConflict and retries as a reference.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_original_digest
			ON file_models (content_digest)
			WHERE NOT is_reference;
		`).Error; err != nil {
			return fmt.Errorf("create original digest index: %w", err)
		}
		// References must never outlive their original; deletion of an
		// original with live references is rejected at the engine level and
		// backstopped here.
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'file_models'
					AND constraint_name = 'file_models_original_id_fkey'
				) THEN
					ALTER TABLE file_models
					ADD CONSTRAINT file_models_original_id_fkey
					FOREIGN KEY (original_id) REFERENCES file_models(id) ON DELETE RESTRICT;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'keyword_file_models'
					AND constraint_name = 'keyword_file_models_keyword_id_fkey'
				) THEN
					ALTER TABLE keyword_file_models
					ADD CONSTRAINT keyword_file_models_keyword_id_fkey
					FOREIGN KEY (keyword_id) REFERENCES keyword_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithinTx runs fn in a database transaction.
func (s *GormStore) WithinTx(ctx context.Context, fn func(tx MetadataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// CreateFile inserts a record. The partial unique index on originals turns a
// lost first-writer race into ErrDigestConflict.
func (s *GormStore) CreateFile(ctx context.Context, rec domain.FileRecord) error {
	model := fileToModel(rec)
	err := s.db.WithContext(ctx).Create(&model).Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey) && !rec.IsReference:
		return ErrDigestConflict
	case errors.Is(err, gorm.ErrForeignKeyViolated) && rec.IsReference:
		return ErrOriginalVanished
	default:
		return fmt.Errorf("create file record: %w", err)
	}
}

// GetFile retrieves a record by ID.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	return s.getFile(ctx, id, false)
}

// GetFileForUpdate retrieves a record and locks its row for the rest of the
// enclosing transaction.
func (s *GormStore) GetFileForUpdate(ctx context.Context, id string) (domain.FileRecord, bool, error) {
	return s.getFile(ctx, id, true)
}

func (s *GormStore) getFile(ctx context.Context, id string, forUpdate bool) (domain.FileRecord, bool, error) {
	var model FileModel
	tx := s.db.WithContext(ctx)
	if forUpdate {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := tx.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	return fileFromModel(model), true, nil
}

// FindOriginalByDigest looks up the one non-reference record with the given
// digest, across all owners.
func (s *GormStore) FindOriginalByDigest(ctx context.Context, digest string) (domain.FileRecord, bool, error) {
	var model FileModel
	err := s.db.WithContext(ctx).
		Where("content_digest = ? AND NOT is_reference", digest).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	return fileFromModel(model), true, nil
}

// CountReferences returns the number of live references to originalID.
func (s *GormStore) CountReferences(ctx context.Context, originalID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("original_id = ?", originalID).
		Count(&count).Error
	return count, err
}

// DeleteFile removes a record. A reference can commit between the caller's
// reference count and this statement; the RESTRICT constraint then rejects
// the delete, which is reported as ReferencesExistError, not a driver error.
func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Delete(&FileModel{}, "id = ?", id).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		// The count query fails inside an already-aborted transaction; the
		// constraint firing proves at least one reference exists.
		count, cerr := s.CountReferences(ctx, id)
		if cerr != nil || count == 0 {
			count = 1
		}
		return &domain.ReferencesExistError{FileID: id, Count: count}
	}
	return err
}

// ListFilesByOwner returns an owner's records, newest first.
func (s *GormStore) ListFilesByOwner(ctx context.Context, owner string) ([]domain.FileRecord, error) {
	var models []FileModel
	if err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FileRecord, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// ListFileTypes returns the distinct declared content types among owner's
// files.
func (s *GormStore) ListFileTypes(ctx context.Context, owner string) ([]string, error) {
	var types []string
	if err := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("owner = ? AND declared_type <> ''", owner).
		Distinct("declared_type").
		Order("declared_type ASC").
		Pluck("declared_type", &types).Error; err != nil {
		return nil, err
	}
	return types, nil
}

// ListFileIDs returns every record ID, for maintenance reindexing.
func (s *GormStore) ListFileIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&FileModel{}).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// DedupStats aggregates system-wide deduplication figures.
func (s *GormStore) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	var row struct {
		TotalFiles    int64
		OriginalFiles int64
		LogicalBytes  int64
		ActualBytes   int64
	}
	err := s.db.WithContext(ctx).Model(&FileModel{}).
		Select(`
			COUNT(*) AS total_files,
			COUNT(*) FILTER (WHERE NOT is_reference) AS original_files,
			COALESCE(SUM(size), 0) AS logical_bytes,
			COALESCE(SUM(size) FILTER (WHERE NOT is_reference), 0) AS actual_bytes
		`).
		Scan(&row).Error
	if err != nil {
		return domain.DedupStats{}, err
	}
	stats := domain.DedupStats{
		TotalFiles:     row.TotalFiles,
		OriginalFiles:  row.OriginalFiles,
		ReferenceFiles: row.TotalFiles - row.OriginalFiles,
		LogicalBytes:   row.LogicalBytes,
		ActualBytes:    row.ActualBytes,
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
	return stats, nil
}

// GetQuota returns the quota row for owner if it exists.
func (s *GormStore) GetQuota(ctx context.Context, owner string) (domain.UserQuota, bool, error) {
	var model UserQuotaModel
	if err := s.db.WithContext(ctx).First(&model, "owner = ?", owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserQuota{}, false, nil
		}
		return domain.UserQuota{}, false, err
	}
	return quotaFromModel(model), true, nil
}

// ApplyQuotaDelta adjusts both counters for owner in a single upsert, so
// concurrent updates for the same owner cannot lose increments.
func (s *GormStore) ApplyQuotaDelta(ctx context.Context, owner string, logicalDelta, actualDelta int64) error {
	now := time.Now().UTC()
	model := UserQuotaModel{
		Owner:        owner,
		LogicalBytes: logicalDelta,
		ActualBytes:  actualDelta,
		UpdatedAt:    now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner"}},
		DoUpdates: clause.Assignments(map[string]any{
			"logical_bytes": gorm.Expr("user_quota_models.logical_bytes + ?", logicalDelta),
			"actual_bytes":  gorm.Expr("user_quota_models.actual_bytes + ?", actualDelta),
			"updated_at":    now,
		}),
	}).Create(&model).Error
}

// AddPosting records fileID under keyword, creating the posting when needed.
func (s *GormStore) AddPosting(ctx context.Context, keyword, fileID string) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		kw := KeywordModel{ID: util.NewID(), Keyword: keyword, CreatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "keyword"}},
			DoNothing: true,
		}).Create(&kw).Error; err != nil {
			return fmt.Errorf("upsert keyword: %w", err)
		}
		var existing KeywordModel
		if err := tx.First(&existing, "keyword = ?", keyword).Error; err != nil {
			return fmt.Errorf("load keyword: %w", err)
		}
		posting := KeywordFileModel{KeywordID: existing.ID, FileID: fileID, CreatedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&posting)
		if res.Error != nil {
			return fmt.Errorf("insert posting: %w", res.Error)
		}
		added = res.RowsAffected > 0
		return nil
	})
	return added, err
}

// RemoveFilePostings drops fileID from every posting and deletes postings
// left empty.
func (s *GormStore) RemoveFilePostings(ctx context.Context, fileID string) (int, error) {
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&KeywordFileModel{}, "file_id = ?", fileID)
		if res.Error != nil {
			return fmt.Errorf("delete postings: %w", res.Error)
		}
		removed = int(res.RowsAffected)
		if removed == 0 {
			return nil
		}
		if err := tx.Exec(`
			DELETE FROM keyword_models k
			WHERE NOT EXISTS (
				SELECT 1 FROM keyword_file_models p WHERE p.keyword_id = k.id
			)
		`).Error; err != nil {
			return fmt.Errorf("delete orphan keywords: %w", err)
		}
		return nil
	})
	return removed, err
}

// SearchFilesByKeywords returns the records containing any of the keywords,
// optionally filtered by owner. Keywords are expected normalized.
func (s *GormStore) SearchFilesByKeywords(ctx context.Context, keywords []string, owner string) ([]domain.FileRecord, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	var models []FileModel
	tx := s.db.WithContext(ctx).Model(&FileModel{}).Distinct("file_models.*").
		Joins("JOIN keyword_file_models p ON p.file_id = file_models.id").
		Joins("JOIN keyword_models k ON k.id = p.keyword_id").
		Where("k.keyword IN ?", keywords)
	if owner != "" {
		tx = tx.Where("file_models.owner = ?", owner)
	}
	if err := tx.Order("file_models.created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.FileRecord, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// KeywordCount returns the number of live postings.
func (s *GormStore) KeywordCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&KeywordModel{}).Count(&count).Error
	return count, err
}
