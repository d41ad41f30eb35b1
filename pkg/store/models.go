package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"filevault/pkg/domain"
)

// GORM models used for persistence.
type FileModel struct {
	ID            string `gorm:"primaryKey"`
	Owner         string `gorm:"not null;index:idx_owner_created"`
	OriginalName  string `gorm:"not null"`
	DeclaredType  string
	Size          int64   `gorm:"not null"`
	ContentDigest string  `gorm:"not null;index"`
	IsReference   bool    `gorm:"not null"`
	OriginalID    *string `gorm:"index"`
	StorageKey    string
	Attributes    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_owner_created"`
}

type UserQuotaModel struct {
	Owner        string    `gorm:"primaryKey"`
	ActualBytes  int64     `gorm:"not null"`
	LogicalBytes int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type KeywordModel struct {
	ID        string    `gorm:"primaryKey"`
	Keyword   string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// KeywordFileModel is the explicit posting row: one keyword containing one
// file. A posting with no rows left does not exist.
type KeywordFileModel struct {
	KeywordID string    `gorm:"primaryKey"`
	FileID    string    `gorm:"primaryKey;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func fileToModel(rec domain.FileRecord) FileModel {
	model := FileModel{
		ID:            rec.ID,
		Owner:         rec.Owner,
		OriginalName:  rec.OriginalName,
		DeclaredType:  rec.DeclaredType,
		Size:          rec.Size,
		ContentDigest: rec.ContentDigest,
		IsReference:   rec.IsReference,
		StorageKey:    rec.StorageKey,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.OriginalID != "" {
		originalID := rec.OriginalID
		model.OriginalID = &originalID
	}
	if len(rec.Attributes) > 0 {
		if raw, err := json.Marshal(rec.Attributes); err == nil {
			model.Attributes = raw
		}
	}
	return model
}

func fileFromModel(model FileModel) domain.FileRecord {
	rec := domain.FileRecord{
		ID:            model.ID,
		Owner:         model.Owner,
		OriginalName:  model.OriginalName,
		DeclaredType:  model.DeclaredType,
		Size:          model.Size,
		ContentDigest: model.ContentDigest,
		IsReference:   model.IsReference,
		StorageKey:    model.StorageKey,
		CreatedAt:     model.CreatedAt,
	}
	if model.OriginalID != nil {
		rec.OriginalID = *model.OriginalID
	}
	if len(model.Attributes) > 0 {
		var attrs map[string]string
		if err := json.Unmarshal(model.Attributes, &attrs); err == nil {
			rec.Attributes = attrs
		}
	}
	return rec
}

func quotaFromModel(model UserQuotaModel) domain.UserQuota {
	return domain.UserQuota{
		Owner:        model.Owner,
		ActualBytes:  model.ActualBytes,
		LogicalBytes: model.LogicalBytes,
		UpdatedAt:    model.UpdatedAt,
	}
}
