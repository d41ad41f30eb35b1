package domain

import "time"

// FileRecord is the metadata for one upload. Exactly one non-reference
// record exists per content digest across the whole system; every other
// record with the same digest is a reference pointing directly at it.
type FileRecord struct {
	ID            string            `json:"id"`
	Owner         string            `json:"owner"`
	OriginalName  string            `json:"originalName"`
	DeclaredType  string            `json:"declaredType"`
	Size          int64             `json:"size"`
	ContentDigest string            `json:"contentDigest"`
	IsReference   bool              `json:"isReference"`
	OriginalID    string            `json:"originalId,omitempty"`
	StorageKey    string            `json:"-"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// UserQuota tracks storage usage for one owner. LogicalBytes is what the
// owner would consume with no deduplication and is what quota checks charge;
// ActualBytes accrues only for the owner's non-reference uploads.
type UserQuota struct {
	Owner        string    `json:"owner"`
	ActualBytes  int64     `json:"actualBytes"`
	LogicalBytes int64     `json:"logicalBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StorageStats is the per-owner usage report.
type StorageStats struct {
	Owner           string  `json:"owner"`
	ActualBytes     int64   `json:"actualBytes"`
	LogicalBytes    int64   `json:"logicalBytes"`
	QuotaLimit      int64   `json:"quotaLimit"`
	QuotaRemaining  int64   `json:"quotaRemaining"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// DedupStats summarizes deduplication effect across all files.
type DedupStats struct {
	TotalFiles         int64   `json:"totalFiles"`
	OriginalFiles      int64   `json:"originalFiles"`
	ReferenceFiles     int64   `json:"referenceFiles"`
	DeduplicationRatio float64 `json:"deduplicationRatio"`
	LogicalBytes       int64   `json:"logicalBytes"`
	ActualBytes        int64   `json:"actualBytes"`
	SavedBytes         int64   `json:"savedBytes"`
	SavingsPercentage  float64 `json:"savingsPercentage"`
}
