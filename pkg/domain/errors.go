package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no record exists for the given id/owner pair.
	ErrNotFound = errors.New("file not found")
)

// ValidationError is a rejected input. Never retried; the reason is safe to
// surface to the caller verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// QuotaExceededError reports a refused upload together with usage figures.
type QuotaExceededError struct {
	Owner         string
	CurrentUsage  int64
	Limit         int64
	CandidateSize int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded for %s: current usage %s, limit %s, file size %s",
		e.Owner, FormatBytes(e.CurrentUsage), FormatBytes(e.Limit), FormatBytes(e.CandidateSize))
}

// ReferencesExistError blocks deletion of an original that other records
// still point at.
type ReferencesExistError struct {
	FileID string
	Count  int64
}

func (e *ReferencesExistError) Error() string {
	return fmt.Sprintf("cannot delete file %s with %d references; all references must be deleted first", e.FileID, e.Count)
}

// TransientStorageError wraps a blob-store or extraction I/O failure that may
// succeed on retry.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage failure during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// IntegrityViolationError is a should-never-happen state, such as a reference
// whose original vanished. It is logged loudly and never silently swallowed.
type IntegrityViolationError struct {
	Detail string
}

func (e *IntegrityViolationError) Error() string {
	return "integrity violation: " + e.Detail
}

// FormatBytes renders a byte count in human-readable form ("1.5 MB").
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}
