// Package search maintains the inverted keyword index over extracted file
// content and answers keyword queries with OR semantics.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"filevault/pkg/domain"
	"filevault/pkg/store"
)

const (
	DefaultMinWordLength = 3
	DefaultMaxWordLength = 50
)

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// Config tunes keyword extraction.
type Config struct {
	MinWordLength int
	MaxWordLength int
	StopWords     []string
}

// Index is the keyword index over a metadata store's postings.
type Index struct {
	store     store.MetadataStore
	minLen    int
	maxLen    int
	stopWords map[string]struct{}
	logger    *slog.Logger
}

func NewIndex(s store.MetadataStore, cfg Config, logger *slog.Logger) *Index {
	if cfg.MinWordLength <= 0 {
		cfg.MinWordLength = DefaultMinWordLength
	}
	if cfg.MaxWordLength <= 0 {
		cfg.MaxWordLength = DefaultMaxWordLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	stop := make(map[string]struct{}, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		stop[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Index{
		store:     s,
		minLen:    cfg.MinWordLength,
		maxLen:    cfg.MaxWordLength,
		stopWords: stop,
		logger:    logger,
	}
}

// ExtractKeywords lowercases text, tokenizes it into maximal alphanumeric
// runs, and drops tokens outside the length bounds or in the stop-word set.
// The result is a deduplicated set.
func (i *Index) ExtractKeywords(text string) map[string]struct{} {
	keywords := make(map[string]struct{})
	if strings.TrimSpace(text) == "" {
		return keywords
	}
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(word) < i.minLen || len(word) > i.maxLen {
			continue
		}
		if _, stopped := i.stopWords[word]; stopped {
			continue
		}
		keywords[word] = struct{}{}
	}
	return keywords
}

// IndexFile extracts keywords from text and adds fileID to each keyword's
// posting. Re-indexing the same file and text is a no-op beyond the first
// run. A failure on one keyword is logged and skipped; the rest proceed.
// It returns the number of postings the file was newly added to.
func (i *Index) IndexFile(ctx context.Context, fileID, text string) (int, error) {
	keywords := i.ExtractKeywords(text)
	if len(keywords) == 0 {
		i.logger.Warn("no keywords extracted", "fileId", fileID)
		return 0, nil
	}
	indexed := 0
	for keyword := range keywords {
		added, err := i.store.AddPosting(ctx, keyword, fileID)
		if err != nil {
			i.logger.Error("failed to index keyword",
				"keyword", keyword, "fileId", fileID, "error", err)
			continue
		}
		if added {
			indexed++
		}
	}
	i.logger.Info("indexed file", "fileId", fileID, "keywords", indexed)
	return indexed, nil
}

// RemoveFile removes fileID from every posting containing it; postings that
// become empty are deleted. It returns the number of postings touched.
func (i *Index) RemoveFile(ctx context.Context, fileID string) (int, error) {
	removed, err := i.store.RemoveFilePostings(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("remove postings for %s: %w", fileID, err)
	}
	i.logger.Info("removed file from index", "fileId", fileID, "postings", removed)
	return removed, nil
}

// SearchByKeyword finds files whose content contains keyword, newest first.
// An empty owner matches every owner.
func (i *Index) SearchByKeyword(ctx context.Context, keyword, owner string) ([]domain.FileRecord, error) {
	return i.SearchByKeywords(ctx, []string{keyword}, owner)
}

// SearchByKeywords finds files matching any of the keywords (OR semantics),
// deduplicated, newest first.
func (i *Index) SearchByKeywords(ctx context.Context, keywords []string, owner string) ([]domain.FileRecord, error) {
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			normalized = append(normalized, k)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}
	recs, err := i.store.SearchFilesByKeywords(ctx, normalized, owner)
	if err != nil {
		return nil, fmt.Errorf("search by keywords: %w", err)
	}
	return recs, nil
}

// KeywordCount reports the number of live postings.
func (i *Index) KeywordCount(ctx context.Context) (int64, error) {
	return i.store.KeywordCount(ctx)
}
