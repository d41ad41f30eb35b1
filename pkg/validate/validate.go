// Package validate is the upload validation gate: size ceiling, filename
// safety, extension allow-list, and best-effort content/extension
// consistency via magic-byte sniffing.
package validate

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"filevault/pkg/domain"
)

// DefaultMaxFileSize caps uploads at 10 MB.
const DefaultMaxFileSize = 10 * 1024 * 1024

// SniffSampleSize is how many leading bytes the sniffer needs at most.
const SniffSampleSize = 512

// Sniffer detects a MIME type from leading content bytes. An empty return
// means the sniffer could not tell, and the content check is skipped.
type Sniffer func(sample []byte) string

// AllowedExtensions is the allow-list grouped by category. Everything not
// listed is rejected by default.
var AllowedExtensions = map[string][]string{
	"image":        {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".ico", ".svg"},
	"document":     {".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt"},
	"spreadsheet":  {".xls", ".xlsx", ".csv", ".ods"},
	"presentation": {".ppt", ".pptx", ".odp"},
	"archive":      {".zip", ".rar", ".7z", ".tar", ".gz", ".bz2"},
	"video":        {".mp4", ".avi", ".mov", ".wmv", ".flv", ".mkv", ".webm"},
	"audio":        {".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a"},
	"data":         {".json", ".xml", ".yaml", ".yml"},
	"code":         {".md", ".log"},
}

// ExpectedMIMETypes maps an extension to the sniffed types accepted for it.
// Office and OpenDocument formats are zip containers, so the container type
// is accepted alongside the canonical one.
var ExpectedMIMETypes = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".bmp":  {"image/bmp", "image/x-ms-bmp"},
	".webp": {"image/webp"},
	".ico":  {"image/x-icon", "image/vnd.microsoft.icon"},
	".svg":  {"image/svg+xml", "text/xml", "text/plain"},

	".pdf":  {"application/pdf"},
	".doc":  {"application/msword", "application/x-ole-storage"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	".txt":  {"text/plain"},
	".rtf":  {"application/rtf", "text/rtf", "text/plain"},
	".odt":  {"application/vnd.oasis.opendocument.text", "application/zip"},

	".xls":  {"application/vnd.ms-excel", "application/x-ole-storage"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/zip"},
	".csv":  {"text/csv", "text/plain", "application/csv"},
	".ods":  {"application/vnd.oasis.opendocument.spreadsheet", "application/zip"},

	".ppt":  {"application/vnd.ms-powerpoint", "application/x-ole-storage"},
	".pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation", "application/zip"},
	".odp":  {"application/vnd.oasis.opendocument.presentation", "application/zip"},

	".zip": {"application/zip", "application/x-zip-compressed"},
	".rar": {"application/x-rar-compressed", "application/vnd.rar"},
	".7z":  {"application/x-7z-compressed"},
	".tar": {"application/x-tar"},
	".gz":  {"application/gzip", "application/x-gzip"},
	".bz2": {"application/x-bzip2"},

	".mp4":  {"video/mp4"},
	".avi":  {"video/x-msvideo", "video/avi"},
	".mov":  {"video/quicktime"},
	".wmv":  {"video/x-ms-wmv", "video/x-ms-asf"},
	".flv":  {"video/x-flv"},
	".mkv":  {"video/x-matroska", "video/webm"},
	".webm": {"video/webm"},

	".mp3":  {"audio/mpeg"},
	".wav":  {"audio/wav", "audio/x-wav", "audio/wave"},
	".flac": {"audio/flac", "audio/x-flac"},
	".aac":  {"audio/aac"},
	".ogg":  {"audio/ogg", "application/ogg"},
	".m4a":  {"audio/mp4", "audio/x-m4a"},

	".json": {"application/json", "text/plain"},
	".xml":  {"application/xml", "text/xml", "text/plain"},
	".yaml": {"text/yaml", "text/x-yaml", "application/x-yaml", "text/plain"},
	".yml":  {"text/yaml", "text/x-yaml", "application/x-yaml", "text/plain"},

	".md":  {"text/markdown", "text/plain"},
	".log": {"text/plain"},
}

// Windows device names are rejected regardless of extension.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Gate validates uploads before any bytes are admitted.
type Gate struct {
	maxFileSize int64
	allowedExts map[string]struct{}
	expected    map[string][]string
	sniff       Sniffer
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxFileSize overrides the size ceiling.
func WithMaxFileSize(n int64) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxFileSize = n
		}
	}
}

// WithSniffer replaces the content sniffer. Passing nil disables content
// checking entirely (best-effort contract).
func WithSniffer(s Sniffer) Option {
	return func(g *Gate) { g.sniff = s }
}

// NewGate builds a gate with the default allow-list and the stdlib
// content sniffer.
func NewGate(opts ...Option) *Gate {
	allowed := make(map[string]struct{})
	for _, exts := range AllowedExtensions {
		for _, ext := range exts {
			allowed[ext] = struct{}{}
		}
	}
	g := &Gate{
		maxFileSize: DefaultMaxFileSize,
		allowedExts: allowed,
		expected:    ExpectedMIMETypes,
		sniff:       DetectContentType,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// DetectContentType sniffs a MIME type from leading bytes. It reports
// nothing for content it cannot classify so the gate can skip the check
// rather than reject.
func DetectContentType(sample []byte) string {
	if len(sample) == 0 {
		return ""
	}
	detected := http.DetectContentType(sample)
	detected = strings.ToLower(strings.TrimSpace(strings.SplitN(detected, ";", 2)[0]))
	if detected == "application/octet-stream" {
		return ""
	}
	return detected
}

// Validate runs all checks in order; the first failure wins.
// contentSample carries the leading bytes of the upload (SniffSampleSize is
// enough) and may be nil when no content is available.
func (g *Gate) Validate(filename, declaredType string, size int64, contentSample []byte) error {
	if err := g.validateSize(size); err != nil {
		return err
	}
	if err := g.validateFilename(filename); err != nil {
		return err
	}
	if err := g.validateExtension(filename); err != nil {
		return err
	}
	return g.validateContent(filename, size, contentSample)
}

func (g *Gate) validateSize(size int64) error {
	if size > g.maxFileSize {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"file size (%s) exceeds maximum allowed size (%s)",
			domain.FormatBytes(size), domain.FormatBytes(g.maxFileSize))}
	}
	return nil
}

func (g *Gate) validateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return &domain.ValidationError{Reason: "filename cannot be empty"}
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return &domain.ValidationError{Reason: "filename contains invalid characters"}
	}
	if len(filename) > 255 {
		return &domain.ValidationError{Reason: "filename is too long (maximum 255 characters)"}
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if _, reserved := reservedNames[strings.ToUpper(base)]; reserved {
		return &domain.ValidationError{Reason: fmt.Sprintf("filename %q is reserved and not allowed", filename)}
	}
	return nil
}

func (g *Gate) validateExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := g.allowedExts[ext]; !ok {
		return &domain.ValidationError{Reason: fmt.Sprintf("file extension %q is not supported", ext)}
	}
	return nil
}

func (g *Gate) validateContent(filename string, size int64, sample []byte) error {
	// Empty files have no content to sniff.
	if size == 0 || g.sniff == nil {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	expected, ok := g.expected[ext]
	if !ok {
		return nil
	}
	detected := g.sniff(sample)
	if detected == "" {
		return nil
	}
	for _, mime := range expected {
		if detected == mime {
			return nil
		}
	}
	return &domain.ValidationError{Reason: fmt.Sprintf(
		"file content type mismatch: %q appears to be %q but has extension %q",
		filename, detected, ext)}
}
