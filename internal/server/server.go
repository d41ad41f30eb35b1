// Package server is the HTTP adapter over the application core. It maps
// typed domain failures to status codes and owns no business logic.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"filevault/internal/app"
	"filevault/internal/identity"
	"filevault/internal/ratelimit"
	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/validate"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing.
const maxMultipartMemory = 32 << 20

// multipartOverhead is headroom on top of the upload ceiling for multipart
// boundaries and part headers.
const multipartOverhead = 16 << 10

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Limiter *ratelimit.FixedWindowLimiter
	// MaxUploadBytes caps the request body on uploads before any of it is
	// buffered. Zero means the validation gate's default ceiling.
	MaxUploadBytes int64
}

// Server exposes the file vault HTTP endpoints.
type Server struct {
	app            *app.App
	limiter        *ratelimit.FixedWindowLimiter
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = validate.DefaultMaxFileSize
	}
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.Limiter,
		maxUploadBytes: maxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/files", s.withOwner(s.handleFiles))
	s.mux.Handle("/files/types", s.withOwner(s.handleFileTypes))
	s.mux.Handle("/files/", s.withOwner(s.handleFileByID))
	s.mux.Handle("/search", s.withOwner(s.handleSearch))
	s.mux.Handle("/stats/storage", s.withOwner(s.handleStorageStats))
	s.mux.HandleFunc("/stats/dedup", s.handleDedupStats)
	s.mux.HandleFunc("/admin/reindex", s.handleReindex)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := identity.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, owner)
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, owner string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, owner)
	case http.MethodGet:
		s.handleList(w, r, owner)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, owner string) {
	if s.limiter != nil && !s.limiter.Allow(owner) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	// Cut the body off at the upload ceiling before parsing buffers any of
	// it; an oversized request never gets read to completion.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "form field \"file\" is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	declaredType := header.Header.Get("Content-Type")
	rec, err := s.app.Upload(r.Context(), owner, header.Filename, declaredType, bytes.NewReader(data))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, owner string) {
	recs, err := s.app.List(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": recs})
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, owner string) {
	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.app.Get(r.Context(), owner, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.app.Delete(r.Context(), owner, id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "download" && r.Method == http.MethodGet:
		url, err := s.app.DownloadURL(r.Context(), owner, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFileTypes(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	types, err := s.app.FileTypes(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter \"q\" is required")
		return
	}
	keywords := strings.FieldsFunc(query, func(r rune) bool { return r == ',' || r == ' ' })
	recs, err := s.app.Search(r.Context(), owner, keywords)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": recs})
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.StorageStats(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.DedupStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	n, err := s.app.ReindexAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"scheduled": n})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		quotaErr      *domain.QuotaExceededError
		refsErr       *domain.ReferencesExistError
		transientErr  *domain.TransientStorageError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Reason)
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusRequestEntityTooLarge, quotaErr.Error())
	case errors.As(err, &refsErr):
		writeError(w, http.StatusConflict, refsErr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.As(err, &transientErr):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
