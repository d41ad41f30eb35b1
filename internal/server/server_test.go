package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"filevault/internal/app"
	"filevault/internal/identity"
	"filevault/pkg/domain"
	"filevault/pkg/queue"
	"filevault/pkg/store"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []queue.JobStatus
}

func (s *stubQueue) Enqueue(ctx context.Context, fileID, op string) (queue.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := queue.JobStatus{ID: fmt.Sprintf("job-%d", len(s.jobs)+1), FileID: fileID, Op: op}
	s.jobs = append(s.jobs, job)
	return job, nil
}

func (s *stubQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, queue.JobStatus) error) {
}

type stubBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *stubBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = b
	return nil
}

func (s *stubBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *stubBlobStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}

func (s *stubBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	appCore, err := app.New(app.Config{
		Store:      store.NewMemoryStore(),
		Blobs:      &stubBlobStore{data: make(map[string][]byte)},
		Queue:      &stubQueue{},
		QuotaLimit: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return New(Config{App: appCore}).Router()
}

func multipartUpload(t *testing.T, filename, body string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, h http.Handler, owner, filename, body string) *httptest.ResponseRecorder {
	t.Helper()
	buf, contentType := multipartUpload(t, filename, body)
	req := httptest.NewRequest(http.MethodPost, "/files", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(identity.OwnerHeader, owner)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUploadReturnsCreated(t *testing.T) {
	h := newTestServer(t)
	rr := doUpload(t, h, "alice", "notes.txt", "hello vault")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var rec domain.FileRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.Owner != "alice" || rec.OriginalName != "notes.txt" || rec.IsReference {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestUploadRequiresOwnerHeader(t *testing.T) {
	h := newTestServer(t)
	buf, contentType := multipartUpload(t, "notes.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/files", buf)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestUploadRejectsBadExtension(t *testing.T) {
	h := newTestServer(t)
	rr := doUpload(t, h, "alice", "malware.exe", "MZ")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDeleteOriginalWithReferenceConflicts(t *testing.T) {
	h := newTestServer(t)
	rr := doUpload(t, h, "alice", "a.txt", "shared bytes")
	var orig domain.FileRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &orig); err != nil {
		t.Fatalf("decode original: %v", err)
	}
	doUpload(t, h, "bob", "b.txt", "shared bytes")

	req := httptest.NewRequest(http.MethodDelete, "/files/"+orig.ID, nil)
	req.Header.Set(identity.OwnerHeader, "alice")
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	if del.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", del.Code, del.Body.String())
	}
}

func TestGetMissingFileReturnsNotFound(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/files/nope", nil)
	req.Header.Set(identity.OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestDownloadReturnsURL(t *testing.T) {
	h := newTestServer(t)
	rr := doUpload(t, h, "alice", "a.txt", "bytes to fetch")
	var rec domain.FileRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/"+rec.ID+"/download", nil)
	req.Header.Set(identity.OwnerHeader, "alice")
	dl := httptest.NewRecorder()
	h.ServeHTTP(dl, req)
	if dl.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", dl.Code, dl.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(dl.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["url"] == "" {
		t.Fatalf("expected presigned url, got %v", payload)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set(identity.OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

// countingReader tracks how much of the request body the handler consumed.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestUploadBodyCutOffAtCeiling(t *testing.T) {
	appCore, err := app.New(app.Config{
		Store:      store.NewMemoryStore(),
		Blobs:      &stubBlobStore{data: make(map[string][]byte)},
		Queue:      &stubQueue{},
		QuotaLimit: 64 << 20,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h := New(Config{App: appCore, MaxUploadBytes: 1 << 10}).Router()

	buf, contentType := multipartUpload(t, "big.txt", strings.Repeat("x", 8<<20))
	total := buf.Len()
	body := &countingReader{r: buf}
	req := httptest.NewRequest(http.MethodPost, "/files", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(identity.OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rr.Code, rr.Body.String())
	}
	if body.n >= total {
		t.Fatalf("handler consumed the whole %d-byte body", total)
	}
	if body.n > 64<<10 {
		t.Fatalf("handler read %d bytes past a %d-byte ceiling", body.n, 1<<10)
	}
}

func TestFileTypesListsDistinctDeclaredTypes(t *testing.T) {
	h := newTestServer(t)
	doUpload(t, h, "alice", "notes.txt", "plain words")

	// A second upload with an explicit part content type.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="journal.md"`)
	hdr.Set("Content-Type", "text/markdown")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("# heading")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(identity.OwnerHeader, "alice")
	up := httptest.NewRecorder()
	h.ServeHTTP(up, req)
	if up.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", up.Code, up.Body.String())
	}

	list := func(owner string) []string {
		treq := httptest.NewRequest(http.MethodGet, "/files/types", nil)
		treq.Header.Set(identity.OwnerHeader, owner)
		trr := httptest.NewRecorder()
		h.ServeHTTP(trr, treq)
		if trr.Code != http.StatusOK {
			t.Fatalf("types status = %d: %s", trr.Code, trr.Body.String())
		}
		var payload map[string][]string
		if err := json.Unmarshal(trr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode types: %v", err)
		}
		return payload["types"]
	}

	types := list("alice")
	if len(types) != 2 || types[0] != "application/octet-stream" || types[1] != "text/markdown" {
		t.Fatalf("alice types = %v, want [application/octet-stream text/markdown]", types)
	}
	if other := list("bob"); len(other) != 0 {
		t.Fatalf("bob must not see alice's types, got %v", other)
	}
}

func TestStorageStats(t *testing.T) {
	h := newTestServer(t)
	doUpload(t, h, "alice", "a.txt", "counted")

	req := httptest.NewRequest(http.MethodGet, "/stats/storage", nil)
	req.Header.Set(identity.OwnerHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var stats domain.StorageStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.LogicalBytes != int64(len("counted")) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
