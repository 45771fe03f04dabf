package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
)

// UploadHook lets a test fail an upload. attempt is 1 for the first upload of
// fileKey. A zero status lets the upload through.
type UploadHook func(fileKey string, attempt int) (status int, message string)

// FakeBackend is a chi-routed stand-in for the storage-provider backend,
// served by httptest. It indexes buckets and files from a FakeChain so the
// canary sees the same eventual consistency it sees in production.
type FakeBackend struct {
	Server *httptest.Server

	chain *FakeChain

	mu       sync.Mutex
	health   backend.Health
	sessions map[string]string
	nonces   map[string]string
	files    map[string]storedFile
	attempts map[string]int
	hook     UploadHook

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

type storedFile struct {
	bucketID string
	location string
	data     []byte
}

// NewFakeBackend starts a backend indexing c. It is closed with the test.
func NewFakeBackend(t *testing.T, c *FakeChain) *FakeBackend {
	t.Helper()
	b := &FakeBackend{
		chain: c,
		health: backend.Health{
			Status:  "healthy",
			Version: "fake",
			Components: map[string]backend.ComponentHealth{
				"database": {Status: "healthy"},
				"rpc":      {Status: "healthy"},
			},
		},
		sessions: make(map[string]string),
		nonces:   make(map[string]string),
		files:    make(map[string]storedFile),
		attempts: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/health", b.handleHealth)
	r.Post("/auth/nonce", b.handleNonce)
	r.Post("/auth/verify", b.handleVerify)
	r.Group(func(r chi.Router) {
		r.Use(b.requireSession)
		r.Get("/buckets", b.handleListBuckets)
		r.Get("/buckets/{bucketID}", b.handleGetBucket)
		r.Put("/buckets/{bucketID}/upload/{fileKey}", b.handleUpload)
		r.Get("/buckets/{bucketID}/info/{fileKey}", b.handleInfo)
		r.Get("/download/{fileKey}", b.handleDownload)
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the server base URL.
func (b *FakeBackend) URL() string {
	return b.Server.URL
}

// SetHealth replaces the health report.
func (b *FakeBackend) SetHealth(h backend.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = h
}

// SetUploadHook installs a hook consulted before each upload.
func (b *FakeBackend) SetUploadHook(h UploadHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

// ExpireSessions invalidates every issued token.
func (b *FakeBackend) ExpireSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.sessions)
}

// Sessions returns the number of live sessions.
func (b *FakeBackend) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// UploadAttempts returns how often fileKey was uploaded.
func (b *FakeBackend) UploadAttempts(fileKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[fileKey]
}

// Stored returns the number of stored files.
func (b *FakeBackend) Stored() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

// MaxInFlight returns the highest number of concurrent uploads observed.
func (b *FakeBackend) MaxInFlight() int {
	return int(b.maxInFlight.Load())
}

func (b *FakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	h := b.health
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, h)
}

func (b *FakeBackend) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	nonce := randomHex(8)
	msg := "Sign in to the storage network as " + req.Address + " with nonce " + nonce

	b.mu.Lock()
	b.nonces[msg] = req.Address
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.Challenge{Message: msg, Nonce: nonce})
}

func (b *FakeBackend) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.nonces[req.Message]
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown challenge")
		return
	}
	delete(b.nonces, req.Message)
	if !chain.Verify(addr, []byte(req.Message), req.Signature) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}
	token := randomHex(16)
	b.sessions[token] = addr
	writeJSON(w, http.StatusOK, backend.Session{Token: token, Address: addr})
}

func (b *FakeBackend) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		_, ok := b.sessions[token]
		b.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *FakeBackend) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []backend.Bucket{})
}

func (b *FakeBackend) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "bucketID")
	if !b.chain.HasState("providers.buckets", id) {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	b.mu.Lock()
	n := 0
	for _, f := range b.files {
		if f.bucketID == id {
			n++
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, backend.Bucket{ID: id, Name: id, FileCount: n})
}

func (b *FakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		old := b.maxInFlight.Load()
		if cur <= old || b.maxInFlight.CompareAndSwap(old, cur) {
			break
		}
	}

	bucketID := chi.URLParam(r, "bucketID")
	fileKey := chi.URLParam(r, "fileKey")

	b.mu.Lock()
	b.attempts[fileKey]++
	attempt := b.attempts[fileKey]
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		if status, msg := hook(fileKey, attempt); status != 0 {
			writeError(w, status, msg)
			return
		}
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b.mu.Lock()
	b.files[fileKey] = storedFile{bucketID: bucketID, location: r.FormValue("location"), data: data}
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, backend.UploadResult{Status: "uploaded", FileKey: fileKey})
}

func (b *FakeBackend) handleInfo(w http.ResponseWriter, r *http.Request) {
	fileKey := chi.URLParam(r, "fileKey")
	b.mu.Lock()
	f, ok := b.files[fileKey]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	status := "uploaded"
	if b.chain.HasState("fileSystem.files", fileKey) {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, backend.FileInfo{
		FileKey:  fileKey,
		BucketID: f.bucketID,
		Location: f.location,
		Size:     int64(len(f.data)),
		Status:   status,
	})
}

func (b *FakeBackend) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileKey := chi.URLParam(r, "fileKey")
	b.mu.Lock()
	f, ok := b.files[fileKey]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(f.data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
