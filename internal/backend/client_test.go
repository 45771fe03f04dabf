package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", WithRateLimit(0, 0), WithSession(func() string { return "tok" }))
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	_, err = New("://nope")
	assert.Error(t, err)
}

func TestClient_SendsBearerToken(t *testing.T) {
	r := chi.NewRouter()
	var auth string
	r.Get("/buckets", func(w http.ResponseWriter, req *http.Request) {
		auth = req.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]Bucket{{ID: "0x1", Name: "canary-a"}})
	})
	c := newTestServer(t, r)

	buckets, err := c.ListBuckets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, []Bucket{{ID: "0x1", Name: "canary-a"}}, buckets)
}

func TestClient_StatusErrors(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/buckets/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"no such bucket"}`))
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	})
	c := newTestServer(t, r)

	_, err := c.GetBucket(context.Background(), "0x1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Contains(t, err.Error(), "no such bucket")

	_, err = c.Health(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "maintenance")
}

func TestClient_AuthFlow(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/auth/nonce", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		json.NewEncoder(w).Encode(Challenge{Message: "sign in as " + body["address"], Nonce: "n1"})
	})
	r.Post("/auth/verify", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "0xsig", body["signature"])
		json.NewEncoder(w).Encode(Session{Token: "jwt", Address: "0xabc"})
	})
	c := newTestServer(t, r)

	ch, err := c.Challenge(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "sign in as 0xabc", ch.Message)

	s, err := c.Verify(context.Background(), ch.Message, "0xsig")
	require.NoError(t, err)
	assert.Equal(t, "jwt", s.Token)
}

func TestClient_UploadAndDownload(t *testing.T) {
	r := chi.NewRouter()
	var stored []byte
	r.Put("/buckets/{bucketID}/upload/{fileKey}", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseMultipartForm(1<<20))
		assert.Equal(t, "0xowner", req.FormValue("owner"))
		assert.Equal(t, "canary/a.bin", req.FormValue("location"))
		f, _, err := req.FormFile("file")
		require.NoError(t, err)
		stored, _ = io.ReadAll(f)
		json.NewEncoder(w).Encode(UploadResult{Status: "upload_successful", FileKey: chi.URLParam(req, "fileKey")})
	})
	r.Get("/download/{fileKey}", func(w http.ResponseWriter, req *http.Request) {
		w.Write(stored)
	})
	c := newTestServer(t, r)

	res, err := c.UploadFile(context.Background(), UploadRequest{
		BucketID: "0xb", FileKey: "0xkey", Owner: "0xowner", Location: "canary/a.bin", Data: []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xkey", res.FileKey)

	rc, err := c.DownloadFile(context.Background(), "0xkey")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestClient_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Health{Status: "healthy"})
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithRateLimit(0.001, 1))
	require.NoError(t, err)

	_, err = c.Health(context.Background())
	require.NoError(t, err, "first request uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Health(ctx)
	assert.Error(t, err, "second request must wait far longer than the deadline")
}

func TestHealth_Unhealthy(t *testing.T) {
	h := Health{Components: map[string]ComponentHealth{
		"db":    {Status: "healthy"},
		"chain": {Status: "degraded"},
	}}
	assert.Equal(t, []string{"chain"}, h.Unhealthy())
}

func TestFileInfo_Ready(t *testing.T) {
	assert.True(t, FileInfo{Status: "ready"}.Ready())
	assert.False(t, FileInfo{Status: "in_progress"}.Ready())
}
