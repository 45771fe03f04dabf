// Package backend is the HTTP client for the storage-provider backend.
//
// The client holds no session state of its own: the bearer token is read
// through an accessor supplied at construction, so whoever owns the session
// (the run context) can replace it without touching the client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to one backend instance.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	session func() string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSession injects the bearer token accessor.
func WithSession(token func() string) Option {
	return func(c *Client) { c.session = token }
}

// WithRateLimit paces requests to rps with the given burst. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		session: func() string { return "" },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "backend")
	return c, nil
}

// Health returns the backend health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Challenge requests a sign-in message for address.
func (c *Client) Challenge(ctx context.Context, address string) (Challenge, error) {
	var ch Challenge
	err := c.doJSON(ctx, http.MethodPost, "/auth/nonce", map[string]string{"address": address}, &ch)
	return ch, err
}

// Verify exchanges a signed challenge for a session.
func (c *Client) Verify(ctx context.Context, message, signature string) (Session, error) {
	var s Session
	err := c.doJSON(ctx, http.MethodPost, "/auth/verify", map[string]string{
		"message":   message,
		"signature": signature,
	}, &s)
	return s, err
}

// ListBuckets returns the caller's buckets.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var out []Bucket
	err := c.doJSON(ctx, http.MethodGet, "/buckets", nil, &out)
	return out, err
}

// GetBucket returns one bucket; a missing bucket matches ErrNotFound.
func (c *Client) GetBucket(ctx context.Context, id string) (Bucket, error) {
	var b Bucket
	err := c.doJSON(ctx, http.MethodGet, "/buckets/"+url.PathEscape(id), nil, &b)
	return b, err
}

// UploadFile sends one file as multipart form data.
func (c *Client) UploadFile(ctx context.Context, req UploadRequest) (UploadResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("owner", req.Owner); err != nil {
		return UploadResult{}, err
	}
	if err := w.WriteField("location", req.Location); err != nil {
		return UploadResult{}, err
	}
	part, err := w.CreateFormFile("file", req.FileKey)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(req.Data); err != nil {
		return UploadResult{}, err
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, err
	}

	path := fmt.Sprintf("/buckets/%s/upload/%s", url.PathEscape(req.BucketID), url.PathEscape(req.FileKey))
	resp, err := c.do(ctx, http.MethodPut, path, &body, w.FormDataContentType())
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// GetFileInfo returns the backend's record of a file.
func (c *Client) GetFileInfo(ctx context.Context, bucketID, fileKey string) (FileInfo, error) {
	var fi FileInfo
	path := fmt.Sprintf("/buckets/%s/info/%s", url.PathEscape(bucketID), url.PathEscape(fileKey))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &fi)
	return fi, err
}

// DownloadFile returns the file content. The caller closes the reader.
func (c *Client) DownloadFile(ctx context.Context, fileKey string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/download/"+url.PathEscape(fileKey), nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do sends a request and returns the response for 2xx statuses; other
// statuses become *StatusError with the body message.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.session(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, &StatusError{
		Status:  resp.StatusCode,
		Method:  method,
		Path:    path,
		Message: readMessage(resp.Body),
	}
}

// readMessage extracts {"message": ...} or {"error": ...} from an error body,
// falling back to the raw text.
func readMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
