package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by 404 responses via errors.Is.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response normalised for error classification.
type StatusError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Is makes errors.Is(err, ErrNotFound) true for 404s.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// StatusCode returns the HTTP status of err, or 0 when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Health is the backend health report.
type Health struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth is the health of one backend component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Unhealthy returns the names of components not reporting "healthy".
func (h Health) Unhealthy() []string {
	var out []string
	for name, c := range h.Components {
		if c.Status != "healthy" {
			out = append(out, name)
		}
	}
	return out
}

// Challenge is the message a client must sign to authenticate.
type Challenge struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}

// Session is an authenticated backend session.
type Session struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

// Bucket is a storage bucket as indexed by the backend.
type Bucket struct {
	ID        string `json:"bucketId"`
	Name      string `json:"name"`
	Owner     string `json:"owner,omitempty"`
	FileCount int    `json:"fileCount"`
}

// UploadRequest describes one file upload.
type UploadRequest struct {
	BucketID string
	FileKey  string
	Owner    string
	Location string
	Data     []byte
}

// UploadResult is the backend's answer to an upload.
type UploadResult struct {
	Status  string `json:"status"`
	FileKey string `json:"fileKey"`
}

// FileInfo is the backend's record of a stored file.
type FileInfo struct {
	FileKey     string `json:"fileKey"`
	BucketID    string `json:"bucketId"`
	Location    string `json:"location"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
}

// Ready reports whether the file has been fully stored.
func (f FileInfo) Ready() bool {
	return f.Status == "ready"
}
