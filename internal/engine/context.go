package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
)

// ArtifactKey names a value produced by one stage for later stages.
type ArtifactKey string

// RunContext is the state threaded through every stage of one run.
//
// It is owned by the engine for the lifetime of the run. Stages mutate it one
// at a time; workers started inside a stage may read the connection handles
// and artifacts but never replace them.
//
// Artifacts are write-once. Asking for an artifact that was never written is
// an invariant violation: the stage order is wrong, and retrying will not help.
type RunContext struct {
	RunID   string
	Network string
	Profile string

	Chain     chain.Client
	Submitter *chain.SequentialSubmitter
	Signer    *chain.Signer
	Backend   *backend.Client
	Logger    *slog.Logger

	mu        sync.RWMutex
	session   *backend.Session
	artifacts map[ArtifactKey]any
}

// NewRunContext creates an empty context for runID.
func NewRunContext(runID string, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		RunID:     runID,
		Logger:    logger.With("run_id", runID),
		artifacts: make(map[ArtifactKey]any),
	}
}

// Session returns the current backend session, or nil before authentication.
func (rc *RunContext) Session() *backend.Session {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.session
}

// SessionToken returns the bearer token of the current session. It is the
// accessor injected into the backend client.
func (rc *RunContext) SessionToken() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.session == nil {
		return ""
	}
	return rc.session.Token
}

// SetSession replaces the backend session (initial login or reauthentication).
func (rc *RunContext) SetSession(s backend.Session) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.session = &s
}

// Put stores an artifact. Writing the same key twice is an invariant violation.
func (rc *RunContext) Put(key ArtifactKey, value any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.artifacts[key]; exists {
		return NewInvariantError("artifact "+string(key), "artifact already written")
	}
	rc.artifacts[key] = value
	return nil
}

// Has reports whether an artifact was written.
func (rc *RunContext) Has(key ArtifactKey) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.artifacts[key]
	return ok
}

// Keys returns the written artifact keys in sorted order.
func (rc *RunContext) Keys() []ArtifactKey {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	keys := make([]ArtifactKey, 0, len(rc.artifacts))
	for k := range rc.artifacts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Lookup returns an artifact if present and of type T.
func Lookup[T any](rc *RunContext, key ArtifactKey) (T, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.artifacts[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Require returns an artifact that an earlier stage must have produced.
// A missing or mistyped artifact is an invariant violation.
func Require[T any](rc *RunContext, key ArtifactKey) (T, error) {
	rc.mu.RLock()
	v, ok := rc.artifacts[key]
	rc.mu.RUnlock()

	var zero T
	if !ok {
		return zero, NewInvariantError("artifact "+string(key), "required artifact not present")
	}
	t, ok := v.(T)
	if !ok {
		return zero, NewInvariantError("artifact "+string(key), fmt.Sprintf("artifact has type %T", v))
	}
	return t, nil
}
