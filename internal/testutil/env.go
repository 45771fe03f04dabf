package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
)

// TestSeed is the signing seed used by every fake environment.
const TestSeed = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// Env is a fake chain and backend wired into a fresh RunContext.
type Env struct {
	Chain   *FakeChain
	Backend *FakeBackend
	Signer  *chain.Signer
	RC      *engine.RunContext
}

// NewEnv builds an environment for one run. Logging is discarded.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	logger := DiscardLogger()

	signer, err := chain.NewSignerFromSeed(TestSeed)
	require.NoError(t, err)

	fc := NewFakeChain()
	fb := NewFakeBackend(t, fc)

	rc := engine.NewRunContext("run-test", logger)
	rc.Network = "local"
	rc.Chain = fc
	rc.Signer = signer
	rc.Submitter = chain.NewSequentialSubmitter(fc, signer, logger)
	rc.Backend, err = backend.New(fb.URL(),
		backend.WithSession(rc.SessionToken),
		backend.WithRateLimit(0, 0),
		backend.WithLogger(logger))
	require.NoError(t, err)

	return &Env{Chain: fc, Backend: fb, Signer: signer, RC: rc}
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
