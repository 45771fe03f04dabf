package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/roach88/canary/internal/backend"
	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
	"github.com/roach88/canary/internal/retry"
	"github.com/roach88/canary/internal/wait"
)

// Classify maps backend and chain errors onto retry decisions.
//
//	401                          → reauthenticate and retry
//	403 404 408 425 429 5xx      → retry
//	network errors, timeouts     → retry
//	"pending" operation messages → paced retry on the conflict schedule
//	everything else              → fatal
func Classify(err error) retry.Classification {
	if err == nil {
		return retry.Classification{}
	}
	if errors.Is(err, context.Canceled) || engine.IsInvariantViolation(err) || wait.IsTimeout(err) {
		return retry.Classification{}
	}
	// An expired session is refreshed whatever the message says.
	code := backend.StatusCode(err)
	if code == http.StatusUnauthorized {
		return retry.Classification{Retryable: true, NeedsReauth: true}
	}
	if engine.IsDomainConflict(err) || isPending(err) {
		return retry.Classification{Retryable: true, Paced: true}
	}

	var txErr *chain.TxError
	if errors.As(err, &txErr) {
		return retry.Classification{}
	}

	switch {
	case code == http.StatusForbidden,
		code == http.StatusNotFound,
		code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500 && code <= 599:
		return retry.Classification{Retryable: true}
	case code != 0:
		return retry.Classification{}
	}

	if isNetwork(err) || engine.KindOf(err) == engine.KindTransient {
		return retry.Classification{Retryable: true}
	}
	return retry.Classification{}
}

// isPending reports messages for operations blocked by the network's own
// pending work, e.g. "bucket has pending storage requests".
func isPending(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "pending")
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
