package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SequentialSubmitter issues transactions for one signing identity one at a
// time, in increasing nonce order.
//
// The mutex is held from nonce lookup until the hash is returned, so a second
// Submit never starts before the previous hash is recorded. Concurrent
// callers are serialized, never interleaved.
type SequentialSubmitter struct {
	client Client
	signer *Signer
	logger *slog.Logger

	mu        sync.Mutex
	nonce     uint64
	haveNonce bool
}

// NewSequentialSubmitter creates a submitter for signer's account.
func NewSequentialSubmitter(client Client, signer *Signer, logger *slog.Logger) *SequentialSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequentialSubmitter{
		client: client,
		signer: signer,
		logger: logger.With("component", "submitter", "account", signer.Account()),
	}
}

// Account returns the submitting account.
func (s *SequentialSubmitter) Account() string {
	return s.signer.Account()
}

// Submit signs call with the next nonce and submits it.
//
// On failure the cached nonce is dropped and re-read from the chain on the
// next call, since the remote may or may not have accepted it.
func (s *SequentialSubmitter) Submit(ctx context.Context, call Call) (TxHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveNonce {
		n, err := s.client.NextNonce(ctx, s.signer.Account())
		if err != nil {
			return "", fmt.Errorf("read nonce: %w", err)
		}
		s.nonce = n
		s.haveNonce = true
	}

	tx, err := s.signer.SignTx(call, s.nonce)
	if err != nil {
		return "", err
	}

	hash, err := s.client.SubmitTx(ctx, tx)
	if err != nil {
		s.haveNonce = false
		return "", fmt.Errorf("submit %s: %w", call, err)
	}

	s.logger.Debug("transaction submitted", "call", call.String(), "nonce", tx.Nonce, "hash", hash)
	s.nonce++
	return hash, nil
}
