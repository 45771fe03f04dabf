// Package chain defines the narrow view of the coordination ledger that the
// canary needs.
//
// Everything protocol specific (encoding, RPC method names, subscription
// mechanics) lives behind Client. The rpc subpackage provides the JSON-RPC
// over WebSocket implementation; tests use testutil.FakeChain.
//
// Submission rule: transactions from one signing identity are issued strictly
// one at a time through SequentialSubmitter. Confirmation (AwaitReceipt,
// finalization, state queries) may run concurrently.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
)

// TxHash identifies a submitted transaction.
type TxHash string

// Call is a module call carried by a transaction.
type Call struct {
	Module string         `json:"module"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// String returns "module.name".
func (c Call) String() string {
	return c.Module + "." + c.Name
}

// Tx is a signed transaction ready for submission.
type Tx struct {
	Call      Call   `json:"call"`
	Account   string `json:"account"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// Receipt is the inclusion result of a transaction.
type Receipt struct {
	Hash        TxHash  `json:"hash"`
	Success     bool    `json:"success"`
	BlockNumber uint64  `json:"blockNumber"`
	BlockHash   string  `json:"blockHash,omitempty"`
	Error       string  `json:"error,omitempty"`
	Events      []Event `json:"events,omitempty"`
}

// Header is a block header as seen by the canary.
type Header struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Event is one entry of a block's event log.
type Event struct {
	Module string         `json:"module"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Field returns the named event field formatted as a string.
func (e Event) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Subscription is a stream of values that must be released with Unsubscribe.
//
// Unsubscribe is safe to call more than once; implementations release the
// remote subscription on the first call only.
type Subscription[T any] interface {
	C() <-chan T
	Err() <-chan error
	Unsubscribe()
}

// Client is the chain collaborator. All calls may fail transiently.
type Client interface {
	// FinalizedHead returns the latest finalized header.
	FinalizedHead(ctx context.Context) (Header, error)

	// NextNonce returns the next sequence number for account.
	NextNonce(ctx context.Context, account string) (uint64, error)

	// SubmitTx submits a signed transaction and returns its hash.
	SubmitTx(ctx context.Context, tx Tx) (TxHash, error)

	// AwaitReceipt blocks until the transaction is included.
	AwaitReceipt(ctx context.Context, hash TxHash) (Receipt, error)

	// SubscribeFinalizedHeads streams finalized headers, starting with the
	// current one.
	SubscribeFinalizedHeads(ctx context.Context) (Subscription[Header], error)

	// BlockEvents returns the event log of a block.
	BlockEvents(ctx context.Context, blockHash string) ([]Event, error)

	// QueryState reads one storage entry. found is false when the entry is absent.
	QueryState(ctx context.Context, path, key string) (value json.RawMessage, found bool, err error)

	// Close releases the connection.
	Close() error
}

// TxError reports a transaction that was included but failed.
type TxError struct {
	Call   string
	Hash   TxHash
	Reason string
}

// Error implements the error interface.
func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s (%s) failed: %s", e.Call, e.Hash, e.Reason)
}

// CheckReceipt converts a failed receipt into a TxError.
func CheckReceipt(call Call, r Receipt) error {
	if r.Success {
		return nil
	}
	return &TxError{Call: call.String(), Hash: r.Hash, Reason: r.Error}
}
