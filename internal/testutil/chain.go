package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/canary/internal/chain"
)

// FakeChain is an in-memory chain.Client that models the storage network's
// file system module closely enough for the canary to run end to end.
//
// Every accepted transaction is included in its own block, which is finalized
// immediately and announced to head subscribers. Storage requests stay open
// until the next head subscription, which fulfills all of them in a new block.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeChain struct {
	mu       sync.Mutex
	head     uint64
	nonces   map[string]uint64
	txs      []chain.Tx
	receipts map[chain.TxHash]chain.Receipt
	blocks   map[string][]chain.Event
	state    map[string]json.RawMessage
	subs     map[int]*fakeSub
	nextSub  int
	buckets  int
	failures map[string][]string

	// Unsubscribed counts released head subscriptions.
	Unsubscribed int
}

// NewFakeChain creates a chain at block 1.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		head:     1,
		nonces:   make(map[string]uint64),
		receipts: make(map[chain.TxHash]chain.Receipt),
		blocks:   make(map[string][]chain.Event),
		state:    make(map[string]json.RawMessage),
		subs:     make(map[int]*fakeSub),
		failures: make(map[string][]string),
	}
}

// FailNext makes the next len(reasons) inclusions of call ("module.name") fail
// with the given receipt errors, in order.
func (c *FakeChain) FailNext(call string, reasons ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[call] = append(c.failures[call], reasons...)
}

// Txs returns every submitted transaction in submission order.
func (c *FakeChain) Txs() []chain.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chain.Tx, len(c.txs))
	copy(out, c.txs)
	return out
}

// Calls returns "module.name" of every submitted transaction.
func (c *FakeChain) Calls() []string {
	var out []string
	for _, tx := range c.Txs() {
		out = append(out, tx.Call.String())
	}
	return out
}

// SetState writes a storage entry.
func (c *FakeChain) SetState(path, key string, value any) {
	data, _ := json.Marshal(value)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[path+"/"+key] = data
}

// HasState reports whether a storage entry exists.
func (c *FakeChain) HasState(path, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.state[path+"/"+key]
	return ok
}

// FinalizedHead implements chain.Client.
func (c *FakeChain) FinalizedHead(ctx context.Context) (chain.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return header(c.head), nil
}

// NextNonce implements chain.Client.
func (c *FakeChain) NextNonce(ctx context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// SubmitTx implements chain.Client. The nonce must be exactly the account's
// next nonce, which is how a fake catches out-of-order submission.
func (c *FakeChain) SubmitTx(ctx context.Context, tx chain.Tx) (chain.TxHash, error) {
	payload, err := tx.SigningPayload()
	if err != nil {
		return "", err
	}
	if !chain.Verify(tx.Account, payload, tx.Signature) {
		return "", errors.New("bad signature")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if want := c.nonces[tx.Account]; tx.Nonce != want {
		return "", fmt.Errorf("invalid nonce %d, expected %d", tx.Nonce, want)
	}
	c.nonces[tx.Account]++
	c.txs = append(c.txs, tx)

	hash := chain.TxHash(fmt.Sprintf("0xtx%04d", len(c.txs)))
	events, reason := c.apply(tx)
	c.head++
	h := header(c.head)
	c.blocks[h.Hash] = events
	c.receipts[hash] = chain.Receipt{
		Hash:        hash,
		Success:     reason == "",
		BlockNumber: h.Number,
		BlockHash:   h.Hash,
		Error:       reason,
		Events:      events,
	}
	c.publish(h)
	return hash, nil
}

// apply executes a call against state. Called with mu held.
func (c *FakeChain) apply(tx chain.Tx) ([]chain.Event, string) {
	name := tx.Call.String()
	if queued := c.failures[name]; len(queued) > 0 {
		c.failures[name] = queued[1:]
		return nil, queued[0]
	}

	arg := func(k string) string { return fmt.Sprint(tx.Call.Args[k]) }
	set := func(path, key string, v any) {
		data, _ := json.Marshal(v)
		c.state[path+"/"+key] = data
	}
	del := func(path, key string) { delete(c.state, path+"/"+key) }
	has := func(path, key string) bool { _, ok := c.state[path+"/"+key]; return ok }

	switch name {
	case "fileSystem.createBucket":
		c.buckets++
		id := fmt.Sprintf("0xbucket%04d", c.buckets)
		set("providers.buckets", id, map[string]any{"name": arg("name"), "owner": tx.Account})
		return []chain.Event{{Module: "fileSystem", Name: "NewBucket", Fields: map[string]any{"bucketId": id}}}, ""
	case "fileSystem.issueStorageRequest":
		if !has("providers.buckets", arg("bucketId")) {
			return nil, "bucket not found"
		}
		set("fileSystem.storageRequests", arg("fileKey"), tx.Call.Args)
		return []chain.Event{{Module: "fileSystem", Name: "NewStorageRequest", Fields: map[string]any{"fileKey": arg("fileKey")}}}, ""
	case "fileSystem.deleteFile":
		del("fileSystem.files", arg("fileKey"))
		del("fileSystem.storageRequests", arg("fileKey"))
		return []chain.Event{{Module: "fileSystem", Name: "FileDeleted", Fields: map[string]any{"fileKey": arg("fileKey")}}}, ""
	case "fileSystem.deleteBucket":
		if !has("providers.buckets", arg("bucketId")) {
			return nil, "bucket not found"
		}
		del("providers.buckets", arg("bucketId"))
		return []chain.Event{{Module: "fileSystem", Name: "BucketDeleted", Fields: map[string]any{"bucketId": arg("bucketId")}}}, ""
	}
	return nil, ""
}

// AwaitReceipt implements chain.Client.
func (c *FakeChain) AwaitReceipt(ctx context.Context, hash chain.TxHash) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return chain.Receipt{}, fmt.Errorf("unknown transaction %s", hash)
	}
	return r, nil
}

// BlockEvents implements chain.Client.
func (c *FakeChain) BlockEvents(ctx context.Context, blockHash string) ([]chain.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events, ok := c.blocks[blockHash]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", blockHash)
	}
	return events, nil
}

// QueryState implements chain.Client.
func (c *FakeChain) QueryState(ctx context.Context, path, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[path+"/"+key]
	return v, ok, nil
}

// SubscribeFinalizedHeads implements chain.Client. Like a real node it
// delivers the current finalized head first. Every new subscription then
// produces a block fulfilling all open storage requests.
func (c *FakeChain) SubscribeFinalizedHeads(ctx context.Context) (chain.Subscription[chain.Header], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	s := &fakeSub{
		id:    c.nextSub,
		owner: c,
		ch:    make(chan chain.Header, 64),
		errc:  make(chan error, 1),
	}
	c.subs[s.id] = s
	s.ch <- header(c.head)
	c.fulfill()
	return s, nil
}

// fulfill includes a block with a StorageRequestFulfilled event for every
// open request. Called with mu held.
func (c *FakeChain) fulfill() {
	var events []chain.Event
	prefix := "fileSystem.storageRequests/"
	for k := range c.state {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			fileKey := k[len(prefix):]
			events = append(events, chain.Event{
				Module: "fileSystem",
				Name:   "StorageRequestFulfilled",
				Fields: map[string]any{"fileKey": fileKey},
			})
			delete(c.state, k)
			c.state["fileSystem.files/"+fileKey] = json.RawMessage(`{}`)
		}
	}
	if len(events) == 0 {
		return
	}
	c.head++
	h := header(c.head)
	c.blocks[h.Hash] = events
	c.publish(h)
}

// publish announces a header to every subscriber. Called with mu held.
func (c *FakeChain) publish(h chain.Header) {
	for _, s := range c.subs {
		select {
		case s.ch <- h:
		default:
		}
	}
}

// Subscribers returns the number of live head subscriptions.
func (c *FakeChain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close implements chain.Client.
func (c *FakeChain) Close() error {
	return nil
}

type fakeSub struct {
	id    int
	owner *FakeChain
	ch    chan chain.Header
	errc  chan error
	once  sync.Once
}

func (s *fakeSub) C() <-chan chain.Header { return s.ch }
func (s *fakeSub) Err() <-chan error      { return s.errc }

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		defer s.owner.mu.Unlock()
		delete(s.owner.subs, s.id)
		s.owner.Unsubscribed++
	})
}

func header(n uint64) chain.Header {
	return chain.Header{Number: n, Hash: fmt.Sprintf("0xblock%04d", n)}
}
