package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
)

// FinalizedHead implements chain.Client.
func (c *Client) FinalizedHead(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	err := c.call(ctx, c.methods.FinalizedHead, &h)
	return h, err
}

// NextNonce implements chain.Client.
func (c *Client) NextNonce(ctx context.Context, account string) (uint64, error) {
	var n uint64
	err := c.call(ctx, c.methods.NextNonce, &n, account)
	return n, err
}

// SubmitTx implements chain.Client.
func (c *Client) SubmitTx(ctx context.Context, tx chain.Tx) (chain.TxHash, error) {
	var h chain.TxHash
	err := c.call(ctx, c.methods.SubmitTx, &h, tx)
	return h, err
}

// AwaitReceipt implements chain.Client by polling until the node returns a
// receipt. The caller's context bounds the wait.
func (c *Client) AwaitReceipt(ctx context.Context, hash chain.TxHash) (chain.Receipt, error) {
	t := time.NewTicker(c.receiptPoll)
	defer t.Stop()
	for {
		var r *chain.Receipt
		if err := c.call(ctx, c.methods.Receipt, &r, hash); err != nil {
			return chain.Receipt{}, err
		}
		if r != nil {
			return *r, nil
		}
		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
}

// BlockEvents implements chain.Client.
func (c *Client) BlockEvents(ctx context.Context, blockHash string) ([]chain.Event, error) {
	var events []chain.Event
	err := c.call(ctx, c.methods.BlockEvents, &events, blockHash)
	return events, err
}

// QueryState implements chain.Client. A null result means the entry is absent.
func (c *Client) QueryState(ctx context.Context, path, key string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	if err := c.call(ctx, c.methods.QueryState, &raw, path, key); err != nil {
		return nil, false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}
	return raw, true, nil
}

// SubscribeFinalizedHeads implements chain.Client.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (chain.Subscription[chain.Header], error) {
	var id string
	if err := c.call(ctx, c.methods.SubscribeHeads, &id); err != nil {
		return nil, err
	}
	s := &subscription{
		id:     id,
		client: c,
		ch:     make(chan chain.Header, c.subBuffer),
		errc:   make(chan error, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, engine.NewTransient("subscribe", c.closeErr)
	}
	c.subs[id] = s
	early := c.orphans[id]
	delete(c.orphans, id)
	c.mu.Unlock()

	for _, raw := range early {
		s.push(raw)
	}
	return s, nil
}

type subscription struct {
	id     string
	client *Client
	ch     chan chain.Header
	errc   chan error

	mu     sync.Mutex
	failed bool
	once   sync.Once
}

func (s *subscription) C() <-chan chain.Header { return s.ch }
func (s *subscription) Err() <-chan error      { return s.errc }

// push decodes and delivers a header. A consumer that falls a full buffer
// behind loses the subscription rather than stalling the connection.
func (s *subscription) push(raw json.RawMessage) {
	var h chain.Header
	if err := json.Unmarshal(raw, &h); err != nil {
		s.fail(fmt.Errorf("decode header: %w", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	select {
	case s.ch <- h:
	default:
		s.failLocked(engine.NewTransient("subscription "+s.id, fmt.Errorf("consumer lagged %d headers behind", cap(s.ch))))
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *subscription) failLocked(err error) {
	if s.failed {
		return
	}
	s.failed = true
	s.errc <- err
}

// Unsubscribe releases the remote subscription once.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.subs, s.id)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.call(ctx, c.methods.UnsubscribeHead, nil, s.id); err != nil {
			c.logger.Debug("unsubscribe failed", "subscription", s.id, "error", err)
		}
	})
}
