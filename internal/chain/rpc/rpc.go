// Package rpc implements chain.Client as JSON-RPC 2.0 over a WebSocket.
//
// One connection carries every request and every subscription. Responses are
// matched to requests by id; subscription notifications are routed by the
// subscription id the node returned. Method names are configurable so the
// adapter can follow a node's API without touching the canary.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/canary/internal/chain"
	"github.com/roach88/canary/internal/engine"
)

// Methods names the node's RPC methods.
type Methods struct {
	FinalizedHead   string `yaml:"finalized_head" json:"finalized_head"`
	NextNonce       string `yaml:"next_nonce" json:"next_nonce"`
	SubmitTx        string `yaml:"submit_tx" json:"submit_tx"`
	Receipt         string `yaml:"receipt" json:"receipt"`
	BlockEvents     string `yaml:"block_events" json:"block_events"`
	QueryState      string `yaml:"query_state" json:"query_state"`
	SubscribeHeads  string `yaml:"subscribe_heads" json:"subscribe_heads"`
	UnsubscribeHead string `yaml:"unsubscribe_heads" json:"unsubscribe_heads"`
	HeadNotify      string `yaml:"head_notification" json:"head_notification"`
}

// DefaultMethods returns the method names of the reference node.
func DefaultMethods() Methods {
	return Methods{
		FinalizedHead:   "chain_getFinalizedHeader",
		NextNonce:       "system_accountNextIndex",
		SubmitTx:        "author_submitExtrinsic",
		Receipt:         "storage_getReceipt",
		BlockEvents:     "storage_getBlockEvents",
		QueryState:      "storage_queryState",
		SubscribeHeads:  "chain_subscribeFinalizedHeads",
		UnsubscribeHead: "chain_unsubscribeFinalizedHeads",
		HeadNotify:      "chain_finalizedHead",
	}
}

// merge fills empty names from d.
func (m Methods) merge(d Methods) Methods {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return Methods{
		FinalizedHead:   pick(m.FinalizedHead, d.FinalizedHead),
		NextNonce:       pick(m.NextNonce, d.NextNonce),
		SubmitTx:        pick(m.SubmitTx, d.SubmitTx),
		Receipt:         pick(m.Receipt, d.Receipt),
		BlockEvents:     pick(m.BlockEvents, d.BlockEvents),
		QueryState:      pick(m.QueryState, d.QueryState),
		SubscribeHeads:  pick(m.SubscribeHeads, d.SubscribeHeads),
		UnsubscribeHead: pick(m.UnsubscribeHead, d.UnsubscribeHead),
		HeadNotify:      pick(m.HeadNotify, d.HeadNotify),
	}
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("rpc connection closed")

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Client is a chain.Client over one WebSocket connection.
type Client struct {
	conn        *websocket.Conn
	methods     Methods
	logger      *slog.Logger
	receiptPoll time.Duration
	subBuffer   int

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan message
	subs     map[string]*subscription
	orphans  map[string][]json.RawMessage
	closed   bool
	closeErr error
	done     chan struct{}
}

var _ chain.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithMethods overrides method names. Empty names keep their defaults.
func WithMethods(m Methods) Option {
	return func(c *Client) { c.methods = m.merge(DefaultMethods()) }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithReceiptPoll sets how often AwaitReceipt asks for a receipt.
func WithReceiptPoll(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.receiptPoll = d
		}
	}
}

// Dial connects to a node's WebSocket endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, engine.NewTransient("dial "+url, err)
	}
	return newClient(conn, opts...), nil
}

func newClient(conn *websocket.Conn, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		methods:     DefaultMethods(),
		logger:      slog.Default(),
		receiptPoll: 2 * time.Second,
		subBuffer:   64,
		pending:     make(map[uint64]chan message),
		subs:        make(map[string]*subscription),
		orphans:     make(map[string][]json.RawMessage),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rpc")
	go c.readLoop()
	return c
}

// Close implements chain.Client.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// call sends one request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return engine.NewTransient("rpc "+method, err)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err := c.conn.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return engine.NewTransient("rpc "+method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return engine.NewTransient("rpc "+method, c.err())
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) readLoop() {
	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.Method == c.methods.HeadNotify:
			var n notification
			if err := json.Unmarshal(msg.Params, &n); err != nil {
				c.logger.Warn("malformed notification", "error", err)
				continue
			}
			c.deliver(n)
		default:
			c.logger.Debug("ignoring message", "method", msg.Method)
		}
	}
}

// deliver routes a notification to its subscription. Notifications that
// arrive before the subscribe response are held until it is registered.
func (c *Client) deliver(n notification) {
	c.mu.Lock()
	sub, ok := c.subs[n.Subscription]
	if !ok {
		c.orphans[n.Subscription] = append(c.orphans[n.Subscription], n.Result)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	sub.push(n.Result)
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	close(c.done)
	for _, s := range subs {
		s.fail(engine.NewTransient("subscription", err))
	}
	if !errors.Is(err, ErrClosed) {
		c.logger.Warn("rpc connection lost", "error", err)
	}
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return ErrClosed
	}
	return c.closeErr
}
