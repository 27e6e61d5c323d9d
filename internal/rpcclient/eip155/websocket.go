package eip155

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// subscriptionEnvelope is the superset of shapes a WebSocket JSON-RPC
// connection can send: either a response to a request this client issued
// (ID != 0) or an unsolicited eth_subscription notification.
type subscriptionEnvelope struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonRPCError   `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type pendingCall struct {
	result chan json.RawMessage
	err    chan error
}

// SubscriptionClient is a persistent WebSocket JSON-RPC connection used for
// eth_subscribe-based receipt push notifications (spec.md §4.5's receipt
// tracker), an alternative to eip155.Client's pure request/response polling.
// Grounded on Client's jsonRPCRequest/jsonRPCResponse wire shapes
// (transport.go), adapted from one-shot HTTP calls to a long-lived duplexed
// connection.
type SubscriptionClient struct {
	conn *websocket.Conn
	log  *zap.Logger

	requestID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	subs    map[string]chan json.RawMessage
	closed  bool
}

// DialSubscriptionClient opens a WebSocket connection to wsURL (a "ws://" or
// "wss://" node endpoint) and starts its read loop.
func DialSubscriptionClient(ctx context.Context, wsURL string, log *zap.Logger) (*SubscriptionClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("eip155: dial subscription endpoint %s: %w", wsURL, err)
	}
	c := &SubscriptionClient{
		conn:    conn,
		log:     log,
		pending: make(map[int64]*pendingCall),
		subs:    make(map[string]chan json.RawMessage),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe issues eth_subscribe for method (e.g. "newHeads", "logs") with
// params, and returns a channel of raw notification payloads plus the
// server-assigned subscription id needed to Unsubscribe.
func (c *SubscriptionClient) Subscribe(ctx context.Context, method string, params ...any) (<-chan json.RawMessage, string, error) {
	args := append([]any{method}, params...)
	result, err := c.call(ctx, "eth_subscribe", args)
	if err != nil {
		return nil, "", err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return nil, "", fmt.Errorf("eip155: decode subscription id: %w", err)
	}

	ch := make(chan json.RawMessage, 16)
	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()
	return ch, subID, nil
}

// Unsubscribe cancels subID and closes its notification channel.
func (c *SubscriptionClient) Unsubscribe(ctx context.Context, subID string) error {
	_, err := c.call(ctx, "eth_unsubscribe", []any{subID})
	c.mu.Lock()
	if ch, ok := c.subs[subID]; ok {
		close(ch)
		delete(c.subs, subID)
	}
	c.mu.Unlock()
	return err
}

// Close terminates the underlying connection and every open subscription
// channel.
func (c *SubscriptionClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	for id, p := range c.pending {
		p.err <- fmt.Errorf("eip155: connection closed")
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *SubscriptionClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.requestID.Add(1)
	p := &pendingCall{result: make(chan json.RawMessage, 1), err: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("eip155: connection closed")
	}
	c.pending[id] = p
	c.mu.Unlock()

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("eip155: write subscription request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case err := <-p.err:
		return nil, err
	case result := <-p.result:
		return result, nil
	}
}

func (c *SubscriptionClient) readLoop() {
	for {
		var env subscriptionEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.log.Warn("eip155: subscription connection read failed, closing", zap.Error(err))
			_ = c.Close()
			return
		}

		switch {
		case env.Method == "eth_subscription":
			c.mu.Lock()
			ch, ok := c.subs[env.Params.Subscription]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- env.Params.Result:
			default:
				c.log.Warn("eip155: dropping subscription notification, consumer is slow", zap.String("subscription", env.Params.Subscription))
			}
		case env.ID != 0:
			c.mu.Lock()
			p, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if env.Error != nil {
				p.err <- env.Error
			} else {
				p.result <- env.Result
			}
		}
	}
}
