// Package eip155 is the namespace RPC client for EVM chains: JSON-RPC
// transport plus transaction assembly and signing, satisfying
// internal/txn.RPCClient. Grounded on src/chainadapter/rpc/http.go's
// JSON-RPC request/response shapes and failover-by-attempt loop, adapted
// to delegate endpoint selection and health bookkeeping to
// internal/network.Service instead of keeping its own tracker.
package eip155

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/network"
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string { return e.Message }

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// Client is the HTTP JSON-RPC transport for one wallet core instance,
// shared across every eip155 chain; endpoint choice for a given chainRef
// comes from the network.Service pool (spec.md §4.7).
type Client struct {
	net        *network.Service
	httpClient *http.Client
	log        *zap.Logger
	requestID  atomic.Int64
}

// NewClient constructs a Client. timeout bounds every individual HTTP call;
// the network.Service governs which endpoint is tried and failover between
// them across calls, so this client issues exactly one attempt per call.
func NewClient(net *network.Service, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		net:        net,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Call forwards an arbitrary JSON-RPC method to chainRef's active endpoint.
// Used by internal/rpcengine's passthrough stage for read-only methods with
// no dedicated handler (spec.md §4.6 step 5).
func (c *Client) Call(ctx context.Context, chainRefStr, method string, params ...any) (json.RawMessage, error) {
	ref, err := chainref.Parse(chainRefStr)
	if err != nil {
		return nil, err
	}
	return c.call(ctx, ref, method, params...)
}

// call executes one JSON-RPC method against chainRef's active endpoint,
// reporting the outcome back to network.Service so circuit-breaking and
// rotation (spec.md §4.7) stay centralized in one place.
func (c *Client) call(ctx context.Context, ref chainref.ChainRef, method string, params ...any) (json.RawMessage, error) {
	endpoint, ok := c.net.ActiveEndpoint(ref)
	if !ok {
		return nil, fmt.Errorf("eip155: no RPC endpoint configured for %s", ref.String())
	}

	result, err := c.callEndpoint(ctx, endpoint, method, params)
	c.net.ReportOutcome(ref, endpoint, network.Outcome{Success: err == nil, Err: err})
	if err != nil {
		return nil, fmt.Errorf("eip155: %s against %s: %w", method, endpoint, err)
	}
	return result, nil
}

func (c *Client) callEndpoint(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	reqID := c.requestID.Add(1)
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
