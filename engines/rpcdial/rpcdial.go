// Package rpcdial dials backend engines over HTTP JSON-RPC. Engines
// launched from a local template expose a small control surface
// (engine.ping, engine.execute, engine.cancel); this dialer is the
// gateway-side client for it.
package rpcdial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/internal/jsonrpc"
)

// Option configures the dialer.
type Option func(*dialerConfig)

type dialerConfig struct {
	httpClient *http.Client
}

// WithHTTPClient overrides the default HTTP client (10s total timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *dialerConfig) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New returns an engines.Dialer speaking JSON-RPC over HTTP POST.
func New(opts ...Option) engines.Dialer {
	cfg := dialerConfig{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(ctx context.Context, endpoint string) (engines.Client, error) {
		c := &client{endpoint: endpoint, hc: cfg.httpClient}
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

type client struct {
	endpoint string
	hc       *http.Client
	seq      atomic.Int64
}

var _ engines.Client = (*client)(nil)

func (c *client) call(ctx context.Context, method string, params any, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = body
	}
	req := jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         rawParams,
		ID:             jsonrpc.NewRequestID(c.seq.Add(1)),
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", engines.ErrEngineUnreachable, method, c.endpoint, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned HTTP %d", engines.ErrEngineUnreachable, c.endpoint, httpResp.StatusCode)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", engines.ErrEngineUnreachable, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("engine error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.call(ctx, "engine.ping", nil, nil)
}

type executeParams struct {
	OperationID string `json:"operationId"`
	Statement   string `json:"statement"`
}

type executeResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (c *client) Execute(ctx context.Context, operationID, statement string) (*engines.ResultSet, error) {
	var res executeResult
	if err := c.call(ctx, "engine.execute", executeParams{OperationID: operationID, Statement: statement}, &res); err != nil {
		return nil, err
	}
	return &engines.ResultSet{Columns: res.Columns, Rows: res.Rows}, nil
}

type cancelParams struct {
	OperationID string `json:"operationId"`
}

func (c *client) Cancel(ctx context.Context, operationID string) error {
	return c.call(ctx, "engine.cancel", cancelParams{OperationID: operationID}, nil)
}

func (c *client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}
