package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"southwinds.dev/custody/audit"
)

const (
	defaultRPCTimeout = 10 * time.Second
	maxResponseBytes  = 16 << 20
)

// RPCConfig configures the ledger node client
type RPCConfig struct {
	Endpoint string
	Timeout  time.Duration // per request, default 10s
	Rate     float64       // requests per second, 0 means unlimited
	Burst    int
	Client   *http.Client
}

// RPCClient talks JSON-RPC 2.0 to a ledger node over HTTP
type RPCClient struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	nextID   atomic.Uint64
}

var _ Ledger = (*RPCClient)(nil)

func NewRPCClient(config RPCConfig) (*RPCClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRPCTimeout
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}

	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	return &RPCClient{
		endpoint: config.Endpoint,
		client:   config.Client,
		limiter:  rate.NewLimiter(limit, config.Burst),
		timeout:  config.Timeout,
	}, nil
}

func (c *RPCClient) GetEvents(ctx context.Context, recordRef string) ([]audit.LedgerEvent, error) {
	var events []audit.LedgerEvent
	if err := c.call(ctx, methodGetAuditTrail, &events, hexRef(recordRef)); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *RPCClient) Submit(ctx context.Context, action audit.Action, args Args, signer string) (*Receipt, error) {
	if err := args.validate(action, signer); err != nil {
		return nil, err
	}
	name, _ := EventName(action)
	params := submitParams{
		Action:     name,
		RecordHash: hexRef(args.RecordRef),
		Owner:      args.Owner,
		Grantee:    args.Grantee,
		Metadata:   args.Metadata,
		Signer:     signer,
	}
	if !args.Expiry.IsZero() {
		params.Expiry = args.Expiry.Unix()
	}

	var receipt Receipt
	if err := c.call(ctx, methodSubmit, &receipt, params); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *RPCClient) AccessInfo(ctx context.Context, owner, grantee, recordRef string) (*Access, error) {
	var access Access
	err := c.call(ctx, methodAccessInfo, &access, accessParams{
		Owner:      owner,
		Grantee:    grantee,
		RecordHash: hexRef(recordRef),
	})
	if err != nil {
		return nil, err
	}
	return &access, nil
}

// call performs one request. Transport failures wrap audit.ErrSourceUnavailable;
// errors reported by the node are returned as *RPCError.
func (c *RPCClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return unavailable(method, err)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method}
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = append(req.Params, raw)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return unavailable(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unavailable(method, fmt.Errorf("unexpected status %s", resp.Status))
	}

	var rpcResp rpcResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&rpcResp); err != nil {
		return unavailable(method, fmt.Errorf("failed to decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != req.ID {
		return unavailable(method, fmt.Errorf("response id %d does not match request id %d", rpcResp.ID, req.ID))
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err = json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func unavailable(method string, err error) error {
	return fmt.Errorf("%w: %s: %w", audit.ErrSourceUnavailable, method, err)
}
