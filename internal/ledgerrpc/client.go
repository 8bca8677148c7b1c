// Package ledgerrpc is the JSON-RPC client for the external value-transfer
// ledger. The ledger is an external collaborator: it owns balances and
// validates every transfer at execution time, regardless of checks done here.
package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFee is the flat fee the ledger charges per transfer, in token
// subunits.
const DefaultFee int64 = 10_000

// TransferArgs describes a value movement out of an escrow subaccount.
type TransferArgs struct {
	FromSubaccount []byte `json:"from_subaccount"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Fee            int64  `json:"fee"`
	Memo           uint64 `json:"memo"`
}

// Client talks to the ledger over JSON-RPC 2.0.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient creates a ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// AccountBalance returns the live balance of an account, in token subunits.
func (c *Client) AccountBalance(ctx context.Context, account string) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "account_balance", map[string]string{"account": account}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// Transfer moves tokens and returns the block index the ledger recorded.
func (c *Client) Transfer(ctx context.Context, args TransferArgs) (uint64, error) {
	var result struct {
		BlockIndex uint64 `json:"block_index"`
	}
	if err := c.call(ctx, "transfer", args, &result); err != nil {
		return 0, err
	}
	return result.BlockIndex, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
