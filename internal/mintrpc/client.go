// Package mintrpc is the JSON-RPC client for the external minting service,
// which converts a recorded ledger transfer into resource credit.
package mintrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notify failure codes reported by the minting service.
const (
	CodeRefunded           = "Refunded"
	CodeProcessing         = "Processing"
	CodeTransactionTooOld  = "TransactionTooOld"
	CodeInvalidTransaction = "InvalidTransaction"
	CodeOther              = "Other"
)

// NotifyError is a structured failure from notify_top_up.
type NotifyError struct {
	Code    string
	Message string
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify top-up failed (%s): %s", e.Code, e.Message)
}

// Client talks to the minting service over JSON-RPC 2.0.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient creates a minting service client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minting endpoint required")
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

// NotifyTopUp reports a settled transfer and returns the credit minted for
// the beneficiary. The call is keyed by block index upstream, so notifying
// the same block twice does not mint twice.
func (c *Client) NotifyTopUp(ctx context.Context, blockIndex uint64, beneficiary string) (uint64, error) {
	params := struct {
		BlockIndex  uint64 `json:"block_index"`
		Beneficiary string `json:"beneficiary"`
	}{BlockIndex: blockIndex, Beneficiary: beneficiary}

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params"`
		ID      int         `json:"id"`
	}{JSONRPC: "2.0", Method: "notify_top_up", Params: params, ID: 1})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("minting service returned status %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp struct {
		Result struct {
			MintedCredit uint64 `json:"minted_credit"`
		} `json:"result"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return 0, &NotifyError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result.MintedCredit, nil
}
