// Package oraclerpc is the JSON-RPC client for the external price oracle.
package oraclerpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Asset identifies one side of a price quote.
type Asset struct {
	Symbol string `json:"symbol"`
	Class  string `json:"class"`
}

// Client talks to the price oracle over JSON-RPC 2.0.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient creates an oracle client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint required")
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

// ExchangeRate fetches the current base/quote rate. The rate is the amount of
// quote units bought by one whole base token.
func (c *Client) ExchangeRate(ctx context.Context, base, quote string) (uint64, error) {
	params := struct {
		BaseAsset  Asset  `json:"base_asset"`
		QuoteAsset Asset  `json:"quote_asset"`
		Timestamp  *int64 `json:"timestamp,omitempty"`
	}{
		BaseAsset:  Asset{Symbol: base, Class: "Cryptocurrency"},
		QuoteAsset: Asset{Symbol: quote, Class: "Cryptocurrency"},
	}

	body, err := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params"`
		ID      int         `json:"id"`
	}{JSONRPC: "2.0", Method: "get_exchange_rate", Params: params, ID: 1})
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
		return 0, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp struct {
		Result struct {
			Rate uint64 `json:"rate"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return 0, fmt.Errorf("oracle error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result.Rate == 0 {
		return 0, fmt.Errorf("oracle returned zero rate for %s/%s", base, quote)
	}
	return rpcResp.Result.Rate, nil
}
