package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/mu-platform/escrow_ledger/internal/app"
	"github.com/mu-platform/escrow_ledger/internal/app/services/exchange"
	"github.com/mu-platform/escrow_ledger/internal/config"
	"github.com/mu-platform/escrow_ledger/internal/ledgerrpc"
)

type fakeLedger struct {
	balance   int64
	nextBlock uint64
}

func (f *fakeLedger) AccountBalance(_ context.Context, _ string) (int64, error) {
	return f.balance, nil
}

func (f *fakeLedger) Transfer(_ context.Context, _ ledgerrpc.TransferArgs) (uint64, error) {
	f.nextBlock++
	return f.nextBlock, nil
}

type fakeMinter struct {
	minted uint64
}

func (f *fakeMinter) NotifyTopUp(_ context.Context, _ uint64, _ string) (uint64, error) {
	return f.minted, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Platform: config.PlatformConfig{
			AccountID:      "platform",
			MintingAccount: "mint",
			BaseAsset:      "TOKEN",
			QuoteAsset:     "CREDIT",
		},
		Settings: config.SettingsConfig{
			MinimumEscrowBalanceForDeploy: 1_000,
			MaxAppsPerDeveloper:           10,
			CommissionRate:                0.1,
			ExchangeRateTimeoutSeconds:    300,
		},
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	ext := app.External{
		Ledger: &fakeLedger{balance: 2_000_000},
		Oracle: exchange.RateSourceFunc(func(_ context.Context, _, _ string) (uint64, error) {
			return 5, nil
		}),
		Minting: &fakeMinter{minted: 480},
	}

	application, err := app.New(testConfig(), app.Stores{}, ext, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	return NewHandler(application)
}

func marshal(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}

func callerRequest(method, path, caller string, body *bytes.Reader) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if caller != "" {
		req.Header.Set("X-Caller-ID", caller)
	}
	return req
}

func do(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("unmarshal response %q: %v", resp.Body.String(), err)
	}
}

func TestMissingCallerHeader(t *testing.T) {
	handler := newTestHandler(t)
	resp := do(handler, callerRequest(http.MethodPost, "/developers", "", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestHealthzNeedsNoCaller(t *testing.T) {
	handler := newTestHandler(t)
	resp := do(handler, callerRequest(http.MethodGet, "/healthz", "", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestMetricsNeedsNoCaller(t *testing.T) {
	handler := newTestHandler(t)
	resp := do(handler, callerRequest(http.MethodGet, "/metrics", "", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestDeveloperRegistration(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var dev struct {
		ID            string   `json:"id"`
		EscrowAccount string   `json:"escrow_account"`
		Apps          []string `json:"apps"`
	}
	decode(t, resp, &dev)
	if dev.ID != "dev-1" || dev.EscrowAccount == "" {
		t.Fatalf("unexpected developer response %+v", dev)
	}
	if dev.Apps == nil || len(dev.Apps) != 0 {
		t.Fatalf("expected empty apps array, got %v", dev.Apps)
	}

	// A second registration for the same identity conflicts.
	resp = do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestDeveloperMe(t *testing.T) {
	handler := newTestHandler(t)

	resp := do(handler, callerRequest(http.MethodGet, "/developers/me", "dev-1", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before registration, got %d", resp.Code)
	}

	if resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil)); resp.Code != http.StatusCreated {
		t.Fatalf("register: %d", resp.Code)
	}

	resp = do(handler, callerRequest(http.MethodGet, "/developers/me", "dev-1", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var me struct {
		ID            string `json:"id"`
		EscrowBalance int64  `json:"escrow_balance"`
	}
	decode(t, resp, &me)
	if me.ID != "dev-1" || me.EscrowBalance != 2_000_000 {
		t.Fatalf("unexpected response %+v", me)
	}
}

func TestAppLifecycleOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	if resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil)); resp.Code != http.StatusCreated {
		t.Fatalf("register: %d", resp.Code)
	}

	resp := do(handler, callerRequest(http.MethodPost, "/developers/me/apps", "dev-1",
		marshal(t, map[string]any{"name": "my-app"})))
	if resp.Code != http.StatusCreated {
		t.Fatalf("deploy: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)
	if created.ID == "" {
		t.Fatal("expected an app id")
	}

	resp = do(handler, callerRequest(http.MethodGet, "/developers/me/apps", "dev-1", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.Code)
	}
	var list []struct {
		ID       string `json:"id"`
		State    string `json:"state"`
		Revision uint32 `json:"revision"`
	}
	decode(t, resp, &list)
	if len(list) != 1 || list[0].ID != created.ID || list[0].Revision != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	resp = do(handler, callerRequest(http.MethodGet, "/developers/me/apps/"+created.ID, "dev-1", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.Code)
	}

	// Invisible to the app's non-owner.
	if resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-2", nil)); resp.Code != http.StatusCreated {
		t.Fatalf("register dev-2: %d", resp.Code)
	}
	resp = do(handler, callerRequest(http.MethodGet, "/developers/me/apps/"+created.ID, "dev-2", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cross-developer get: expected 404, got %d", resp.Code)
	}

	resp = do(handler, callerRequest(http.MethodDelete, "/developers/me/apps/"+created.ID, "dev-1", nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.Code)
	}
	resp = do(handler, callerRequest(http.MethodGet, "/developers/me/apps/"+created.ID, "dev-1", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.Code)
	}
}

func TestTopUpOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	if resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil)); resp.Code != http.StatusCreated {
		t.Fatalf("register: %d", resp.Code)
	}
	resp := do(handler, callerRequest(http.MethodPost, "/developers/me/apps", "dev-1",
		marshal(t, map[string]any{"name": "my-app"})))
	if resp.Code != http.StatusCreated {
		t.Fatalf("deploy: %d", resp.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, resp, &created)

	// Only the app itself may spend its owner's escrow.
	resp = do(handler, callerRequest(http.MethodPost, "/apps/"+created.ID+"/topup", "dev-1",
		marshal(t, map[string]any{"credit_amount": 500})))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for developer caller, got %d", resp.Code)
	}

	resp = do(handler, callerRequest(http.MethodPost, "/apps/"+created.ID+"/topup", created.ID,
		marshal(t, map[string]any{"credit_amount": 500})))
	if resp.Code != http.StatusOK {
		t.Fatalf("top up: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var result struct {
		MintedCredit  uint64 `json:"minted_credit"`
		TokensCharged int64  `json:"tokens_charged"`
	}
	decode(t, resp, &result)
	if result.MintedCredit != 480 {
		t.Fatalf("expected 480 minted, got %d", result.MintedCredit)
	}
	if result.TokensCharged != 100*100_000_000 {
		t.Fatalf("unexpected charge %d", result.TokensCharged)
	}
}

func TestWithdrawalOverHTTP(t *testing.T) {
	handler := newTestHandler(t)
	if resp := do(handler, callerRequest(http.MethodPost, "/developers", "dev-1", nil)); resp.Code != http.StatusCreated {
		t.Fatalf("register: %d", resp.Code)
	}

	resp := do(handler, callerRequest(http.MethodPost, "/developers/me/withdrawals", "dev-1",
		marshal(t, map[string]any{"destination": "external-account", "amount": 250_000})))
	if resp.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var result struct {
		BlockIndex uint64 `json:"block_index"`
	}
	decode(t, resp, &result)
	if result.BlockIndex == 0 {
		t.Fatal("expected a block index")
	}

	resp = do(handler, callerRequest(http.MethodPost, "/developers/me/withdrawals", "dev-1",
		marshal(t, map[string]any{"destination": "external-account", "amount": -5})))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", resp.Code)
	}

	resp = do(handler, callerRequest(http.MethodPost, "/developers/me/withdrawals", "dev-1",
		marshal(t, map[string]any{"amount": 100})))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing destination, got %d", resp.Code)
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	handler := newTestHandler(t)
	limiter := NewRateLimiter(1, 1, nil)
	limited := limiter.Handler(handler)

	resp := do(limited, callerRequest(http.MethodGet, "/developers/me", "dev-1", nil))
	if resp.Code == http.StatusTooManyRequests {
		t.Fatal("first request must not be throttled")
	}

	resp = do(limited, callerRequest(http.MethodGet, "/developers/me", "dev-1", nil))
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}

	// A different caller has its own budget.
	resp = do(limited, callerRequest(http.MethodGet, "/developers/me", "dev-2", nil))
	if resp.Code == http.StatusTooManyRequests {
		t.Fatal("other callers must not share the budget")
	}
}
