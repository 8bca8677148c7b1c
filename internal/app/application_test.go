package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/mu-platform/escrow_ledger/internal/app/services/exchange"
	"github.com/mu-platform/escrow_ledger/internal/config"
	"github.com/mu-platform/escrow_ledger/internal/ledgerrpc"
)

// feeLedger models the external ledger's balance accounting: a transfer moves
// Amount to the destination and burns Amount+Fee from the source.
type feeLedger struct {
	balances map[string]int64
	blocks   uint64
}

func newFeeLedger() *feeLedger {
	return &feeLedger{balances: make(map[string]int64)}
}

func (f *feeLedger) AccountBalance(_ context.Context, account string) (int64, error) {
	return f.balances[account], nil
}

func (f *feeLedger) Transfer(_ context.Context, args ledgerrpc.TransferArgs) (uint64, error) {
	from := fmt.Sprintf("platform.%x", args.FromSubaccount)
	if f.balances[from] < args.Amount+args.Fee {
		return 0, fmt.Errorf("insufficient funds in %s", from)
	}
	f.balances[from] -= args.Amount + args.Fee
	f.balances[args.To] += args.Amount
	f.blocks++
	return f.blocks, nil
}

type staticMinter uint64

func (m staticMinter) NotifyTopUp(_ context.Context, _ uint64, _ string) (uint64, error) {
	return uint64(m), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Platform: config.PlatformConfig{
			AccountID:      "platform",
			MintingAccount: "minting-main",
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

func newTestApplication(t *testing.T, ledger LedgerAPI) *Application {
	t.Helper()
	ext := External{
		Ledger: ledger,
		Oracle: exchange.RateSourceFunc(func(_ context.Context, _, _ string) (uint64, error) {
			return 5, nil
		}),
		Minting: staticMinter(480),
	}
	application, err := New(testConfig(), Stores{}, ext, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	return application
}

func TestApplicationLifecycle(t *testing.T) {
	ctx := context.Background()
	application := newTestApplication(t, newFeeLedger())

	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// A deposit-withdraw round trip costs the flat ledger fee twice: once paid by
// the depositor funding escrow, once paid out of escrow on the way back.
func TestDepositWithdrawRoundTripFees(t *testing.T) {
	ctx := context.Background()
	ledger := newFeeLedger()
	application := newTestApplication(t, ledger)

	dev, err := application.Accounts.RegisterDeveloper(ctx, "dev-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	escrow := application.Accounts.EscrowAccount(dev)

	// The developer's main account funds escrow with 250_000; the ledger
	// burns the fee from the sender.
	const deposit = int64(250_000)
	main := "main-account"
	ledger.balances[main] = 1_000_000
	ledger.balances[main] -= deposit + ledgerrpc.DefaultFee
	ledger.balances[escrow] += deposit

	// Withdrawing everything means leaving the fee behind for the ledger.
	withdrawn := deposit - ledgerrpc.DefaultFee
	if _, err := application.Settlement.Withdraw(ctx, "dev-1", main, withdrawn); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if got := ledger.balances[escrow]; got != 0 {
		t.Fatalf("expected drained escrow, got %d", got)
	}
	if got, want := ledger.balances[main], int64(1_000_000)-2*ledgerrpc.DefaultFee; got != want {
		t.Fatalf("expected main balance %d after round trip, got %d", want, got)
	}
}

// The composition wires the flat ledger fee and the top-up memo into every
// settlement transfer.
func TestTopUpThroughComposition(t *testing.T) {
	ctx := context.Background()
	ledger := newFeeLedger()
	application := newTestApplication(t, ledger)

	dev, err := application.Accounts.RegisterDeveloper(ctx, "dev-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	escrow := application.Accounts.EscrowAccount(dev)
	ledger.balances[escrow] = 200 * 100_000_000

	appID, err := application.Accounts.DeployApp(ctx, "dev-1", "app", nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	minted, charged, err := application.Settlement.TopUp(ctx, appID, 500)
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
	if minted != 480 {
		t.Fatalf("expected 480 minted, got %d", minted)
	}
	if charged != 100*100_000_000 {
		t.Fatalf("unexpected charge %d", charged)
	}

	if got := ledger.balances["minting-main"]; got != charged {
		t.Fatalf("minting account received %d, expected %d", got, charged)
	}
	if got, want := ledger.balances[escrow], 100*100_000_000-ledgerrpc.DefaultFee; got != want {
		t.Fatalf("escrow holds %d after top-up, expected %d", got, want)
	}
}
