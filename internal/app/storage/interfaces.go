package storage

import (
	"context"

	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/settlement"
)

// DeveloperStore persists developer accounts.
type DeveloperStore interface {
	CreateDeveloper(ctx context.Context, dev developer.Developer) (developer.Developer, error)
	GetDeveloper(ctx context.Context, id string) (developer.Developer, error)
	DeveloperExists(ctx context.Context, id string) (bool, error)
	SubaccountInUse(ctx context.Context, sub developer.Subaccount) (bool, error)
}

// AppStore persists app records. Mutations that touch both the app collection
// and the owning developer's app list (create, remove) are atomic with respect
// to any concurrent reader: no interleaved operation can observe one write
// without the other.
type AppStore interface {
	// CreateApp inserts the app record and appends its ID to the owning
	// developer's app list.
	CreateApp(ctx context.Context, app appdomain.App) (appdomain.App, error)
	// RemoveApp marks the app deleted and removes its ID from the developer's
	// list. Removing an app that is already gone is a successful no-op.
	RemoveApp(ctx context.Context, developerID, appID string) error
	GetApp(ctx context.Context, id string) (appdomain.App, error)
	AppExists(ctx context.Context, id string) (bool, error)
	// AppendUsage appends one usage record to the app's usage sequence.
	AppendUsage(ctx context.Context, appID string, usage appdomain.UsageRecord) error
}

// SettlementStore persists the top-up settlement journal.
type SettlementStore interface {
	CreateEntry(ctx context.Context, entry settlement.Entry) (settlement.Entry, error)
	UpdateEntry(ctx context.Context, entry settlement.Entry) (settlement.Entry, error)
	GetEntry(ctx context.Context, id string) (settlement.Entry, error)
	// ListOpenEntries returns entries whose protocol did not finish
	// (transferred or notified), oldest first.
	ListOpenEntries(ctx context.Context) ([]settlement.Entry, error)
}
