// Package app wires storage, services, and external collaborators into one
// running application.
package app

import (
	"context"
	"fmt"

	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/services/accounts"
	"github.com/mu-platform/escrow_ledger/internal/app/services/exchange"
	"github.com/mu-platform/escrow_ledger/internal/app/services/settlement"
	"github.com/mu-platform/escrow_ledger/internal/app/storage"
	"github.com/mu-platform/escrow_ledger/internal/app/storage/memory"
	"github.com/mu-platform/escrow_ledger/internal/app/system"
	"github.com/mu-platform/escrow_ledger/internal/config"
	"github.com/mu-platform/escrow_ledger/internal/ledgerrpc"
	"github.com/mu-platform/escrow_ledger/internal/mintrpc"
	"github.com/mu-platform/escrow_ledger/internal/oraclerpc"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

// Stores groups the storage backends. Nil fields default to a shared
// in-memory store.
type Stores struct {
	Developers  storage.DeveloperStore
	Apps        storage.AppStore
	Settlements storage.SettlementStore
}

func (s *Stores) applyDefaults() {
	var mem *memory.Store
	ensure := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Developers == nil {
		s.Developers = ensure()
	}
	if s.Apps == nil {
		s.Apps = ensure()
	}
	if s.Settlements == nil {
		s.Settlements = ensure()
	}
}

// LedgerAPI is the slice of the external ledger the application uses.
type LedgerAPI interface {
	AccountBalance(ctx context.Context, account string) (int64, error)
	Transfer(ctx context.Context, args ledgerrpc.TransferArgs) (uint64, error)
}

// External groups the external collaborators. Nil fields are built from the
// configured endpoints; tests inject fakes here.
type External struct {
	Ledger  LedgerAPI
	Oracle  exchange.RateSource
	Minting settlement.TopUpNotifier
}

// Application is the composed escrow ledger.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Accounts   *accounts.Service
	Exchange   *exchange.Cache
	Settlement *settlement.Service

	manager *system.Manager
}

// New composes the application from configuration, storage, and external
// collaborators.
func New(cfg *config.Config, stores Stores, ext External, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	stores.applyDefaults()

	if err := buildExternal(cfg, &ext); err != nil {
		return nil, err
	}

	stg := cfg.Settings.Settings()
	if err := stg.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	acct := accounts.New(stores.Developers, stores.Apps, ext.Ledger, stg,
		cfg.Platform.AccountID, log.WithField("component", "accounts"))

	rates := exchange.NewCache(ext.Oracle, cfg.Platform.BaseAsset, cfg.Platform.QuoteAsset,
		stg.ExchangeRateTTL, log.WithField("component", "exchange"))

	settle := settlement.New(acct, stores.Settlements,
		&transferAdapter{ledger: ext.Ledger},
		ext.Minting, rates,
		cfg.Platform.MintingAccount, stg.CommissionRate,
		log.WithField("component", "settlement"))

	manager := system.NewManager()
	if err := manager.Register(settlement.NewReconciler(settle, log.WithField("component", "reconciler"))); err != nil {
		return nil, err
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		Accounts:   acct,
		Exchange:   rates,
		Settlement: settle,
		manager:    manager,
	}, nil
}

func buildExternal(cfg *config.Config, ext *External) error {
	if ext.Ledger == nil {
		client, err := ledgerrpc.NewClient(ledgerrpc.Config{
			Endpoint: cfg.Ledger.Endpoint,
			Timeout:  cfg.Ledger.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("ledger client: %w", err)
		}
		ext.Ledger = client
	}
	if ext.Oracle == nil {
		client, err := oraclerpc.NewClient(oraclerpc.Config{
			Endpoint: cfg.Oracle.Endpoint,
			Timeout:  cfg.Oracle.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("oracle client: %w", err)
		}
		ext.Oracle = client
	}
	if ext.Minting == nil {
		client, err := mintrpc.NewClient(mintrpc.Config{
			Endpoint: cfg.Minting.Endpoint,
			Timeout:  cfg.Minting.Timeout(),
		})
		if err != nil {
			return fmt.Errorf("minting client: %w", err)
		}
		ext.Minting = client
	}
	return nil
}

// Start starts the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops the background services in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// transferAdapter binds the ledger client to the settlement engine's transfer
// shape, filling in the flat ledger fee.
type transferAdapter struct {
	ledger LedgerAPI
}

func (a *transferAdapter) Transfer(ctx context.Context, fromSubaccount developer.Subaccount,
	to string, amount int64, memo uint64) (uint64, error) {
	return a.ledger.Transfer(ctx, ledgerrpc.TransferArgs{
		FromSubaccount: fromSubaccount[:],
		To:             to,
		Amount:         amount,
		Fee:            ledgerrpc.DefaultFee,
		Memo:           memo,
	})
}
