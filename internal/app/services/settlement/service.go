// Package settlement implements the escrow-debit to resource-credit
// protocol: rate lookup, token transfer out of escrow, mint notification, and
// local bookkeeping. The chained external calls cannot be made atomic, so
// every attempt is journaled durably before the first side effect and stepped
// forward after each one; the reconciler finishes entries a crash or partial
// failure left behind.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/settlement"
	"github.com/mu-platform/escrow_ledger/internal/app/metrics"
	"github.com/mu-platform/escrow_ledger/internal/app/services/accounts"
	"github.com/mu-platform/escrow_ledger/internal/app/storage"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

const (
	// TopUpMemo tags escrow-to-minting transfers on the external ledger.
	TopUpMemo uint64 = 1347768404
	// WithdrawMemo tags escrow withdrawals.
	WithdrawMemo uint64 = 0
	// TokenSubunit is the number of subunits per whole ledger token.
	TokenSubunit int64 = 100_000_000
)

// TokenTransferrer moves value on the external ledger. The ledger validates
// the transfer live; failure leaves escrow untouched.
type TokenTransferrer interface {
	Transfer(ctx context.Context, fromSubaccount developer.Subaccount, to string, amount int64, memo uint64) (uint64, error)
}

// TopUpNotifier reports a settled transfer to the minting service and returns
// the credit minted. Notification is keyed by block index upstream, so
// notifying the same block twice does not mint twice.
type TopUpNotifier interface {
	NotifyTopUp(ctx context.Context, blockIndex uint64, beneficiary string) (uint64, error)
}

// RateProvider supplies the current token/credit exchange rate.
type RateProvider interface {
	Rate(ctx context.Context) (uint64, error)
}

// Service is the settlement engine.
type Service struct {
	ledger   *accounts.Service
	journal  storage.SettlementStore
	transfer TokenTransferrer
	notifier TopUpNotifier
	rates    RateProvider

	// mintingAccount receives escrow debits that buy resource credit.
	mintingAccount string
	commissionRate float64
	log            *logger.Logger
}

// New constructs the settlement engine. A nil journal disables durable
// intents; partial failures are then unrecoverable, which matches the
// pre-journal behavior of the protocol and exists for tests that assert it.
func New(ledger *accounts.Service, journal storage.SettlementStore, transfer TokenTransferrer,
	notifier TopUpNotifier, rates RateProvider, mintingAccount string, commissionRate float64,
	log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		ledger:         ledger,
		journal:        journal,
		transfer:       transfer,
		notifier:       notifier,
		rates:          rates,
		mintingAccount: mintingAccount,
		commissionRate: commissionRate,
		log:            log,
	}
}

// TopUp converts escrowed tokens of the app's owner into resource credit for
// the app. Returns the credit minted and the tokens debited from escrow.
//
// Failure before the transfer leaves no state behind and is safe to retry.
// Failure after the transfer returns an internal error while the journal
// entry stays open; the reconciler resumes it, so a caller retry starts a new
// attempt rather than losing the old one.
func (s *Service) TopUp(ctx context.Context, appID string, requestedCredit uint64) (uint64, int64, error) {
	started := time.Now()
	minted, charged, err := s.topUp(ctx, appID, requestedCredit)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveTopUp(outcome, time.Since(started).Seconds())
	return minted, charged, err
}

func (s *Service) topUp(ctx context.Context, appID string, requestedCredit uint64) (uint64, int64, error) {
	if requestedCredit == 0 {
		return 0, 0, fmt.Errorf("requested credit must be positive")
	}

	app, dev, err := s.ledger.ResolveAppOwner(ctx, appID)
	if err != nil {
		return 0, 0, err
	}

	rate, err := s.rates.Rate(ctx)
	if err != nil {
		return 0, 0, err
	}

	// Integer division truncates toward zero; the rounding loss is the
	// developer's benefit, not the platform's.
	wholeTokens := requestedCredit / rate
	if wholeTokens > math.MaxInt64/uint64(TokenSubunit) {
		return 0, 0, fmt.Errorf("requested credit %d exceeds the maximum transferable amount", requestedCredit)
	}
	tokensNeeded := int64(wholeTokens) * TokenSubunit
	commission := int64(math.Floor(float64(tokensNeeded) * s.commissionRate))

	entry := settlement.Entry{
		ID:               uuid.NewString(),
		AppID:            app.ID,
		DeveloperID:      dev.ID,
		RequestedCredit:  requestedCredit,
		Rate:             rate,
		TokensNeeded:     tokensNeeded,
		CommissionTokens: commission,
		Status:           settlement.StatusPending,
	}
	if s.journal != nil {
		if entry, err = s.journal.CreateEntry(ctx, entry); err != nil {
			return 0, 0, apperr.Internal("journal top-up intent", err)
		}
	}

	blockIndex, err := s.transfer.Transfer(ctx, dev.EscrowSubaccount, s.mintingAccount, tokensNeeded, TopUpMemo)
	if err != nil {
		s.closeEntry(ctx, entry, settlement.StatusFailed, err.Error())
		return 0, 0, apperr.Internal("transfer escrow tokens", err)
	}

	entry.BlockIndex = blockIndex
	entry = s.advanceEntry(ctx, entry, settlement.StatusTransferred)

	minted, err := s.notifier.NotifyTopUp(ctx, blockIndex, app.ID)
	if err != nil {
		// Tokens left escrow but no credit was granted. The entry stays
		// transferred so the reconciler re-notifies with the same block
		// index.
		s.log.WithError(err).
			WithField("app_id", app.ID).
			WithField("block_index", blockIndex).
			Warn("top-up notify failed after transfer")
		return 0, 0, apperr.Internal("notify top-up", err)
	}

	entry.MintedCredit = minted
	entry = s.advanceEntry(ctx, entry, settlement.StatusNotified)

	if err := s.recordUsage(ctx, app.ID, minted, tokensNeeded); err != nil {
		// Credit is minted externally but unrecorded locally; the entry
		// stays notified for the reconciler to finish the bookkeeping.
		s.log.WithError(err).
			WithField("app_id", app.ID).
			Warn("top-up bookkeeping failed after mint")
		return 0, 0, apperr.Internal("record top-up usage", err)
	}

	s.advanceEntry(ctx, entry, settlement.StatusCompleted)

	s.log.WithField("app_id", app.ID).
		WithField("minted_credit", minted).
		WithField("tokens_charged", tokensNeeded).
		Info("top-up settled")
	return minted, tokensNeeded, nil
}

// Withdraw transfers escrowed tokens back out to a destination account. No
// local bookkeeping happens beyond what the ledger itself records, so the
// operation is safe to retry after failure.
func (s *Service) Withdraw(ctx context.Context, developerID, destination string, amount int64) (uint64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("withdraw amount must be positive")
	}

	dev, err := s.ledger.GetDeveloper(ctx, developerID)
	if err != nil {
		return 0, err
	}

	blockIndex, err := s.transfer.Transfer(ctx, dev.EscrowSubaccount, destination, amount, WithdrawMemo)
	if err != nil {
		metrics.CountWithdrawal("error")
		return 0, apperr.Internal("withdraw escrow tokens", err)
	}

	metrics.CountWithdrawal("ok")
	s.log.WithField("developer_id", developerID).
		WithField("amount", amount).
		WithField("block_index", blockIndex).
		Info("escrow withdrawal settled")
	return blockIndex, nil
}

// Resume finishes one open journal entry, re-driving the protocol from the
// step its status records. Used by the reconciler.
func (s *Service) Resume(ctx context.Context, entry settlement.Entry) error {
	switch entry.Status {
	case settlement.StatusTransferred:
		minted, err := s.notifier.NotifyTopUp(ctx, entry.BlockIndex, entry.AppID)
		if err != nil {
			return fmt.Errorf("re-notify block %d: %w", entry.BlockIndex, err)
		}
		entry.MintedCredit = minted
		entry = s.advanceEntry(ctx, entry, settlement.StatusNotified)
		fallthrough

	case settlement.StatusNotified:
		if err := s.recordUsage(ctx, entry.AppID, entry.MintedCredit, entry.TokensNeeded); err != nil {
			return fmt.Errorf("record usage for app %s: %w", entry.AppID, err)
		}
		s.advanceEntry(ctx, entry, settlement.StatusCompleted)
		return nil

	default:
		return fmt.Errorf("entry %s is not resumable from status %s", entry.ID, entry.Status)
	}
}

// Journal exposes the settlement store, for the reconciler.
func (s *Service) Journal() storage.SettlementStore { return s.journal }

func (s *Service) recordUsage(ctx context.Context, appID string, minted uint64, tokens int64) error {
	return s.ledger.RegisterUsage(ctx, appID, appdomain.UsageRecord{
		Kind:         appdomain.UsageResourceTopUp,
		CreditAmount: minted,
		Timestamp:    time.Now().UTC(),
		Amount:       tokens,
	})
}

func (s *Service) advanceEntry(ctx context.Context, entry settlement.Entry, status settlement.Status) settlement.Entry {
	if s.journal == nil {
		entry.Status = status
		return entry
	}
	entry.Status = status
	updated, err := s.journal.UpdateEntry(ctx, entry)
	if err != nil {
		// The protocol keeps going: losing a journal step degrades crash
		// recovery, it must not fail a settlement that already moved value.
		s.log.WithError(err).
			WithField("entry_id", entry.ID).
			WithField("status", status).
			Warn("journal update failed")
		return entry
	}
	return updated
}

func (s *Service) closeEntry(ctx context.Context, entry settlement.Entry, status settlement.Status, reason string) {
	if s.journal == nil {
		return
	}
	entry.Status = status
	entry.Reason = reason
	if _, err := s.journal.UpdateEntry(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).WithField("entry_id", entry.ID).Warn("journal close failed")
	}
}
