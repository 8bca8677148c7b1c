// Package accounts implements the account ledger: it owns the developer and
// app collections and mediates every read and write against storage.
package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/settings"
	"github.com/mu-platform/escrow_ledger/internal/app/storage"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

// BalanceFetcher fetches a live account balance from the external ledger.
// Deploy checks always use a live balance, never a cached one.
type BalanceFetcher interface {
	AccountBalance(ctx context.Context, account string) (int64, error)
}

// maxIDAttempts bounds the regeneration loop for random identifiers. The
// identifier space makes a collision practically impossible; the loop exists
// so a collision is handled instead of silently overwriting a record.
const maxIDAttempts = 5

// Service is the account ledger.
type Service struct {
	developers storage.DeveloperStore
	apps       storage.AppStore
	balances   BalanceFetcher
	settings   settings.Settings

	// platformAccount is the ledger account escrow subaccounts hang off.
	platformAccount string

	rand io.Reader
	log  *logger.Logger
}

// New constructs the account ledger service.
func New(developers storage.DeveloperStore, apps storage.AppStore, balances BalanceFetcher,
	cfg settings.Settings, platformAccount string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{
		developers:      developers,
		apps:            apps,
		balances:        balances,
		settings:        cfg,
		platformAccount: platformAccount,
		rand:            rand.Reader,
		log:             log,
	}
}

// WithRandReader overrides the randomness source, for tests.
func (s *Service) WithRandReader(r io.Reader) *Service {
	s.rand = r
	return s
}

// RegisterDeveloper creates a developer account for the caller identity. A
// second registration for the same identity fails with ErrAlreadyExists. The
// escrow subaccount is random, checked against the existing key space, and
// never reused.
func (s *Service) RegisterDeveloper(ctx context.Context, id string) (developer.Developer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return developer.Developer{}, fmt.Errorf("developer id is required")
	}

	exists, err := s.developers.DeveloperExists(ctx, id)
	if err != nil {
		return developer.Developer{}, apperr.Internal("check developer", err)
	}
	if exists {
		return developer.Developer{}, fmt.Errorf("developer %s: %w", id, apperr.ErrAlreadyExists)
	}

	sub, err := s.freshSubaccount(ctx)
	if err != nil {
		return developer.Developer{}, err
	}

	dev, err := s.developers.CreateDeveloper(ctx, developer.Developer{
		ID:               id,
		EscrowSubaccount: sub,
	})
	if err != nil {
		return developer.Developer{}, err
	}

	s.log.WithField("developer_id", dev.ID).Info("developer registered")
	return dev, nil
}

// GetDeveloper returns the developer for the caller identity.
func (s *Service) GetDeveloper(ctx context.Context, id string) (developer.Developer, error) {
	return s.developers.GetDeveloper(ctx, id)
}

// EscrowAccount renders the ledger account identifier holding the
// developer's escrowed value.
func (s *Service) EscrowAccount(dev developer.Developer) string {
	return dev.EscrowSubaccount.EscrowAccount(s.platformAccount)
}

// EscrowBalance fetches the developer's live escrow balance from the ledger.
func (s *Service) EscrowBalance(ctx context.Context, dev developer.Developer) (int64, error) {
	balance, err := s.balances.AccountBalance(ctx, s.EscrowAccount(dev))
	if err != nil {
		return 0, apperr.Internal("fetch escrow balance", err)
	}
	return balance, nil
}

// DeployApp uploads a new app for the developer. The escrow balance check is
// live but advisory: the ledger revalidates every later transfer itself. The
// quota check is best effort under concurrent deploys.
func (s *Service) DeployApp(ctx context.Context, developerID, name string, payload []byte) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("app name is required")
	}

	dev, err := s.developers.GetDeveloper(ctx, developerID)
	if err != nil {
		return "", err
	}

	balance, err := s.EscrowBalance(ctx, dev)
	if err != nil {
		return "", err
	}
	if balance < s.settings.MinimumEscrowBalanceForDeploy {
		return "", &apperr.InsufficientBalanceError{
			Was:    balance,
			Needed: s.settings.MinimumEscrowBalanceForDeploy,
		}
	}

	if len(dev.Apps) >= s.settings.MaxAppsPerDeveloper {
		return "", fmt.Errorf("developer %s: %w", developerID, apperr.ErrQuotaExceeded)
	}

	appID, err := s.freshAppID(ctx)
	if err != nil {
		return "", err
	}

	created, err := s.apps.CreateApp(ctx, appdomain.App{
		ID:          appID,
		DeveloperID: developerID,
		State:       appdomain.StateActive,
		Revision:    1,
		Name:        name,
		Payload:     payload,
	})
	if err != nil {
		return "", err
	}

	s.log.WithField("developer_id", developerID).
		WithField("app_id", created.ID).
		WithField("name", name).
		Info("app deployed")
	return created.ID, nil
}

// RemoveApp deletes an app owned by the caller. Ownership requires both list
// membership and a matching back-reference on the app record. Removing an app
// that is already gone succeeds without effect. The record stays in storage
// as a deleted tombstone.
func (s *Service) RemoveApp(ctx context.Context, developerID, appID string) error {
	dev, err := s.developers.GetDeveloper(ctx, developerID)
	if err != nil {
		return err
	}
	if !dev.OwnsApp(appID) {
		return nil
	}

	app, err := s.apps.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	if app.DeveloperID != developerID {
		// List membership without a matching back-reference means corrupted
		// ownership data; refuse rather than delete on the caller's behalf.
		return fmt.Errorf("app %s owner mismatch: %w", appID, apperr.ErrAppNotFound)
	}

	if err := s.apps.RemoveApp(ctx, developerID, appID); err != nil {
		return err
	}

	s.log.WithField("developer_id", developerID).
		WithField("app_id", appID).
		Info("app removed")
	return nil
}

// GetApp returns one of the developer's apps, or nil when the app is not
// visible to them, even if a record with that ID exists in storage.
func (s *Service) GetApp(ctx context.Context, developerID, appID string) (*appdomain.App, error) {
	dev, err := s.developers.GetDeveloper(ctx, developerID)
	if err != nil {
		return nil, err
	}
	if !dev.OwnsApp(appID) {
		return nil, nil
	}

	app, err := s.apps.GetApp(ctx, appID)
	if err != nil {
		// Only a genuinely missing record is invisibility; a storage
		// failure must not masquerade as absence.
		if errors.Is(err, apperr.ErrAppNotFound) {
			return nil, nil
		}
		return nil, apperr.Internal("load app", err)
	}
	if app.DeveloperID != developerID || !app.Active() {
		return nil, nil
	}
	return &app, nil
}

// ListApps returns all apps visible to the developer, in list order.
func (s *Service) ListApps(ctx context.Context, developerID string) ([]appdomain.App, error) {
	dev, err := s.developers.GetDeveloper(ctx, developerID)
	if err != nil {
		return nil, err
	}

	apps := make([]appdomain.App, 0, len(dev.Apps))
	for _, appID := range dev.Apps {
		app, err := s.apps.GetApp(ctx, appID)
		if err != nil {
			if errors.Is(err, apperr.ErrAppNotFound) {
				continue
			}
			return nil, apperr.Internal("load app", err)
		}
		if app.DeveloperID != developerID || !app.Active() {
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// ResolveAppOwner maps an app identity to the app and its owning developer.
// Only active apps resolve.
func (s *Service) ResolveAppOwner(ctx context.Context, appID string) (appdomain.App, developer.Developer, error) {
	app, err := s.apps.GetApp(ctx, appID)
	if err != nil {
		return appdomain.App{}, developer.Developer{}, err
	}
	if !app.Active() {
		return appdomain.App{}, developer.Developer{}, fmt.Errorf("app %s: %w", appID, apperr.ErrAppNotFound)
	}

	dev, err := s.developers.GetDeveloper(ctx, app.DeveloperID)
	if err != nil {
		return appdomain.App{}, developer.Developer{}, err
	}
	return app, dev, nil
}

// RegisterUsage appends a usage record to the app's append-only sequence. A
// zero timestamp is filled with the current time.
func (s *Service) RegisterUsage(ctx context.Context, appID string, usage appdomain.UsageRecord) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}
	return s.apps.AppendUsage(ctx, appID, usage)
}

func (s *Service) freshSubaccount(ctx context.Context) (developer.Subaccount, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		var sub developer.Subaccount
		if _, err := io.ReadFull(s.rand, sub[:]); err != nil {
			return developer.Subaccount{}, apperr.Internal("generate escrow subaccount", err)
		}

		inUse, err := s.developers.SubaccountInUse(ctx, sub)
		if err != nil {
			return developer.Subaccount{}, apperr.Internal("check escrow subaccount", err)
		}
		if !inUse {
			return sub, nil
		}
	}
	return developer.Subaccount{}, apperr.Internalf("could not generate a fresh escrow subaccount in %d attempts", maxIDAttempts)
}

func (s *Service) freshAppID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := uuid.NewString()

		exists, err := s.apps.AppExists(ctx, id)
		if err != nil {
			return "", apperr.Internal("check app id", err)
		}
		if exists {
			continue
		}

		// App identities share the caller identity namespace; make sure a
		// developer never collides with an app.
		taken, err := s.developers.DeveloperExists(ctx, id)
		if err != nil {
			return "", apperr.Internal("check app id", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", apperr.Internalf("could not generate a fresh app id in %d attempts", maxIDAttempts)
}
