package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/settlement"
	"github.com/mu-platform/escrow_ledger/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. Every multi-record mutation happens under one write lock, so
// no reader can observe an app record without its developer-list reference.
type Store struct {
	mu          sync.RWMutex
	developers  map[string]developer.Developer
	subaccounts map[developer.Subaccount]string
	apps        map[string]appdomain.App
	entries     map[string]settlement.Entry
}

var _ storage.DeveloperStore = (*Store)(nil)
var _ storage.AppStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		developers:  make(map[string]developer.Developer),
		subaccounts: make(map[developer.Subaccount]string),
		apps:        make(map[string]appdomain.App),
		entries:     make(map[string]settlement.Entry),
	}
}

// DeveloperStore implementation ----------------------------------------------

func (s *Store) CreateDeveloper(_ context.Context, dev developer.Developer) (developer.Developer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.developers[dev.ID]; exists {
		return developer.Developer{}, fmt.Errorf("developer %s: %w", dev.ID, apperr.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now
	dev.Apps = cloneIDs(dev.Apps)

	s.developers[dev.ID] = dev
	s.subaccounts[dev.EscrowSubaccount] = dev.ID
	return cloneDeveloper(dev), nil
}

func (s *Store) GetDeveloper(_ context.Context, id string) (developer.Developer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.developers[id]
	if !ok {
		return developer.Developer{}, fmt.Errorf("developer %s: %w", id, apperr.ErrDeveloperNotFound)
	}
	return cloneDeveloper(dev), nil
}

func (s *Store) DeveloperExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.developers[id]
	return ok, nil
}

func (s *Store) SubaccountInUse(_ context.Context, sub developer.Subaccount) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subaccounts[sub]
	return ok, nil
}

// AppStore implementation -----------------------------------------------------

func (s *Store) CreateApp(_ context.Context, app appdomain.App) (appdomain.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.developers[app.DeveloperID]
	if !ok {
		return appdomain.App{}, fmt.Errorf("developer %s: %w", app.DeveloperID, apperr.ErrDeveloperNotFound)
	}
	if _, exists := s.apps[app.ID]; exists {
		return appdomain.App{}, fmt.Errorf("app %s already exists", app.ID)
	}

	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	app.Payload = cloneBytes(app.Payload)
	app.Usages = cloneUsages(app.Usages)

	s.apps[app.ID] = app

	dev.Apps = append(cloneIDs(dev.Apps), app.ID)
	dev.UpdatedAt = now
	s.developers[dev.ID] = dev

	return cloneApp(app), nil
}

func (s *Store) RemoveApp(_ context.Context, developerID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.developers[developerID]
	if !ok {
		return fmt.Errorf("developer %s: %w", developerID, apperr.ErrDeveloperNotFound)
	}

	now := time.Now().UTC()
	if app, ok := s.apps[appID]; ok && app.State != appdomain.StateDeleted {
		app.State = appdomain.StateDeleted
		app.UpdatedAt = now
		s.apps[appID] = app
	}

	kept := dev.Apps[:0:0]
	for _, id := range dev.Apps {
		if id != appID {
			kept = append(kept, id)
		}
	}
	dev.Apps = kept
	dev.UpdatedAt = now
	s.developers[developerID] = dev
	return nil
}

func (s *Store) GetApp(_ context.Context, id string) (appdomain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return appdomain.App{}, fmt.Errorf("app %s: %w", id, apperr.ErrAppNotFound)
	}
	return cloneApp(app), nil
}

func (s *Store) AppExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.apps[id]
	return ok, nil
}

func (s *Store) AppendUsage(_ context.Context, appID string, usage appdomain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return fmt.Errorf("app %s: %w", appID, apperr.ErrAppNotFound)
	}

	usage.Details = cloneBytes(usage.Details)
	app.Usages = append(cloneUsages(app.Usages), usage)
	app.UpdatedAt = time.Now().UTC()
	s.apps[appID] = app
	return nil
}

// SettlementStore implementation ----------------------------------------------

func (s *Store) CreateEntry(_ context.Context, entry settlement.Entry) (settlement.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	} else if _, exists := s.entries[entry.ID]; exists {
		return settlement.Entry{}, fmt.Errorf("settlement entry %s already exists", entry.ID)
	}

	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *Store) UpdateEntry(_ context.Context, entry settlement.Entry) (settlement.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.entries[entry.ID]
	if !ok {
		return settlement.Entry{}, fmt.Errorf("settlement entry %s not found", entry.ID)
	}

	entry.CreatedAt = original.CreatedAt
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *Store) GetEntry(_ context.Context, id string) (settlement.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return settlement.Entry{}, fmt.Errorf("settlement entry %s not found", id)
	}
	return entry, nil
}

func (s *Store) ListOpenEntries(_ context.Context) ([]settlement.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Entry, 0)
	for _, entry := range s.entries {
		if entry.Open() {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// helpers ---------------------------------------------------------------------

func cloneDeveloper(dev developer.Developer) developer.Developer {
	dev.Apps = cloneIDs(dev.Apps)
	return dev
}

func cloneApp(app appdomain.App) appdomain.App {
	app.Payload = cloneBytes(app.Payload)
	app.Usages = cloneUsages(app.Usages)
	return app
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneUsages(usages []appdomain.UsageRecord) []appdomain.UsageRecord {
	if usages == nil {
		return nil
	}
	out := make([]appdomain.UsageRecord, len(usages))
	copy(out, usages)
	for i := range out {
		out[i].Details = cloneBytes(out[i].Details)
	}
	return out
}
