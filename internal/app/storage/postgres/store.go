package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/settlement"
	"github.com/mu-platform/escrow_ledger/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Mutations
// that touch both the developer and app collections run in a single
// transaction, so readers never observe one write without the other.
type Store struct {
	db *sql.DB
}

var _ storage.DeveloperStore = (*Store)(nil)
var _ storage.AppStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- DeveloperStore ----------------------------------------------------------

func (s *Store) CreateDeveloper(ctx context.Context, dev developer.Developer) (developer.Developer, error) {
	now := time.Now().UTC()
	dev.CreatedAt = now
	dev.UpdatedAt = now

	appsJSON, err := json.Marshal(dev.Apps)
	if err != nil {
		return developer.Developer{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO developers (id, escrow_subaccount, apps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, dev.ID, dev.EscrowSubaccount[:], appsJSON, dev.CreatedAt, dev.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return developer.Developer{}, fmt.Errorf("developer %s: %w", dev.ID, apperr.ErrAlreadyExists)
		}
		return developer.Developer{}, err
	}
	return dev, nil
}

func (s *Store) GetDeveloper(ctx context.Context, id string) (developer.Developer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, escrow_subaccount, apps, created_at, updated_at
		FROM developers
		WHERE id = $1
	`, id)
	return scanDeveloper(row, id)
}

func (s *Store) DeveloperExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM developers WHERE id = $1)
	`, id).Scan(&exists)
	return exists, err
}

func (s *Store) SubaccountInUse(ctx context.Context, sub developer.Subaccount) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM developers WHERE escrow_subaccount = $1)
	`, sub[:]).Scan(&exists)
	return exists, err
}

// --- AppStore ----------------------------------------------------------------

func (s *Store) CreateApp(ctx context.Context, app appdomain.App) (appdomain.App, error) {
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now

	usagesJSON, err := json.Marshal(usageRows(app.Usages))
	if err != nil {
		return appdomain.App{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		dev, err := lockDeveloper(ctx, tx, app.DeveloperID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO apps (id, developer_id, state, revision, name, payload, usages, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, app.ID, app.DeveloperID, string(app.State), app.Revision, app.Name, app.Payload, usagesJSON, app.CreatedAt, app.UpdatedAt); err != nil {
			return err
		}

		return writeAppList(ctx, tx, dev.ID, append(dev.Apps, app.ID), now)
	})
	if err != nil {
		return appdomain.App{}, err
	}
	return app, nil
}

func (s *Store) RemoveApp(ctx context.Context, developerID, appID string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		dev, err := lockDeveloper(ctx, tx, developerID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE apps SET state = $2, updated_at = $3 WHERE id = $1
		`, appID, string(appdomain.StateDeleted), now); err != nil {
			return err
		}

		kept := dev.Apps[:0:0]
		for _, id := range dev.Apps {
			if id != appID {
				kept = append(kept, id)
			}
		}
		return writeAppList(ctx, tx, developerID, kept, now)
	})
}

func (s *Store) GetApp(ctx context.Context, id string) (appdomain.App, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, developer_id, state, revision, name, payload, usages, created_at, updated_at
		FROM apps
		WHERE id = $1
	`, id)
	return scanApp(row, id)
}

func (s *Store) AppExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM apps WHERE id = $1)
	`, id).Scan(&exists)
	return exists, err
}

func (s *Store) AppendUsage(ctx context.Context, appID string, usage appdomain.UsageRecord) error {
	rowJSON, err := json.Marshal(usageRow{
		Kind:         string(usage.Kind),
		CreditAmount: usage.CreditAmount,
		Details:      usage.Details,
		Timestamp:    usage.Timestamp.UnixNano(),
		Amount:       usage.Amount,
	})
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE apps
		SET usages = usages || $2::jsonb, updated_at = $3
		WHERE id = $1
	`, appID, rowJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("app %s: %w", appID, apperr.ErrAppNotFound)
	}
	return nil
}

// --- SettlementStore ---------------------------------------------------------

func (s *Store) CreateEntry(ctx context.Context, entry settlement.Entry) (settlement.Entry, error) {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_entries
			(id, app_id, developer_id, requested_credit, rate, tokens_needed,
			 commission_tokens, block_index, minted_credit, status, reason,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.AppID, entry.DeveloperID, entry.RequestedCredit, entry.Rate,
		entry.TokensNeeded, entry.CommissionTokens, entry.BlockIndex, entry.MintedCredit,
		string(entry.Status), entry.Reason, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return settlement.Entry{}, err
	}
	return entry, nil
}

func (s *Store) UpdateEntry(ctx context.Context, entry settlement.Entry) (settlement.Entry, error) {
	entry.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_entries
		SET rate = $2, tokens_needed = $3, commission_tokens = $4, block_index = $5,
		    minted_credit = $6, status = $7, reason = $8, updated_at = $9
		WHERE id = $1
	`, entry.ID, entry.Rate, entry.TokensNeeded, entry.CommissionTokens,
		entry.BlockIndex, entry.MintedCredit, string(entry.Status), entry.Reason, entry.UpdatedAt)
	if err != nil {
		return settlement.Entry{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return settlement.Entry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (settlement.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, developer_id, requested_credit, rate, tokens_needed,
		       commission_tokens, block_index, minted_credit, status, reason,
		       created_at, updated_at
		FROM settlement_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (s *Store) ListOpenEntries(ctx context.Context) ([]settlement.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, developer_id, requested_credit, rate, tokens_needed,
		       commission_tokens, block_index, minted_credit, status, reason,
		       created_at, updated_at
		FROM settlement_entries
		WHERE status IN ($1, $2)
		ORDER BY created_at
	`, string(settlement.StatusTransferred), string(settlement.StatusNotified))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []settlement.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// helpers ---------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

type usageRow struct {
	Kind         string `json:"kind"`
	CreditAmount uint64 `json:"credit_amount,omitempty"`
	Details      []byte `json:"details,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Amount       int64  `json:"amount"`
}

func usageRows(usages []appdomain.UsageRecord) []usageRow {
	out := make([]usageRow, 0, len(usages))
	for _, u := range usages {
		out = append(out, usageRow{
			Kind:         string(u.Kind),
			CreditAmount: u.CreditAmount,
			Details:      u.Details,
			Timestamp:    u.Timestamp.UnixNano(),
			Amount:       u.Amount,
		})
	}
	return out
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockDeveloper(ctx context.Context, tx *sql.Tx, id string) (developer.Developer, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, escrow_subaccount, apps, created_at, updated_at
		FROM developers
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanDeveloper(row, id)
}

func writeAppList(ctx context.Context, tx *sql.Tx, developerID string, apps []string, now time.Time) error {
	appsJSON, err := json.Marshal(apps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE developers SET apps = $2, updated_at = $3 WHERE id = $1
	`, developerID, appsJSON, now)
	return err
}

func scanDeveloper(row scanner, id string) (developer.Developer, error) {
	var (
		dev     developer.Developer
		subRaw  []byte
		appsRaw []byte
	)
	if err := row.Scan(&dev.ID, &subRaw, &appsRaw, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return developer.Developer{}, fmt.Errorf("developer %s: %w", id, apperr.ErrDeveloperNotFound)
		}
		return developer.Developer{}, err
	}
	copy(dev.EscrowSubaccount[:], subRaw)
	if len(appsRaw) > 0 {
		if err := json.Unmarshal(appsRaw, &dev.Apps); err != nil {
			return developer.Developer{}, err
		}
	}
	return dev, nil
}

func scanApp(row scanner, id string) (appdomain.App, error) {
	var (
		app       appdomain.App
		state     string
		usagesRaw []byte
	)
	if err := row.Scan(&app.ID, &app.DeveloperID, &state, &app.Revision, &app.Name,
		&app.Payload, &usagesRaw, &app.CreatedAt, &app.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appdomain.App{}, fmt.Errorf("app %s: %w", id, apperr.ErrAppNotFound)
		}
		return appdomain.App{}, err
	}
	app.State = appdomain.State(state)

	if len(usagesRaw) > 0 {
		var rows []usageRow
		if err := json.Unmarshal(usagesRaw, &rows); err != nil {
			return appdomain.App{}, err
		}
		for _, r := range rows {
			app.Usages = append(app.Usages, appdomain.UsageRecord{
				Kind:         appdomain.UsageKind(r.Kind),
				CreditAmount: r.CreditAmount,
				Details:      r.Details,
				Timestamp:    time.Unix(0, r.Timestamp).UTC(),
				Amount:       r.Amount,
			})
		}
	}
	return app, nil
}

func scanEntry(row scanner) (settlement.Entry, error) {
	var (
		entry  settlement.Entry
		status string
	)
	if err := row.Scan(&entry.ID, &entry.AppID, &entry.DeveloperID, &entry.RequestedCredit,
		&entry.Rate, &entry.TokensNeeded, &entry.CommissionTokens, &entry.BlockIndex,
		&entry.MintedCredit, &status, &entry.Reason, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return settlement.Entry{}, err
	}
	entry.Status = settlement.Status(status)
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
