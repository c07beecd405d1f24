// Package storage persists linked accounts and the append-only snapshot
// log in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"calfeed/internal/models"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath and applies
// migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			provider TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			needs_reauth INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ical TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// InsertAccount stores a new linked account. A missing ID is assigned.
func (s *Store) InsertAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, role, provider, settings, needs_reauth)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, string(account.Role), account.Provider,
		string(settings), boolToInt(account.NeedsReauth))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount fetches one account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, role, provider, settings, needs_reauth, created_at
		 FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListByUser returns every account linked by a user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, provider, settings, needs_reauth, created_at
		 FROM accounts WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListUserIDs returns every user with at least one linked account, for the
// scheduled sync sweep.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveToken replaces an account's settings; used when an OAuth token is
// refreshed or a link flow re-authorizes the account.
func (s *Store) SaveToken(ctx context.Context, accountID string, settings models.Settings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET settings = ? WHERE id = ?`, string(encoded), accountID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return requireRow(res)
}

// SetNeedsReauth flags or clears an account's reauthentication marker.
func (s *Store) SetNeedsReauth(ctx context.Context, accountID string, needs bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET needs_reauth = ? WHERE id = ?`, boolToInt(needs), accountID)
	if err != nil {
		return fmt.Errorf("update needs_reauth: %w", err)
	}
	return requireRow(res)
}

// DeleteAccount removes a linked account.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

// InsertSnapshot appends one raw ICS capture. Snapshots are never updated
// or deleted from this code path.
func (s *Store) InsertSnapshot(ctx context.Context, ical string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, ical) VALUES (?, ?)`, uuid.New().String(), ical)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns the most recent captures, newest first, for
// diagnostics.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, ical FROM snapshots
		 ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.ID, &snap.CreatedAt, &snap.ICal); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// CountSnapshots reports how many captures are on record.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var (
		account     models.Account
		role        string
		settings    string
		needsReauth int
		createdAt   time.Time
	)
	err := row.Scan(&account.ID, &account.UserID, &role, &account.Provider,
		&settings, &needsReauth, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &account.Settings); err != nil {
		return models.Account{}, fmt.Errorf("decode settings: %w", err)
	}
	account.Role = models.AccountRole(role)
	account.NeedsReauth = needsReauth != 0
	account.CreatedAt = createdAt
	return account, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
