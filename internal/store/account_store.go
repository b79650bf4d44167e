package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/vault"
)

type accountRow struct {
	ID                 string        `db:"id"`
	Address            string        `db:"address"`
	Host               string        `db:"host"`
	Port               int           `db:"port"`
	UseTLS             int           `db:"use_tls"`
	Username           string        `db:"username"`
	PasswordScheme     string        `db:"password_scheme"`
	PasswordCiphertext string        `db:"password_ciphertext"`
	IsActive           int           `db:"is_active"`
	Checkpoint         sql.NullInt64 `db:"checkpoint"`
	CreatedAt          int64         `db:"created_at"`
	UpdatedAt          int64         `db:"updated_at"`
}

func (r accountRow) toModel() (model.EmailAccount, error) {
	ct, err := base64.StdEncoding.DecodeString(r.PasswordCiphertext)
	if err != nil {
		return model.EmailAccount{}, fmt.Errorf("decoding stored credential for %s: %w", r.ID, err)
	}
	a := model.EmailAccount{
		ID:        r.ID,
		Address:   r.Address,
		Host:      r.Host,
		Port:      r.Port,
		UseTLS:    r.UseTLS != 0,
		Username:  r.Username,
		Password:  vault.Sealed{Scheme: vault.Scheme(r.PasswordScheme), Ciphertext: ct},
		Active:    r.IsActive != 0,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	if r.Checkpoint.Valid {
		cp := fromMillis(r.Checkpoint.Int64)
		a.Checkpoint = &cp
	}
	return a, nil
}

const accountColumns = `id, address, host, port, use_tls, username,
	password_scheme, password_ciphertext, is_active, checkpoint,
	created_at, updated_at`

// CreateAccount inserts a new account. Generates a UUID if ID is empty.
// Returns ErrDuplicate when the address is already registered.
func (s *Store) CreateAccount(ctx context.Context, a *model.EmailAccount) error {
	if strings.TrimSpace(a.Address) == "" {
		return fmt.Errorf("account address must not be empty")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Username == "" {
		a.Username = a.Address
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (
			id, address, host, port, use_tls, username,
			password_scheme, password_ciphertext, is_active, checkpoint,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`),
		a.ID, a.Address, a.Host, a.Port, boolToInt(a.UseTLS), a.Username,
		string(a.Password.Scheme), base64.StdEncoding.EncodeToString(a.Password.Ciphertext),
		boolToInt(a.Active), toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating account %s: %w", a.Address, ErrDuplicate)
		}
		return fmt.Errorf("creating account %s: %w", a.Address, err)
	}
	return nil
}

// GetAccount returns the account with the given ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.EmailAccount, error) {
	return s.getAccount(ctx, "id", id)
}

// GetAccountByAddress returns the account registered for address.
func (s *Store) GetAccountByAddress(ctx context.Context, address string) (*model.EmailAccount, error) {
	return s.getAccount(ctx, "address", address)
}

func (s *Store) getAccount(ctx context.Context, column, value string) (*model.EmailAccount, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+accountColumns+" FROM accounts WHERE "+column+" = ?"), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", value, err)
	}
	a, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccounts returns accounts ordered by address. With activeOnly set,
// deactivated accounts are omitted.
func (s *Store) ListAccounts(ctx context.Context, activeOnly bool) ([]model.EmailAccount, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY address"

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	accounts := make([]model.EmailAccount, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// SetAccountActive flips the activity flag. Accounts are never deleted.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?"),
		boolToInt(active), toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}
	return requireOneRow(res, "account "+id)
}

// UpdateAccountCredential replaces the sealed password.
func (s *Store) UpdateAccountCredential(ctx context.Context, id string, sealed vault.Sealed) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE accounts
		SET password_scheme = ?, password_ciphertext = ?, updated_at = ?
		WHERE id = ?`),
		string(sealed.Scheme), base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential for account %s: %w", id, err)
	}
	return requireOneRow(res, "account "+id)
}

// GetCheckpoint returns the stored checkpoint, or nil if none is set yet.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*time.Time, error) {
	var cp sql.NullInt64
	err := s.db.GetContext(ctx, &cp, s.db.Rebind(
		"SELECT checkpoint FROM accounts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint for %s: %w", id, err)
	}
	if !cp.Valid {
		return nil, nil
	}
	t := fromMillis(cp.Int64)
	return &t, nil
}

// AdvanceCheckpoint moves the checkpoint to cursor only if cursor is not
// older than the stored value. It reports false when the stored
// checkpoint is newer. The comparison and write are one statement.
func (s *Store) AdvanceCheckpoint(ctx context.Context, id string, cursor time.Time) (bool, error) {
	ms := toMillis(cursor)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE accounts
		SET checkpoint = ?, updated_at = ?
		WHERE id = ? AND (checkpoint IS NULL OR checkpoint <= ?)`),
		ms, toMillis(s.now()), id, ms,
	)
	if err != nil {
		return false, fmt.Errorf("advancing checkpoint for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing checkpoint for %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.GetCheckpoint(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func requireOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
