package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/vault"
)

type secretRow struct {
	Name       string `db:"name"`
	Scheme     string `db:"scheme"`
	Ciphertext string `db:"ciphertext"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r secretRow) toModel() (model.Secret, error) {
	ct, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return model.Secret{}, fmt.Errorf("decoding stored secret %s: %w", r.Name, err)
	}
	return model.Secret{
		Name:      r.Name,
		Value:     vault.Sealed{Scheme: vault.Scheme(r.Scheme), Ciphertext: ct},
		UpdatedAt: fromMillis(r.UpdatedAt),
	}, nil
}

// PutSecret inserts or replaces a sealed secret.
func (s *Store) PutSecret(ctx context.Context, name string, sealed vault.Sealed) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO secrets (name, scheme, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			scheme = excluded.scheme,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`),
		name, string(sealed.Scheme), base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("storing secret %s: %w", name, err)
	}
	return nil
}

// GetSecret returns the sealed secret stored under name, or ErrNotFound.
func (s *Store) GetSecret(ctx context.Context, name string) (*model.Secret, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT name, scheme, ciphertext, updated_at FROM secrets WHERE name = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting secret %s: %w", name, err)
	}
	sec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

// ListSecrets returns every stored secret. Values stay sealed.
func (s *Store) ListSecrets(ctx context.Context) ([]model.Secret, error) {
	var rows []secretRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT name, scheme, ciphertext, updated_at FROM secrets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}

	out := make([]model.Secret, 0, len(rows))
	for _, r := range rows {
		sec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, nil
}
