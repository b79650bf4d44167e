package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nhle/maildigest/internal/model"
)

type priorityRow struct {
	Address   string `db:"address"`
	Weight    int    `db:"weight"`
	Note      string `db:"note"`
	UpdatedAt int64  `db:"updated_at"`
}

// SetPriority inserts or replaces the weight for a sender address.
func (s *Store) SetPriority(ctx context.Context, p model.SenderPriority) error {
	if p.Weight < 0 || p.Weight > 10 {
		return fmt.Errorf("sender weight %d out of range", p.Weight)
	}
	addr := strings.ToLower(strings.TrimSpace(p.Address))
	if addr == "" {
		return fmt.Errorf("sender address must not be empty")
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sender_priorities (address, weight, note, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			weight = excluded.weight,
			note = excluded.note,
			updated_at = excluded.updated_at`),
		addr, p.Weight, p.Note, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("setting priority for %s: %w", addr, err)
	}
	return nil
}

// GetPriority returns the weight for address, or ErrNotFound.
func (s *Store) GetPriority(ctx context.Context, address string) (*model.SenderPriority, error) {
	addr := strings.ToLower(strings.TrimSpace(address))

	var row priorityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT address, weight, note, updated_at FROM sender_priorities WHERE address = ?"), addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("priority for %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting priority for %s: %w", addr, err)
	}
	return &model.SenderPriority{
		Address:   row.Address,
		Weight:    row.Weight,
		Note:      row.Note,
		UpdatedAt: fromMillis(row.UpdatedAt),
	}, nil
}

// ListPriorities returns all configured sender weights by address.
func (s *Store) ListPriorities(ctx context.Context) ([]model.SenderPriority, error) {
	var rows []priorityRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT address, weight, note, updated_at FROM sender_priorities ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("listing priorities: %w", err)
	}

	out := make([]model.SenderPriority, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SenderPriority{
			Address:   r.Address,
			Weight:    r.Weight,
			Note:      r.Note,
			UpdatedAt: fromMillis(r.UpdatedAt),
		})
	}
	return out, nil
}
