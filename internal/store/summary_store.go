package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/maildigest/internal/model"
)

type summaryRow struct {
	ID           string `db:"id"`
	WindowStart  int64  `db:"window_start"`
	WindowEnd    int64  `db:"window_end"`
	Digest       string `db:"digest"`
	EmailIDs     string `db:"email_ids"`
	EmailCount   int    `db:"email_count"`
	Model        string `db:"model"`
	InputTokens  int    `db:"input_tokens"`
	OutputTokens int    `db:"output_tokens"`
	GeneratedAt  int64  `db:"generated_at"`
}

func (r summaryRow) toModel() (model.DailySummary, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.EmailIDs), &ids); err != nil {
		return model.DailySummary{}, fmt.Errorf("decoding email ids of summary %s: %w", r.ID, err)
	}
	return model.DailySummary{
		ID:           r.ID,
		WindowStart:  fromMillis(r.WindowStart),
		WindowEnd:    fromMillis(r.WindowEnd),
		Digest:       r.Digest,
		EmailIDs:     ids,
		Model:        r.Model,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		GeneratedAt:  fromMillis(r.GeneratedAt),
	}, nil
}

const summaryColumns = `id, window_start, window_end, digest, email_ids,
	email_count, model, input_tokens, output_tokens, generated_at`

// CreateSummary inserts the summary and marks exactly its emails as
// summarized in one transaction. If any email was already claimed the
// whole write is rolled back with ErrAlreadySummarized; a second summary
// for the same window fails with ErrDuplicate.
func (s *Store) CreateSummary(ctx context.Context, sum *model.DailySummary) error {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.GeneratedAt.IsZero() {
		sum.GeneratedAt = s.now().UTC()
	}

	ids, err := json.Marshal(sum.EmailIDs)
	if err != nil {
		return fmt.Errorf("marshaling email ids: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO daily_summaries (
			id, window_start, window_end, digest, email_ids,
			email_count, model, input_tokens, output_tokens, generated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sum.ID, toMillis(sum.WindowStart), toMillis(sum.WindowEnd), sum.Digest, string(ids),
		len(sum.EmailIDs), sum.Model, sum.InputTokens, sum.OutputTokens, toMillis(sum.GeneratedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating summary for window: %w", ErrDuplicate)
		}
		return fmt.Errorf("creating summary: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		"UPDATE emails SET summarized = 1 WHERE id = ? AND summarized = 0"))
	if err != nil {
		return fmt.Errorf("preparing summarized update: %w", err)
	}
	defer stmt.Close()

	for _, id := range sum.EmailIDs {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return fmt.Errorf("marking email %s summarized: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("marking email %s summarized: %w", id, err)
		}
		if n != 1 {
			return fmt.Errorf("marking email %s: %w", id, ErrAlreadySummarized)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing summary: %w", err)
	}
	return nil
}

// GetSummaryByWindow returns the summary generated for [start, end).
func (s *Store) GetSummaryByWindow(ctx context.Context, start, end time.Time) (*model.DailySummary, error) {
	var row summaryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+summaryColumns+" FROM daily_summaries WHERE window_start = ? AND window_end = ?"),
		toMillis(start), toMillis(end))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for window: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting summary: %w", err)
	}
	sum, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// ListSummaries returns the most recent summaries first.
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]model.DailySummary, error) {
	query := "SELECT " + summaryColumns + " FROM daily_summaries ORDER BY window_start DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}

	out := make([]model.DailySummary, 0, len(rows))
	for _, r := range rows {
		sum, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
