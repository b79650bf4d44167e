package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/maildigest/internal/model"
)

type logRow struct {
	Seq       int64  `db:"seq"`
	Subject   string `db:"subject"`
	Stage     string `db:"stage"`
	Outcome   string `db:"outcome"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}

func (r logRow) toModel() model.ProcessingLogEntry {
	return model.ProcessingLogEntry{
		Seq:       r.Seq,
		Subject:   r.Subject,
		Stage:     model.Stage(r.Stage),
		Outcome:   model.Outcome(r.Outcome),
		Detail:    r.Detail,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

const logColumns = "seq, subject, stage, outcome, detail, created_at"

// AppendLog appends a ledger entry. Entries are never updated or deleted.
func (s *Store) AppendLog(ctx context.Context, e *model.ProcessingLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO processing_log (subject, stage, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		e.Subject, string(e.Stage), string(e.Outcome), e.Detail, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending ledger entry for %s: %w", e.Subject, err)
	}
	return nil
}

// LastLog returns the most recent entry for subject at stage.
func (s *Store) LastLog(ctx context.Context, subject string, stage model.Stage) (*model.ProcessingLogEntry, error) {
	var row logRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+logColumns+` FROM processing_log
		WHERE subject = ? AND stage = ?
		ORDER BY seq DESC LIMIT 1`),
		subject, string(stage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger %s/%s: %w", subject, stage, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s/%s: %w", subject, stage, err)
	}
	e := row.toModel()
	return &e, nil
}

// ListLog returns entries for subject in append order. A limit of zero
// means no limit.
func (s *Store) ListLog(ctx context.Context, subject string, limit int) ([]model.ProcessingLogEntry, error) {
	query := "SELECT " + logColumns + " FROM processing_log WHERE subject = ? ORDER BY seq"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), subject); err != nil {
		return nil, fmt.Errorf("listing ledger for %s: %w", subject, err)
	}

	out := make([]model.ProcessingLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
