package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/maildigest/internal/model"
)

type emailRow struct {
	ID             string        `db:"id"`
	AccountID      string        `db:"account_id"`
	RemoteID       string        `db:"remote_id"`
	Subject        string        `db:"subject"`
	SenderAddress  string        `db:"sender_address"`
	SenderName     string        `db:"sender_name"`
	Body           string        `db:"body"`
	ReceivedAt     int64         `db:"received_at"`
	RelevanceScore sql.NullInt64 `db:"relevance_score"`
	Category       string        `db:"category"`
	Summarized     int           `db:"summarized"`
	CreatedAt      int64         `db:"created_at"`
}

func (r emailRow) toModel() model.Email {
	e := model.Email{
		ID:            r.ID,
		AccountID:     r.AccountID,
		RemoteID:      r.RemoteID,
		Subject:       r.Subject,
		SenderAddress: r.SenderAddress,
		SenderName:    r.SenderName,
		Body:          r.Body,
		ReceivedAt:    fromMillis(r.ReceivedAt),
		Category:      r.Category,
		Summarized:    r.Summarized != 0,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
	if r.RelevanceScore.Valid {
		score := int(r.RelevanceScore.Int64)
		e.RelevanceScore = &score
	}
	return e
}

func rowsToEmails(rows []emailRow) []model.Email {
	emails := make([]model.Email, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.toModel())
	}
	return emails
}

const emailColumns = `id, account_id, remote_id, subject, sender_address,
	sender_name, body, received_at, relevance_score, category, summarized,
	created_at`

// InsertEmail stores a newly fetched email. When (account, remote id) is
// already present the existing row is kept, e.ID is set to its ID and
// inserted is false.
func (s *Store) InsertEmail(ctx context.Context, e *model.Email) (inserted bool, err error) {
	if e.AccountID == "" || e.RemoteID == "" {
		return false, fmt.Errorf("email requires account and remote id")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now().UTC()
	e.CreatedAt = now

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO emails (
			id, account_id, remote_id, subject, sender_address,
			sender_name, body, received_at, relevance_score, category,
			summarized, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', 0, ?)
		ON CONFLICT (account_id, remote_id) DO NOTHING`),
		e.ID, e.AccountID, e.RemoteID, e.Subject, e.SenderAddress,
		e.SenderName, e.Body, toMillis(e.ReceivedAt), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("inserting email %s/%s: %w", e.AccountID, e.RemoteID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting email %s/%s: %w", e.AccountID, e.RemoteID, err)
	}
	if n == 1 {
		return true, nil
	}

	existing, err := s.GetEmailByRemoteID(ctx, e.AccountID, e.RemoteID)
	if err != nil {
		return false, err
	}
	*e = *existing
	return false, nil
}

// GetEmail returns the email with the given ID.
func (s *Store) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+emailColumns+" FROM emails WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting email %s: %w", id, err)
	}
	e := row.toModel()
	return &e, nil
}

// GetEmailByRemoteID returns the email fetched from accountID with the
// given remote id.
func (s *Store) GetEmailByRemoteID(ctx context.Context, accountID, remoteID string) (*model.Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+emailColumns+" FROM emails WHERE account_id = ? AND remote_id = ?"),
		accountID, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s/%s: %w", accountID, remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting email %s/%s: %w", accountID, remoteID, err)
	}
	e := row.toModel()
	return &e, nil
}

// ListUnscored returns up to limit emails without a relevance score,
// oldest first. A limit of zero means no limit.
func (s *Store) ListUnscored(ctx context.Context, limit int) ([]model.Email, error) {
	query := "SELECT " + emailColumns + " FROM emails WHERE relevance_score IS NULL ORDER BY received_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing unscored emails: %w", err)
	}
	return rowsToEmails(rows), nil
}

// SetScore records the relevance score and category. A score is written
// at most once: ErrScoreAlreadySet is returned if one is present.
func (s *Store) SetScore(ctx context.Context, id string, score int, category string) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("relevance score %d out of range", score)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE emails SET relevance_score = ?, category = ?
		WHERE id = ? AND relevance_score IS NULL`),
		score, category, id,
	)
	if err != nil {
		return fmt.Errorf("scoring email %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("scoring email %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetEmail(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("scoring email %s: %w", id, ErrScoreAlreadySet)
}

// ListSummaryCandidates returns emails received in [start, end) with a
// score at or above threshold that no summary has claimed yet, in
// receipt order.
func (s *Store) ListSummaryCandidates(
	ctx context.Context,
	start, end time.Time,
	threshold int,
) ([]model.Email, error) {
	var rows []emailRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+emailColumns+` FROM emails
		WHERE received_at >= ? AND received_at < ?
		  AND relevance_score IS NOT NULL
		  AND relevance_score >= ?
		  AND summarized = 0
		ORDER BY received_at, id`),
		toMillis(start), toMillis(end), threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("listing summary candidates: %w", err)
	}
	return rowsToEmails(rows), nil
}

// CountEmails returns the number of stored emails for an account.
func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT COUNT(*) FROM emails WHERE account_id = ?"), accountID)
	if err != nil {
		return 0, fmt.Errorf("counting emails for %s: %w", accountID, err)
	}
	return n, nil
}
