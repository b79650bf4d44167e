package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/maildigest/internal/model"
)

type promptRow struct {
	ID        string `db:"id"`
	AgentType string `db:"agent_type"`
	Version   int    `db:"version"`
	Template  string `db:"template"`
	IsActive  int    `db:"is_active"`
	CreatedAt int64  `db:"created_at"`
}

func (r promptRow) toModel() model.PromptVersion {
	return model.PromptVersion{
		ID:        r.ID,
		AgentType: model.AgentType(r.AgentType),
		Version:   r.Version,
		Template:  r.Template,
		Active:    r.IsActive != 0,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

const promptColumns = "id, agent_type, version, template, is_active, created_at"

// CreatePromptVersion stores template as the next version for agentType.
// The new version starts inactive.
func (s *Store) CreatePromptVersion(
	ctx context.Context,
	agentType model.AgentType,
	template string,
) (*model.PromptVersion, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.GetContext(ctx, &maxVersion, tx.Rebind(
		"SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE agent_type = ?"),
		string(agentType))
	if err != nil {
		return nil, fmt.Errorf("reading latest prompt version: %w", err)
	}

	pv := &model.PromptVersion{
		ID:        uuid.New().String(),
		AgentType: agentType,
		Version:   maxVersion + 1,
		Template:  template,
		CreatedAt: s.now().UTC(),
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO prompt_versions (id, agent_type, version, template, is_active, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`),
		pv.ID, string(pv.AgentType), pv.Version, pv.Template, toMillis(pv.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("creating %s prompt v%d: %w", agentType, pv.Version, ErrDuplicate)
		}
		return nil, fmt.Errorf("creating %s prompt: %w", agentType, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing prompt version: %w", err)
	}
	return pv, nil
}

// ActivatePromptVersion makes version the only active template for
// agentType. The flip happens in one transaction.
func (s *Store) ActivatePromptVersion(ctx context.Context, agentType model.AgentType, version int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(
		"UPDATE prompt_versions SET is_active = 0 WHERE agent_type = ? AND is_active = 1"),
		string(agentType))
	if err != nil {
		return fmt.Errorf("deactivating %s prompts: %w", agentType, err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		"UPDATE prompt_versions SET is_active = 1 WHERE agent_type = ? AND version = ?"),
		string(agentType), version)
	if err != nil {
		return fmt.Errorf("activating %s prompt v%d: %w", agentType, version, err)
	}
	if err := requireOneRow(res, fmt.Sprintf("%s prompt v%d", agentType, version)); err != nil {
		return err
	}

	return tx.Commit()
}

// ActivePrompt returns the active template for agentType, or ErrNotFound.
func (s *Store) ActivePrompt(ctx context.Context, agentType model.AgentType) (*model.PromptVersion, error) {
	var row promptRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+promptColumns+" FROM prompt_versions WHERE agent_type = ? AND is_active = 1"),
		string(agentType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active %s prompt: %w", agentType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting active %s prompt: %w", agentType, err)
	}
	pv := row.toModel()
	return &pv, nil
}

// ListPromptVersions returns every version for agentType, newest first.
func (s *Store) ListPromptVersions(ctx context.Context, agentType model.AgentType) ([]model.PromptVersion, error) {
	var rows []promptRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT "+promptColumns+" FROM prompt_versions WHERE agent_type = ? ORDER BY version DESC"),
		string(agentType))
	if err != nil {
		return nil, fmt.Errorf("listing %s prompts: %w", agentType, err)
	}

	out := make([]model.PromptVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
