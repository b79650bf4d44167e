package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/store"
)

// ErrNoActiveVersion is returned when an agent type has no active
// template.
var ErrNoActiveVersion = errors.New("no active prompt version")

// Store is the persistence the library needs.
type Store interface {
	CreatePromptVersion(ctx context.Context, agentType model.AgentType, template string) (*model.PromptVersion, error)
	ActivatePromptVersion(ctx context.Context, agentType model.AgentType, version int) error
	ActivePrompt(ctx context.Context, agentType model.AgentType) (*model.PromptVersion, error)
	ListPromptVersions(ctx context.Context, agentType model.AgentType) ([]model.PromptVersion, error)
}

// Library manages versioned prompt templates.
type Library struct {
	store  Store
	logger *zap.Logger
}

// NewLibrary returns a Library over s.
func NewLibrary(s Store, logger *zap.Logger) *Library {
	return &Library{store: s, logger: logging.OrNop(logger)}
}

// Active returns the active version for agentType.
func (l *Library) Active(ctx context.Context, agentType model.AgentType) (*model.PromptVersion, error) {
	pv, err := l.store.ActivePrompt(ctx, agentType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", agentType, ErrNoActiveVersion)
	}
	return pv, err
}

// Add validates and stores tmpl as the next version. When activate is
// set the new version becomes the active one.
func (l *Library) Add(
	ctx context.Context,
	agentType model.AgentType,
	tmpl string,
	activate bool,
) (*model.PromptVersion, error) {
	if !validAgent(agentType) {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	if _, err := parse(string(agentType), tmpl); err != nil {
		return nil, err
	}

	pv, err := l.store.CreatePromptVersion(ctx, agentType, tmpl)
	if err != nil {
		return nil, err
	}
	if activate {
		if err := l.store.ActivatePromptVersion(ctx, agentType, pv.Version); err != nil {
			return nil, err
		}
		pv.Active = true
	}

	l.logger.Info("prompt version added",
		zap.String("agent_type", string(agentType)),
		zap.Int("version", pv.Version),
		zap.Bool("active", pv.Active),
	)
	return pv, nil
}

// Activate flips the active version for agentType.
func (l *Library) Activate(ctx context.Context, agentType model.AgentType, version int) error {
	if err := l.store.ActivatePromptVersion(ctx, agentType, version); err != nil {
		return err
	}
	l.logger.Info("prompt version activated",
		zap.String("agent_type", string(agentType)),
		zap.Int("version", version),
	)
	return nil
}

// List returns every version for agentType, newest first.
func (l *Library) List(ctx context.Context, agentType model.AgentType) ([]model.PromptVersion, error) {
	return l.store.ListPromptVersions(ctx, agentType)
}

// EnsureDefaults seeds and activates the built-in template for each agent
// type that has no active version yet.
func (l *Library) EnsureDefaults(ctx context.Context) error {
	for _, agentType := range []model.AgentType{model.AgentRelevance, model.AgentSummary} {
		_, err := l.Active(ctx, agentType)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoActiveVersion) {
			return err
		}
		if _, err := l.Add(ctx, agentType, defaults[agentType], true); err != nil {
			return fmt.Errorf("seeding %s prompt: %w", agentType, err)
		}
	}
	return nil
}

// Render executes the template of pv against data. Unknown fields are
// errors rather than empty strings.
func Render(pv *model.PromptVersion, data any) (string, error) {
	t, err := parse(fmt.Sprintf("%s-v%d", pv.AgentType, pv.Version), pv.Template)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt v%d: %w", pv.AgentType, pv.Version, err)
	}
	return buf.String(), nil
}

func parse(name, tmpl string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template %s: %w", name, err)
	}
	return t, nil
}

func validAgent(a model.AgentType) bool {
	return a == model.AgentRelevance || a == model.AgentSummary
}
