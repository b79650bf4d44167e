package secret

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/vault"
)

// ErrNotSet is returned when a secret is neither stored nor provided by
// the environment.
var ErrNotSet = errors.New("secret not set")

// Store is the persistence the manager needs.
type Store interface {
	PutSecret(ctx context.Context, name string, sealed vault.Sealed) error
	GetSecret(ctx context.Context, name string) (*model.Secret, error)
	ListSecrets(ctx context.Context) ([]model.Secret, error)
}

// Manager seals third-party credentials at rest.
type Manager struct {
	store  Store
	vault  *vault.Vault
	logger *zap.Logger
}

// NewManager returns a Manager over s.
func NewManager(s Store, v *vault.Vault, logger *zap.Logger) *Manager {
	return &Manager{store: s, vault: v, logger: logging.OrNop(logger)}
}

// Put seals value under the default scheme and stores it as name.
func (m *Manager) Put(ctx context.Context, name, value string) error {
	sealed, err := m.vault.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("sealing secret %s: %w", name, err)
	}
	return m.store.PutSecret(ctx, name, sealed)
}

// Get opens the secret stored as name.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	sec, err := m.store.GetSecret(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("secret %s: %w", name, ErrNotSet)
	}
	if err != nil {
		return "", err
	}
	plain, err := m.vault.Decrypt(sec.Value)
	if err != nil {
		return "", fmt.Errorf("opening secret %s: %w", name, err)
	}
	return string(plain), nil
}

// Export returns the stored secret name in its sealed text form. The
// value stays sealed; only a vault holding the same key can open it.
func (m *Manager) Export(ctx context.Context, name string) (string, error) {
	sec, err := m.store.GetSecret(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("secret %s: %w", name, ErrNotSet)
	}
	if err != nil {
		return "", err
	}
	return sec.Value.String(), nil
}

// Import stores a sealed text form produced by Export as name. The value
// must open under this vault's key.
func (m *Manager) Import(ctx context.Context, name, text string) error {
	sealed, err := vault.ParseSealed(text)
	if err != nil {
		return fmt.Errorf("importing secret %s: %w", name, err)
	}
	if _, err := m.vault.Decrypt(sealed); err != nil {
		return fmt.Errorf("importing secret %s: %w", name, err)
	}
	return m.store.PutSecret(ctx, name, sealed)
}

// Resolve returns the value of envVar when it is set, otherwise the
// stored secret name.
func (m *Manager) Resolve(ctx context.Context, envVar, name string) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}
	return m.Get(ctx, name)
}

// Migrate re-seals every secret not yet under the default scheme.
func (m *Manager) Migrate(ctx context.Context) (int, error) {
	secrets, err := m.store.ListSecrets(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, sec := range secrets {
		if sec.Value.Scheme == vault.DefaultScheme {
			continue
		}
		sealed, err := m.vault.Rewrap(sec.Value, vault.DefaultScheme)
		if err != nil {
			m.logger.Error("secret migration failed",
				zap.String("secret", sec.Name),
				zap.String("scheme", string(sec.Value.Scheme)),
				zap.Error(err),
			)
			continue
		}
		if err := m.store.PutSecret(ctx, sec.Name, sealed); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}
