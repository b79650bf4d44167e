package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/vault"
)

// Store is the persistence the registry needs.
type Store interface {
	CreateAccount(ctx context.Context, a *model.EmailAccount) error
	GetAccount(ctx context.Context, id string) (*model.EmailAccount, error)
	GetAccountByAddress(ctx context.Context, address string) (*model.EmailAccount, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]model.EmailAccount, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	UpdateAccountCredential(ctx context.Context, id string, sealed vault.Sealed) error
	GetCheckpoint(ctx context.Context, id string) (*time.Time, error)
	AdvanceCheckpoint(ctx context.Context, id string, cursor time.Time) (bool, error)
	SetPriority(ctx context.Context, p model.SenderPriority) error
	GetPriority(ctx context.Context, address string) (*model.SenderPriority, error)
}

// Registry is the source of truth for accounts, their checkpoints and
// sender priorities.
type Registry struct {
	store  Store
	vault  *vault.Vault
	logger *zap.Logger
}

// New returns a Registry over s. v seals and opens account passwords.
func New(s Store, v *vault.Vault, logger *zap.Logger) *Registry {
	return &Registry{store: s, vault: v, logger: logging.OrNop(logger)}
}

// ListActive returns every account that should be polled.
func (r *Registry) ListActive(ctx context.Context) ([]model.EmailAccount, error) {
	return r.store.ListAccounts(ctx, true)
}

// ListAll returns every account, including deactivated ones.
func (r *Registry) ListAll(ctx context.Context) ([]model.EmailAccount, error) {
	return r.store.ListAccounts(ctx, false)
}

// Checkpoint returns the account's cursor, or nil before the first fetch.
func (r *Registry) Checkpoint(ctx context.Context, accountID string) (*time.Time, error) {
	return r.store.GetCheckpoint(ctx, accountID)
}

// AdvanceCheckpoint moves the account's cursor forward. A cursor equal to
// the stored one is a no-op; an older one fails with
// *OutOfOrderCheckpointError and leaves the stored value untouched.
func (r *Registry) AdvanceCheckpoint(ctx context.Context, accountID string, cursor time.Time) error {
	ok, err := r.store.AdvanceCheckpoint(ctx, accountID, cursor)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, err := r.store.GetCheckpoint(ctx, accountID)
	if err != nil {
		return err
	}
	ooErr := &OutOfOrderCheckpointError{AccountID: accountID, Proposed: cursor.UTC()}
	if current != nil {
		ooErr.Current = *current
	}

	metrics.RecordCheckpointAnomaly()
	r.logger.Error("refused checkpoint regression",
		zap.String("severity", "high"),
		zap.String("account_id", accountID),
		zap.Time("current", ooErr.Current),
		zap.Time("proposed", ooErr.Proposed),
	)
	return ooErr
}

// PriorityFor returns the configured weight for a sender, or
// model.DefaultSenderWeight when none is configured.
func (r *Registry) PriorityFor(ctx context.Context, senderAddress string) (int, error) {
	addr := strings.ToLower(strings.TrimSpace(senderAddress))
	if addr == "" {
		return model.DefaultSenderWeight, nil
	}

	p, err := r.store.GetPriority(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return model.DefaultSenderWeight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("looking up priority for %s: %w", addr, err)
	}
	return p.Weight, nil
}

// SetPriority assigns a weight between 0 and 10 to a sender.
func (r *Registry) SetPriority(ctx context.Context, address string, weight int, note string) error {
	return r.store.SetPriority(ctx, model.SenderPriority{Address: address, Weight: weight, Note: note})
}

// AccountSpec describes a mailbox to register.
type AccountSpec struct {
	Address  string
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
}

// AddAccount registers a new active account with its password sealed
// under the default scheme.
func (r *Registry) AddAccount(ctx context.Context, spec AccountSpec) (*model.EmailAccount, error) {
	if spec.Port == 0 {
		spec.Port = 993
	}
	sealed, err := r.vault.Seal([]byte(spec.Password))
	if err != nil {
		return nil, fmt.Errorf("sealing password for %s: %w", spec.Address, err)
	}

	a := &model.EmailAccount{
		Address:  strings.TrimSpace(spec.Address),
		Host:     spec.Host,
		Port:     spec.Port,
		UseTLS:   spec.UseTLS,
		Username: spec.Username,
		Password: sealed,
		Active:   true,
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}

	r.logger.Info("account registered",
		zap.String("account_id", a.ID),
		zap.String("address", a.Address),
	)
	return a, nil
}

// SetActive activates or deactivates an account by address.
func (r *Registry) SetActive(ctx context.Context, address string, active bool) error {
	a, err := r.store.GetAccountByAddress(ctx, address)
	if err != nil {
		return err
	}
	return r.store.SetAccountActive(ctx, a.ID, active)
}

// RotateCredential replaces an account's password.
func (r *Registry) RotateCredential(ctx context.Context, address, password string) error {
	a, err := r.store.GetAccountByAddress(ctx, address)
	if err != nil {
		return err
	}
	sealed, err := r.vault.Seal([]byte(password))
	if err != nil {
		return fmt.Errorf("sealing password for %s: %w", address, err)
	}
	return r.store.UpdateAccountCredential(ctx, a.ID, sealed)
}

// Password opens the account's sealed password. The returned slice must
// not be logged.
func (r *Registry) Password(_ context.Context, a model.EmailAccount) ([]byte, error) {
	plain, err := r.vault.Decrypt(a.Password)
	if err != nil {
		return nil, fmt.Errorf("opening credential for account %s: %w", a.ID, err)
	}
	return plain, nil
}

// MigrateCredentials re-seals every account password still stored under
// a scheme other than the default. It returns how many were migrated.
// Accounts whose credential cannot be opened are logged and skipped.
func (r *Registry) MigrateCredentials(ctx context.Context) (int, error) {
	accounts, err := r.store.ListAccounts(ctx, false)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, a := range accounts {
		if a.Password.Scheme == vault.DefaultScheme {
			continue
		}
		sealed, err := r.vault.Rewrap(a.Password, vault.DefaultScheme)
		if err != nil {
			r.logger.Error("credential migration failed",
				zap.String("account_id", a.ID),
				zap.String("scheme", string(a.Password.Scheme)),
				zap.Error(err),
			)
			continue
		}
		if err := r.store.UpdateAccountCredential(ctx, a.ID, sealed); err != nil {
			return migrated, err
		}
		migrated++
		r.logger.Info("credential migrated",
			zap.String("account_id", a.ID),
			zap.String("from", string(a.Password.Scheme)),
			zap.String("to", string(sealed.Scheme)),
		)
	}
	return migrated, nil
}
