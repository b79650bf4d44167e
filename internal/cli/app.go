package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/credential"
	"github.com/nhle/maildigest/internal/digest"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/llm"
	"github.com/nhle/maildigest/internal/lock"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/mailbox"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/pipeline"
	"github.com/nhle/maildigest/internal/prompt"
	"github.com/nhle/maildigest/internal/registry"
	"github.com/nhle/maildigest/internal/scoring"
	"github.com/nhle/maildigest/internal/secret"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/vault"
)

// app holds the process singletons. Each is built on first use so that
// commands only touch what they need; key init, for instance, never
// opens the database.
type app struct {
	configPath string
	out        io.Writer
	in         io.Reader

	cfg    *model.AppConfig
	logger *zap.Logger
	store  *store.Store
	ring   *credential.Ring
	vault  *vault.Vault
	locker lock.Locker
	rdb    *redis.Client
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := model.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	s, err := store.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("store opened", zap.String("dialect", string(s.Dialect())))
	a.store = s
	return s, nil
}

func (a *app) keyring() (*credential.Ring, error) {
	if a.ring != nil {
		return a.ring, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	ring, err := credential.Open(credential.Config{FileDir: a.cfg.Vault.KeyringDir})
	if err != nil {
		return nil, err
	}
	a.ring = ring
	return ring, nil
}

func (a *app) openVault() (*vault.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}

	kc := vault.KeyConfig{
		Source:      vault.KeySource(a.cfg.Vault.KeySource),
		EnvVar:      a.cfg.Vault.KeyEnv,
		File:        a.cfg.Vault.KeyFile,
		KeyringItem: a.cfg.Vault.KeyringItem,
	}
	var ring vault.KeyStore
	if kc.Source == vault.KeySourceKeyring {
		r, err := a.keyring()
		if err != nil {
			return nil, err
		}
		ring = r
	}

	key, err := vault.LoadKey(kc, ring)
	if err != nil {
		if errors.Is(err, vault.ErrNoKey) {
			return nil, fmt.Errorf("%w (run `maildigest key init` first)", err)
		}
		return nil, err
	}
	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

func (a *app) registry() (*registry.Registry, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	v, err := a.openVault()
	if err != nil {
		return nil, err
	}
	return registry.New(s, v, a.logger), nil
}

func (a *app) secrets() (*secret.Manager, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	v, err := a.openVault()
	if err != nil {
		return nil, err
	}
	return secret.NewManager(s, v, a.logger), nil
}

func (a *app) prompts() (*prompt.Library, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return prompt.NewLibrary(s, a.logger), nil
}

func (a *app) lockBackend(ctx context.Context) (lock.Locker, error) {
	if a.locker != nil {
		return a.locker, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}

	switch a.cfg.Lock.Backend {
	case "", "local":
		a.locker = lock.NewLocal()
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Lock.RedisAddr,
			Password: a.cfg.Lock.RedisPassword,
			DB:       a.cfg.Lock.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.Lock.RedisAddr, err)
		}
		a.rdb = rdb
		a.locker = lock.NewRedis(rdb, a.logger)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.cfg.Lock.Backend)
	}
	return a.locker, nil
}

func (a *app) modelClient(ctx context.Context) (llm.Client, error) {
	secrets, err := a.secrets()
	if err != nil {
		return nil, err
	}
	mc := a.cfg.Model
	key, err := secrets.Resolve(ctx, mc.APIKeyEnv, mc.APIKeySecret)
	if err != nil {
		if errors.Is(err, secret.ErrNotSet) {
			return nil, fmt.Errorf("model API key: set %s or run `maildigest secret set %s`", mc.APIKeyEnv, mc.APIKeySecret)
		}
		return nil, err
	}
	return llm.New(llm.Config{
		Provider:          mc.Provider,
		BaseURL:           mc.BaseURL,
		Model:             mc.Model,
		APIKey:            key,
		Timeout:           time.Duration(mc.TimeoutSec) * time.Second,
		RequestsPerMinute: mc.RequestsPerMinute,
		Burst:             mc.Burst,
	})
}

// runner wires the pipeline. The model client, scorer and generator are
// built only when withModel is set or inline scoring is enabled, so a
// plain fetch needs no model key.
func (a *app) runner(ctx context.Context, withModel bool) (*pipeline.Runner, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	locker, err := a.lockBackend(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg
	s := a.store
	l := ledger.New(s, a.logger)
	retry := backoff.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.RetryBaseDelay(),
		MaxDelay:  cfg.Retry.RetryMaxDelay(),
	}
	lockTTL := time.Duration(cfg.Lock.TTLSec) * time.Second
	loc, err := time.LoadLocation(cfg.Summary.Timezone)
	if err != nil {
		return nil, err
	}

	dialer := &mailbox.IMAPDialer{
		ConnectTimeout: time.Duration(cfg.Fetch.ConnectTimeoutSec) * time.Second,
		Logger:         a.logger,
	}
	fetcher := mailbox.NewFetcher(mailbox.Config{
		Mailbox:         cfg.Fetch.Mailbox,
		Overlap:         time.Duration(cfg.Fetch.OverlapSec) * time.Second,
		InitialLookback: time.Duration(cfg.Fetch.InitialLookback) * 24 * time.Hour,
		MaxMessages:     cfg.Fetch.MaxMessages,
		LockTTL:         lockTTL,
		Retry:           retry,
	}, dialer, reg, s, l, locker, a.logger)

	if !withModel && !cfg.Fetch.ScoreInline {
		return pipeline.New(pipeline.Config{
			FetchWorkers: cfg.Fetch.Workers,
			Window:       time.Duration(cfg.Summary.WindowHours) * time.Hour,
			Location:     loc,
		}, reg, fetcher, nil, nil, a.logger), nil
	}

	client, err := a.modelClient(ctx)
	if err != nil {
		return nil, err
	}
	prompts, err := a.prompts()
	if err != nil {
		return nil, err
	}
	if err := prompts.EnsureDefaults(ctx); err != nil {
		return nil, err
	}

	scorer := scoring.New(scoring.Config{
		ModelWeight:    cfg.Scoring.ModelWeight,
		PriorityWeight: cfg.Scoring.PriorityWeight,
		Model:          cfg.Model.Model,
		MaxTokens:      cfg.Scoring.MaxTokens,
		Temperature:    cfg.Model.Temperature,
		BodyExcerpt:    cfg.Scoring.BodyExcerpt,
		Workers:        cfg.Scoring.Workers,
		BatchLimit:     cfg.Scoring.BatchLimit,
		Retry:          retry,
	}, s, reg, prompts, client, l, a.logger)

	generator := digest.New(digest.Config{
		Threshold:       cfg.Summary.Threshold,
		Model:           cfg.Model.Model,
		MaxOutputTokens: cfg.Summary.MaxOutputTokens,
		Temperature:     cfg.Model.Temperature,
		BodyExcerpt:     cfg.Summary.BodyExcerpt,
		Location:        loc,
		LockTTL:         lockTTL,
		Retry:           retry,
	}, s, prompts, client, l, locker, a.logger)

	return pipeline.New(pipeline.Config{
		FetchWorkers: cfg.Fetch.Workers,
		ScoreInline:  cfg.Fetch.ScoreInline,
		Window:       time.Duration(cfg.Summary.WindowHours) * time.Hour,
		Location:     loc,
	}, reg, fetcher, scorer, generator, a.logger), nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
