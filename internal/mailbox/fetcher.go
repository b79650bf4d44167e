package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/lock"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/normalize"
	"github.com/nhle/maildigest/internal/registry"
)

// Accounts is the registry surface the fetcher needs.
type Accounts interface {
	Password(ctx context.Context, a model.EmailAccount) ([]byte, error)
	Checkpoint(ctx context.Context, accountID string) (*time.Time, error)
	AdvanceCheckpoint(ctx context.Context, accountID string, cursor time.Time) error
}

// Store persists normalized emails. InsertEmail reports false for a
// message already stored under the same (account, remote id).
type Store interface {
	InsertEmail(ctx context.Context, e *model.Email) (bool, error)
}

// Hook runs after a new email is persisted, in fetch order.
type Hook func(ctx context.Context, e model.Email)

// Config tunes the fetcher.
type Config struct {
	Mailbox string
	// Overlap re-reads this far behind the checkpoint.
	Overlap time.Duration
	// InitialLookback bounds the first fetch of a new account.
	InitialLookback time.Duration
	// MaxMessages caps one run; the oldest messages go first.
	MaxMessages int
	LockTTL     time.Duration
	Retry       backoff.Policy
}

// Result summarizes one account run.
type Result struct {
	AccountID  string
	Candidates int
	Persisted  int
	Duplicates int
	Malformed  int
	Failed     int
	Checkpoint *time.Time
	Advanced   bool
}

// Fetcher pulls new messages for one account at a time.
type Fetcher struct {
	cfg      Config
	dialer   Dialer
	accounts Accounts
	store    Store
	ledger   *ledger.Ledger
	locker   lock.Locker
	hook     Hook
	logger   *zap.Logger
	now      func() time.Time
}

// NewFetcher wires a Fetcher. A nil locker means an in-process one.
func NewFetcher(
	cfg Config,
	dialer Dialer,
	accounts Accounts,
	s Store,
	l *ledger.Ledger,
	locker lock.Locker,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 7 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = backoff.Default
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Fetcher{
		cfg:      cfg,
		dialer:   dialer,
		accounts: accounts,
		store:    s,
		ledger:   l,
		locker:   locker,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// OnPersisted sets the hook called for every newly stored email.
func (f *Fetcher) OnPersisted(h Hook) {
	f.hook = h
}

// FetchAccount runs one fetch for a. Exactly one account-level ledger
// entry is recorded unless another run holds the account's lock, in which
// case ErrAccountBusy is returned and nothing is recorded.
func (f *Fetcher) FetchAccount(ctx context.Context, a model.EmailAccount) (Result, error) {
	logger := f.logger.With(zap.String("account_id", a.ID), zap.String("account", a.Address))

	unlock, ok, err := f.locker.TryLock(ctx, "fetch:account:"+a.ID, f.cfg.LockTTL)
	if err != nil {
		return Result{AccountID: a.ID}, fmt.Errorf("locking account %s: %w", a.Address, err)
	}
	if !ok {
		logger.Info("fetch already running for account, skipping")
		return Result{AccountID: a.ID}, fmt.Errorf("account %s: %w", a.Address, ErrAccountBusy)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("releasing account lock failed", zap.Error(err))
		}
	}()

	start := f.now()
	res, runErr := f.run(ctx, a, logger)

	outcome, detail, status := model.OutcomeSuccess, res.summary(), "ok"
	if runErr != nil {
		outcome, detail, status = model.OutcomeFailure, runErr.Error(), "error"
		switch {
		case IsAuthenticationError(runErr):
			logger.Error("mailbox rejected credentials", zap.Error(runErr))
		default:
			logger.Warn("fetch failed", zap.Error(runErr))
		}
	} else {
		logger.Info("fetch finished",
			zap.Int("candidates", res.Candidates),
			zap.Int("persisted", res.Persisted),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("malformed", res.Malformed),
			zap.Bool("checkpoint_advanced", res.Advanced),
		)
	}
	metrics.RecordFetchDuration(status, f.now().Sub(start))

	if err := f.ledger.RecordAttempt(ctx, ledger.AccountSubject(a.ID), model.StageFetch, outcome, detail); err != nil {
		return res, errors.Join(runErr, err)
	}
	return res, runErr
}

func (f *Fetcher) run(ctx context.Context, a model.EmailAccount, logger *zap.Logger) (Result, error) {
	res := Result{AccountID: a.ID}

	password, err := f.accounts.Password(ctx, a)
	if err != nil {
		return res, err
	}

	checkpoint, err := f.accounts.Checkpoint(ctx, a.ID)
	if err != nil {
		return res, fmt.Errorf("reading checkpoint: %w", err)
	}
	res.Checkpoint = checkpoint

	since := f.now().Add(-f.cfg.InitialLookback)
	if checkpoint != nil {
		since = checkpoint.Add(-f.cfg.Overlap)
	}

	creds := Credentials{
		Host:     a.Host,
		Port:     a.Port,
		UseTLS:   a.UseTLS,
		Username: a.Username,
		Password: string(password),
	}
	if creds.Username == "" {
		creds.Username = a.Address
	}

	var msgs []RawMessage
	err = f.cfg.Retry.Do(ctx, IsConnectionError, func(ctx context.Context) error {
		var err error
		msgs, err = f.download(ctx, a, creds, since, logger)
		if IsConnectionError(err) {
			logger.Warn("mailbox connection failed", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return res, err
	}
	res.Candidates = len(msgs)

	var (
		latest        time.Time
		persistFailed int
	)
	for _, raw := range msgs {
		e, err := normalize.Parse(raw.Body)
		if err != nil {
			res.Malformed++
			metrics.RecordFetchMessage("malformed")
			subject := ledger.MessageSubject(a.ID, normalize.RemoteIDFor(raw.MessageID, raw.Body))
			logger.Warn("skipping malformed message", zap.Uint32("uid", raw.UID), zap.Error(err))
			f.recordMessage(ctx, subject, model.OutcomeFailure, err.Error(), logger)
			latest = later(latest, raw.InternalDate)
			continue
		}

		e.AccountID = a.ID
		if !raw.InternalDate.IsZero() {
			e.ReceivedAt = raw.InternalDate.UTC()
		}
		subject := ledger.MessageSubject(a.ID, e.RemoteID)

		inserted, err := f.store.InsertEmail(ctx, e)
		if err != nil {
			res.Failed++
			persistFailed++
			metrics.RecordFetchMessage("failed")
			logger.Error("persisting email failed", zap.String("remote_id", e.RemoteID), zap.Error(err))
			f.recordMessage(ctx, subject, model.OutcomeFailure, err.Error(), logger)
			continue
		}

		if inserted {
			res.Persisted++
			metrics.RecordFetchMessage("persisted")
			f.recordMessage(ctx, subject, model.OutcomeSuccess, "email "+e.ID, logger)
		} else {
			res.Duplicates++
			metrics.RecordFetchMessage("duplicate")
			f.recordMessage(ctx, subject, model.OutcomeSuccess, "duplicate of email "+e.ID, logger)
		}
		latest = later(latest, e.ReceivedAt)

		if inserted && f.hook != nil {
			f.hook(ctx, *e)
		}
	}

	if persistFailed > 0 {
		return res, fmt.Errorf("%d of %d messages not persisted, checkpoint left unchanged", persistFailed, len(msgs))
	}
	if latest.IsZero() || (checkpoint != nil && !latest.After(*checkpoint)) {
		return res, nil
	}

	if err := f.accounts.AdvanceCheckpoint(ctx, a.ID, latest); err != nil {
		if registry.IsOutOfOrderCheckpoint(err) {
			return res, nil
		}
		return res, fmt.Errorf("advancing checkpoint: %w", err)
	}
	res.Checkpoint = &latest
	res.Advanced = true
	return res, nil
}

// download opens a session and returns the messages to process, oldest
// first. It is retried as a unit on connection errors.
func (f *Fetcher) download(
	ctx context.Context,
	a model.EmailAccount,
	creds Credentials,
	since time.Time,
	logger *zap.Logger,
) (msgs []RawMessage, err error) {
	sm := NewMachine(logger)
	defer func() {
		if err != nil {
			sm.Fail(err)
		}
	}()

	if err = sm.To(StateConnecting); err != nil {
		return nil, err
	}
	sess, err := f.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			err = sm.To(StateClosing)
		}
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("closing session", zap.Error(cerr))
		}
		if err == nil {
			err = sm.To(StateDisconnected)
		}
	}()

	if err = sm.To(StateAuthenticated); err != nil {
		return nil, err
	}
	if err = sess.Select(ctx, f.cfg.Mailbox); err != nil {
		return nil, err
	}
	if err = sm.To(StateMailboxSelected); err != nil {
		return nil, err
	}

	if err = sm.To(StateSearching); err != nil {
		return nil, err
	}
	uids, err := sess.Search(ctx, since)
	if err != nil {
		return nil, err
	}
	envs, err := sess.FetchEnvelopes(ctx, uids)
	if err != nil {
		return nil, err
	}
	wanted, err := f.selectNew(ctx, a, envs, since)
	if err != nil {
		return nil, err
	}

	if err = sm.To(StateFetching); err != nil {
		return nil, err
	}
	msgs, err = sess.FetchRaw(ctx, wanted)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// selectNew drops envelopes older than since and those the ledger already
// shows as fetched, then orders the rest oldest first and applies the
// per-run cap.
func (f *Fetcher) selectNew(ctx context.Context, a model.EmailAccount, envs []Envelope, since time.Time) ([]uint32, error) {
	keep := make([]Envelope, 0, len(envs))
	for _, env := range envs {
		if !env.InternalDate.IsZero() && env.InternalDate.Before(since) {
			continue
		}
		if env.MessageID != "" {
			subject := ledger.MessageSubject(a.ID, normalize.RemoteIDFor(env.MessageID, nil))
			pending, err := f.ledger.ShouldAttempt(ctx, subject, model.StageFetch)
			if err != nil {
				return nil, fmt.Errorf("checking ledger for %s: %w", subject, err)
			}
			if !pending {
				metrics.RecordFetchMessage("already_fetched")
				continue
			}
		}
		keep = append(keep, env)
	}

	sort.SliceStable(keep, func(i, j int) bool {
		if !keep[i].InternalDate.Equal(keep[j].InternalDate) {
			return keep[i].InternalDate.Before(keep[j].InternalDate)
		}
		return keep[i].UID < keep[j].UID
	})
	if f.cfg.MaxMessages > 0 && len(keep) > f.cfg.MaxMessages {
		keep = keep[:f.cfg.MaxMessages]
	}

	uids := make([]uint32, 0, len(keep))
	for _, env := range keep {
		uids = append(uids, env.UID)
	}
	return uids, nil
}

func (f *Fetcher) recordMessage(
	ctx context.Context,
	subject ledger.Subject,
	outcome model.Outcome,
	detail string,
	logger *zap.Logger,
) {
	if err := f.ledger.RecordAttempt(ctx, subject, model.StageFetch, outcome, detail); err != nil {
		logger.Error("recording message outcome failed", zap.String("subject", string(subject)), zap.Error(err))
	}
}

func sortMessages(msgs []RawMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].InternalDate.Equal(msgs[j].InternalDate) {
			return msgs[i].InternalDate.Before(msgs[j].InternalDate)
		}
		return msgs[i].UID < msgs[j].UID
	})
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (r Result) summary() string {
	return fmt.Sprintf("candidates=%d persisted=%d duplicates=%d malformed=%d",
		r.Candidates, r.Persisted, r.Duplicates, r.Malformed)
}
