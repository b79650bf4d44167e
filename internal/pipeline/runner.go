package pipeline

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/maildigest/internal/digest"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/mailbox"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/scoring"
)

// Accounts lists the mailboxes to poll.
type Accounts interface {
	ListActive(ctx context.Context) ([]model.EmailAccount, error)
}

// Config tunes the three runs.
type Config struct {
	FetchWorkers int
	// ScoreInline scores each new email right after it is stored.
	ScoreInline bool
	Window      time.Duration
	Location    *time.Location
}

// FetchReport summarizes one fetch run across accounts.
type FetchReport struct {
	Accounts  int
	Succeeded int
	Failed    int
	Busy      int
	Persisted int
	Results   []mailbox.Result
}

// Runner exposes the parameterless run entry points used by the CLI and
// the scheduler. Every run is safe to invoke twice.
type Runner struct {
	cfg       Config
	accounts  Accounts
	fetcher   *mailbox.Fetcher
	scorer    *scoring.Scorer
	generator *digest.Generator
	logger    *zap.Logger
	now       func() time.Time
}

// New wires a Runner. With ScoreInline set, the fetcher's persist hook
// scores each new email; failures stay pending for the score run.
func New(
	cfg Config,
	accounts Accounts,
	fetcher *mailbox.Fetcher,
	scorer *scoring.Scorer,
	generator *digest.Generator,
	logger *zap.Logger,
) *Runner {
	if cfg.FetchWorkers < 1 {
		cfg.FetchWorkers = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	r := &Runner{
		cfg:       cfg,
		accounts:  accounts,
		fetcher:   fetcher,
		scorer:    scorer,
		generator: generator,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
	if cfg.ScoreInline && scorer != nil && fetcher != nil {
		fetcher.OnPersisted(r.scoreInline)
	}
	return r
}

func (r *Runner) scoreInline(ctx context.Context, e model.Email) {
	if _, err := r.scorer.ScoreAndStore(ctx, e); err != nil {
		r.logger.Debug("inline scoring deferred to score run",
			zap.String("email_id", e.ID),
			zap.Error(err),
		)
	}
}

// RunFetch polls every active account with bounded parallelism. One
// account's failure never stops the others; the failures are joined into
// the returned error after all accounts finish.
func (r *Runner) RunFetch(ctx context.Context) (FetchReport, error) {
	accounts, err := r.accounts.ListActive(ctx)
	if err != nil {
		return FetchReport{}, fmt.Errorf("listing active accounts: %w", err)
	}

	var (
		mu     gosync.Mutex
		report = FetchReport{Accounts: len(accounts)}
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchWorkers)

	for _, a := range accounts {
		g.Go(func() error {
			res, err := r.fetcher.FetchAccount(gctx, a)

			mu.Lock()
			defer mu.Unlock()
			report.Results = append(report.Results, res)
			report.Persisted += res.Persisted
			switch {
			case errors.Is(err, mailbox.ErrAccountBusy):
				report.Busy++
			case err != nil:
				report.Failed++
				errs = append(errs, fmt.Errorf("account %s: %w", a.Address, err))
			default:
				report.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("fetch run finished",
		zap.Int("accounts", report.Accounts),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("busy", report.Busy),
		zap.Int("persisted", report.Persisted),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, errors.Join(errs...)
}

// ErrNoModel is returned by the model-backed runs of a Runner built
// without a scorer or generator.
var ErrNoModel = errors.New("pipeline: no model client configured")

// RunScore scores every email still pending.
func (r *Runner) RunScore(ctx context.Context) (scoring.Report, error) {
	if r.scorer == nil {
		return scoring.Report{}, ErrNoModel
	}
	return r.scorer.RunPending(ctx)
}

// RunSummarize generates the digest for the last completed window. An
// empty window or one being generated elsewhere is not an error; the
// returned summary is nil in both cases.
func (r *Runner) RunSummarize(ctx context.Context) (*model.DailySummary, error) {
	start, end := digest.DefaultWindow(r.now(), r.cfg.Window, r.cfg.Location)
	return r.Summarize(ctx, start, end)
}

// Summarize generates the digest for an explicit window.
func (r *Runner) Summarize(ctx context.Context, start, end time.Time) (*model.DailySummary, error) {
	if r.generator == nil {
		return nil, ErrNoModel
	}
	sum, err := r.generator.Generate(ctx, start, end)
	switch {
	case errors.Is(err, digest.ErrNoCandidates):
		r.logger.Info("no emails to summarize", zap.Time("start", start), zap.Time("end", end))
		return nil, nil
	case errors.Is(err, digest.ErrWindowBusy):
		r.logger.Info("summary window busy elsewhere", zap.Time("start", start), zap.Time("end", end))
		return nil, nil
	case err != nil:
		return nil, err
	}
	return sum, nil
}
