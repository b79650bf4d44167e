package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/llm"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/normalize"
	"github.com/nhle/maildigest/internal/prompt"
	"github.com/nhle/maildigest/internal/store"
)

// Store is the persistence the scorer needs.
type Store interface {
	ListUnscored(ctx context.Context, limit int) ([]model.Email, error)
	SetScore(ctx context.Context, id string, score int, category string) error
}

// Priorities resolves sender weights.
type Priorities interface {
	PriorityFor(ctx context.Context, senderAddress string) (int, error)
}

// Prompts resolves the active template for an agent type.
type Prompts interface {
	Active(ctx context.Context, agentType model.AgentType) (*model.PromptVersion, error)
}

// Config tunes the scorer.
type Config struct {
	ModelWeight    float64
	PriorityWeight float64
	Model          string
	MaxTokens      int
	Temperature    float64
	BodyExcerpt    int
	Workers        int
	BatchLimit     int
	Retry          backoff.Policy
}

// Report counts the outcomes of one score run.
type Report struct {
	Scored  int
	Failed  int
	Skipped int
}

// Scorer assigns relevance scores to stored emails.
type Scorer struct {
	cfg        Config
	store      Store
	priorities Priorities
	prompts    Prompts
	client     llm.Client
	ledger     *ledger.Ledger
	logger     *zap.Logger
}

// New returns a Scorer. Zero weights fall back to 0.7 and 0.3.
func New(
	cfg Config,
	s Store,
	priorities Priorities,
	prompts Prompts,
	client llm.Client,
	l *ledger.Ledger,
	logger *zap.Logger,
) *Scorer {
	if cfg.ModelWeight == 0 && cfg.PriorityWeight == 0 {
		cfg.ModelWeight, cfg.PriorityWeight = 0.7, 0.3
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BodyExcerpt <= 0 {
		cfg.BodyExcerpt = 2000
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = backoff.Default
	}
	return &Scorer{
		cfg:        cfg,
		store:      s,
		priorities: priorities,
		prompts:    prompts,
		client:     client,
		ledger:     l,
		logger:     logging.OrNop(logger),
	}
}

// Score asks the model about e and blends its answer with the sender
// weight. Nothing is persisted.
func (s *Scorer) Score(ctx context.Context, e model.Email) (Verdict, error) {
	weight, err := s.priorities.PriorityFor(ctx, e.SenderAddress)
	if err != nil {
		return Verdict{}, fmt.Errorf("sender weight: %w", err)
	}

	pv, err := s.prompts.Active(ctx, model.AgentRelevance)
	if err != nil {
		return Verdict{}, err
	}
	text, err := prompt.Render(pv, prompt.RelevanceData{
		Subject:       e.Subject,
		SenderName:    e.SenderName,
		SenderAddress: e.SenderAddress,
		Body:          normalize.Excerpt(e.Body, s.cfg.BodyExcerpt),
		SenderWeight:  weight,
	})
	if err != nil {
		return Verdict{}, err
	}

	var (
		modelScore int
		category   string
	)
	err = s.cfg.Retry.Do(ctx, llm.IsRetryable, func(ctx context.Context) error {
		resp, err := s.client.Complete(ctx, llm.Request{
			Model:       s.cfg.Model,
			Prompt:      text,
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: s.cfg.Temperature,
		})
		if err != nil {
			return err
		}
		modelScore, category, err = ParseVerdict(resp.Text)
		return err
	})
	if err != nil {
		return Verdict{}, err
	}

	return Verdict{
		Score:      Blend(modelScore, weight, s.cfg.ModelWeight, s.cfg.PriorityWeight),
		Category:   category,
		ModelScore: modelScore,
		Weight:     weight,
	}, nil
}

// ScoreAndStore scores e and persists the result unless the ledger shows
// a successful score already. Exactly one ledger entry is recorded per
// attempt. A model failure leaves the score NULL for a later run.
func (s *Scorer) ScoreAndStore(ctx context.Context, e model.Email) (model.Outcome, error) {
	subject := ledger.EmailSubject(e.ID)
	logger := s.logger.With(zap.String("email_id", e.ID), zap.String("stage", string(model.StageScore)))

	pending, err := s.ledger.ShouldAttempt(ctx, subject, model.StageScore)
	if err != nil {
		return "", fmt.Errorf("checking ledger for %s: %w", subject, err)
	}
	if !pending {
		return model.OutcomeSkipped, nil
	}

	v, err := s.Score(ctx, e)
	if err != nil {
		logger.Warn("scoring failed", zap.String("kind", string(llm.KindOf(err))), zap.Error(err))
		return s.record(ctx, subject, model.OutcomeFailure, err.Error(), err)
	}

	err = s.store.SetScore(ctx, e.ID, v.Score, v.Category)
	switch {
	case errors.Is(err, store.ErrScoreAlreadySet):
		logger.Info("score already set, leaving it unchanged")
		return s.record(ctx, subject, model.OutcomeSkipped, "score already set", nil)
	case err != nil:
		logger.Error("storing score failed", zap.Error(err))
		return s.record(ctx, subject, model.OutcomeFailure, err.Error(), err)
	}

	logger.Debug("email scored",
		zap.Int("score", v.Score),
		zap.Int("model_score", v.ModelScore),
		zap.Int("weight", v.Weight),
		zap.String("category", v.Category),
	)
	detail := fmt.Sprintf("score=%d model=%d weight=%d category=%s", v.Score, v.ModelScore, v.Weight, v.Category)
	return s.record(ctx, subject, model.OutcomeSuccess, detail, nil)
}

func (s *Scorer) record(
	ctx context.Context,
	subject ledger.Subject,
	outcome model.Outcome,
	detail string,
	cause error,
) (model.Outcome, error) {
	metrics.RecordScoreAttempt(string(outcome))
	if err := s.ledger.RecordAttempt(ctx, subject, model.StageScore, outcome, detail); err != nil {
		return outcome, errors.Join(cause, err)
	}
	return outcome, cause
}

// RunPending is the score run: every email still lacking a score is
// attempted once, with bounded parallelism. Per-email failures are
// counted, not returned.
func (s *Scorer) RunPending(ctx context.Context) (Report, error) {
	emails, err := s.store.ListUnscored(ctx, s.cfg.BatchLimit)
	if err != nil {
		return Report{}, fmt.Errorf("listing unscored emails: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, e := range emails {
		g.Go(func() error {
			outcome, err := s.ScoreAndStore(gctx, e)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil || outcome == model.OutcomeFailure:
				report.Failed++
			case outcome == model.OutcomeSkipped:
				report.Skipped++
			default:
				report.Scored++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	s.logger.Info("score run finished",
		zap.Int("candidates", len(emails)),
		zap.Int("scored", report.Scored),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, ctx.Err()
}
