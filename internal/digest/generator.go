package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/llm"
	"github.com/nhle/maildigest/internal/lock"
	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/normalize"
	"github.com/nhle/maildigest/internal/prompt"
)

var (
	// ErrNoCandidates means the window holds nothing to summarize.
	ErrNoCandidates = errors.New("no emails to summarize")

	// ErrWindowBusy means another process is generating the window.
	ErrWindowBusy = errors.New("summary window is already being generated")
)

// Store is the persistence the generator needs.
type Store interface {
	ListSummaryCandidates(ctx context.Context, start, end time.Time, threshold int) ([]model.Email, error)
	CreateSummary(ctx context.Context, sum *model.DailySummary) error
	GetSummaryByWindow(ctx context.Context, start, end time.Time) (*model.DailySummary, error)
}

// Prompts resolves the active template for an agent type.
type Prompts interface {
	Active(ctx context.Context, agentType model.AgentType) (*model.PromptVersion, error)
}

// Config tunes digest generation.
type Config struct {
	// Threshold is the inclusive minimum relevance score.
	Threshold       int
	Model           string
	MaxOutputTokens int
	Temperature     float64
	BodyExcerpt     int
	Location        *time.Location
	LockTTL         time.Duration
	Retry           backoff.Policy
}

// Generator produces one DailySummary per window.
type Generator struct {
	cfg     Config
	store   Store
	prompts Prompts
	client  llm.Client
	ledger  *ledger.Ledger
	locker  lock.Locker
	logger  *zap.Logger
	group   singleflight.Group
}

// New wires a Generator. A nil locker means an in-process one.
func New(
	cfg Config,
	s Store,
	prompts Prompts,
	client llm.Client,
	l *ledger.Ledger,
	locker lock.Locker,
	logger *zap.Logger,
) *Generator {
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1024
	}
	if cfg.BodyExcerpt <= 0 {
		cfg.BodyExcerpt = 500
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
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
	return &Generator{
		cfg:     cfg,
		store:   s,
		prompts: prompts,
		client:  client,
		ledger:  l,
		locker:  locker,
		logger:  logging.OrNop(logger),
	}
}

// Generate summarizes [start, end). A window already summarized returns
// its stored summary. Concurrent calls for the same window share one
// attempt; another process holding the window yields ErrWindowBusy.
func (g *Generator) Generate(ctx context.Context, start, end time.Time) (*model.DailySummary, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("empty summary window %s - %s", start, end)
	}
	subject := ledger.WindowSubject(start, end)

	v, err, _ := g.group.Do(string(subject), func() (any, error) {
		return g.generate(ctx, subject, start, end)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.DailySummary), nil
}

func (g *Generator) generate(
	ctx context.Context,
	subject ledger.Subject,
	start, end time.Time,
) (*model.DailySummary, error) {
	logger := g.logger.With(zap.String("window", string(subject)), zap.String("stage", string(model.StageSummarize)))

	if sum, done, err := g.existing(ctx, subject, start, end); err != nil || done {
		return sum, err
	}

	unlock, ok, err := g.locker.TryLock(ctx, "summarize:"+string(subject), g.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", subject, err)
	}
	if !ok {
		return nil, ErrWindowBusy
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("releasing window lock failed", zap.Error(err))
		}
	}()

	// Another process may have finished while we waited for the lock.
	if sum, done, err := g.existing(ctx, subject, start, end); err != nil || done {
		return sum, err
	}

	candidates, err := g.store.ListSummaryCandidates(ctx, start, end, g.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		logger.Info("nothing to summarize")
		if err := g.record(ctx, subject, model.OutcomeSkipped, "no candidates"); err != nil {
			return nil, err
		}
		return nil, ErrNoCandidates
	}

	sum, err := g.summarize(ctx, start, end, candidates)
	if err != nil {
		logger.Warn("summary generation failed",
			zap.Int("candidates", len(candidates)),
			zap.String("kind", string(llm.KindOf(err))),
			zap.Error(err),
		)
		return nil, errors.Join(err, g.record(ctx, subject, model.OutcomeFailure, err.Error()))
	}

	logger.Info("summary generated",
		zap.String("summary_id", sum.ID),
		zap.Int("emails", len(sum.EmailIDs)),
		zap.Int("input_tokens", sum.InputTokens),
		zap.Int("output_tokens", sum.OutputTokens),
	)
	detail := fmt.Sprintf("summary %s emails=%d", sum.ID, len(sum.EmailIDs))
	if err := g.record(ctx, subject, model.OutcomeSuccess, detail); err != nil {
		return nil, err
	}
	return sum, nil
}

// existing returns the stored summary when the ledger shows the window
// as done.
func (g *Generator) existing(
	ctx context.Context,
	subject ledger.Subject,
	start, end time.Time,
) (*model.DailySummary, bool, error) {
	outcome, found, err := g.ledger.LastOutcome(ctx, subject, model.StageSummarize)
	if err != nil {
		return nil, false, err
	}
	if !found || outcome != model.OutcomeSuccess {
		return nil, false, nil
	}
	sum, err := g.store.GetSummaryByWindow(ctx, start, end)
	if err != nil {
		return nil, false, fmt.Errorf("loading summary for %s: %w", subject, err)
	}
	return sum, true, nil
}

// summarize makes the model call and stores the result. Nothing is
// written unless the call succeeds.
func (g *Generator) summarize(
	ctx context.Context,
	start, end time.Time,
	candidates []model.Email,
) (*model.DailySummary, error) {
	pv, err := g.prompts.Active(ctx, model.AgentSummary)
	if err != nil {
		return nil, err
	}
	text, err := prompt.Render(pv, g.promptData(start, end, candidates))
	if err != nil {
		return nil, err
	}

	var resp *llm.Response
	err = g.cfg.Retry.Do(ctx, llm.IsRetryable, func(ctx context.Context) error {
		var err error
		resp, err = g.client.Complete(ctx, llm.Request{
			Model:       g.cfg.Model,
			Prompt:      text,
			MaxTokens:   g.cfg.MaxOutputTokens,
			Temperature: g.cfg.Temperature,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(candidates))
	for _, e := range candidates {
		ids = append(ids, e.ID)
	}
	modelName := resp.Model
	if modelName == "" {
		modelName = g.cfg.Model
	}

	sum := &model.DailySummary{
		WindowStart:  start.UTC(),
		WindowEnd:    end.UTC(),
		Digest:       resp.Text,
		EmailIDs:     ids,
		Model:        modelName,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if err := g.store.CreateSummary(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (g *Generator) record(ctx context.Context, subject ledger.Subject, outcome model.Outcome, detail string) error {
	metrics.RecordSummaryAttempt(string(outcome))
	return g.ledger.RecordAttempt(ctx, subject, model.StageSummarize, outcome, detail)
}

func (g *Generator) promptData(start, end time.Time, candidates []model.Email) prompt.SummaryData {
	const layout = "2006-01-02 15:04 MST"
	return prompt.SummaryData{
		WindowStart: start.In(g.cfg.Location).Format(layout),
		WindowEnd:   end.In(g.cfg.Location).Format(layout),
		Count:       len(candidates),
		Groups:      Group(candidates, g.cfg.BodyExcerpt),
	}
}

// Group buckets emails by category. Categories with the highest score
// come first; within a category emails are ordered by score, then by
// receipt time.
func Group(emails []model.Email, excerpt int) []prompt.SummaryGroup {
	type entry struct {
		item prompt.SummaryItem
		at   time.Time
	}
	byCategory := map[string][]entry{}
	top := map[string]int{}

	for _, e := range emails {
		cat := e.Category
		if cat == "" {
			cat = "uncategorized"
		}
		score := 0
		if e.RelevanceScore != nil {
			score = *e.RelevanceScore
		}
		sender := e.SenderAddress
		if e.SenderName != "" {
			sender = fmt.Sprintf("%s <%s>", e.SenderName, e.SenderAddress)
		}
		byCategory[cat] = append(byCategory[cat], entry{
			item: prompt.SummaryItem{
				Sender:   sender,
				Subject:  e.Subject,
				Score:    score,
				Category: cat,
				Excerpt:  normalize.Excerpt(e.Body, excerpt),
			},
			at: e.ReceivedAt,
		})
		top[cat] = max(top[cat], score)
	}

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Slice(categories, func(i, j int) bool {
		if top[categories[i]] != top[categories[j]] {
			return top[categories[i]] > top[categories[j]]
		}
		return categories[i] < categories[j]
	})

	groups := make([]prompt.SummaryGroup, 0, len(categories))
	for _, cat := range categories {
		entries := byCategory[cat]
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].item.Score != entries[j].item.Score {
				return entries[i].item.Score > entries[j].item.Score
			}
			return entries[i].at.Before(entries[j].at)
		})
		items := make([]prompt.SummaryItem, 0, len(entries))
		for _, en := range entries {
			items = append(items, en.item)
		}
		groups = append(groups, prompt.SummaryGroup{Category: cat, Items: items})
	}
	return groups
}

// DefaultWindow returns the last completed window before now. Day-sized
// windows follow calendar days in loc; other sizes are aligned to the
// Unix epoch.
func DefaultWindow(now time.Time, size time.Duration, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	if size <= 0 {
		size = 24 * time.Hour
	}
	if size == 24*time.Hour {
		local := now.In(loc)
		end = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return end.AddDate(0, 0, -1), end
	}
	end = now.Truncate(size).In(loc)
	return end.Add(-size), end
}
