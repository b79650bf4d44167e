package scoring_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/llm"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/prompt"
	"github.com/nhle/maildigest/internal/registry"
	"github.com/nhle/maildigest/internal/scoring"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/testutil"
)

// scriptedClient replays replies in order, repeating the last one.
type scriptedClient struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

type reply struct {
	text string
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.replies[min(c.calls, len(c.replies)-1)]
	c.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Text: r.text}, nil
}

type fixture struct {
	store    *store.Store
	registry *registry.Registry
	ledger   *ledger.Ledger
	account  *model.EmailAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s := testutil.NewTestStore(t)
	v := testutil.NewTestVault(t)
	require.NoError(t, prompt.NewLibrary(s, nil).EnsureDefaults(ctx))

	return &fixture{
		store:    s,
		registry: registry.New(s, v, nil),
		ledger:   ledger.New(s, nil),
		account:  testutil.CreateAccount(t, s, v, "me@example.com", "pw"),
	}
}

func (f *fixture) scorer(client llm.Client) *scoring.Scorer {
	return scoring.New(scoring.Config{
		Workers: 2,
		Retry:   backoff.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	}, f.store, f.registry, prompt.NewLibrary(f.store, nil), client, f.ledger, nil)
}

func TestBlend(t *testing.T) {
	tests := []struct {
		model, weight, want int
	}{
		{6, 10, 7},
		{10, 10, 10},
		{0, 0, 0},
		{0, 4, 1},
		{5, 5, 5},
		{10, 0, 7},
		{8, 5, 7},
		{6, 1, 5},
		{7, 2, 6},
		{5, 0, 4},
		{1, 2, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scoring.Blend(tt.model, tt.weight, 0.7, 0.3), "model=%d weight=%d", tt.model, tt.weight)
	}

	// Every default-weight pair matches the integer rule (7m+3w+5)/10.
	for m := 0; m <= 10; m++ {
		for w := 0; w <= 10; w++ {
			assert.Equal(t, (7*m+3*w+5)/10, scoring.Blend(m, w, 0.7, 0.3), "model=%d weight=%d", m, w)
		}
	}

	assert.Equal(t, 4, scoring.Blend(4, 10, 1, 0))
	assert.Equal(t, 10, scoring.Blend(15, 10, 0, 0))
}

func TestBlendStaysInRange(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("blended score is within [0,10]", prop.ForAll(
		func(m, w int, mw, pw float64) bool {
			s := scoring.Blend(m, w, mw, pw)
			return s >= scoring.MinScore && s <= scoring.MaxScore
		},
		gen.IntRange(-50, 50),
		gen.IntRange(-50, 50),
		gen.Float64Range(0, 5),
		gen.Float64Range(0, 5),
	))

	properties.TestingRun(t)
}

func TestParseVerdict(t *testing.T) {
	score, cat, err := scoring.ParseVerdict(`Sure! {"score": 8, "category": " Work "} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, 8, score)
	assert.Equal(t, "work", cat)

	score, cat, err = scoring.ParseVerdict(`{"score": 14.6}`)
	require.NoError(t, err)
	assert.Equal(t, 10, score)
	assert.Equal(t, scoring.DefaultCategory, cat)

	for _, bad := range []string{"", "no json here", `{"category":"x"}`, `{"score": "high"}`, `{broken`} {
		_, _, err := scoring.ParseVerdict(bad)
		assert.Equal(t, llm.KindMalformed, llm.KindOf(err), bad)
	}
}

func TestScoreAndStoreBlendsWithSenderWeight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.registry.SetPriority(ctx, "sender@example.com", 10, "boss"))

	e := testutil.InsertEmail(t, f.store, f.account.ID, "r1", time.Now(), nil, "")
	s := f.scorer(&scriptedClient{replies: []reply{{text: `{"score": 6, "category": "work"}`}}})

	outcome, err := s.ScoreAndStore(ctx, *e)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, outcome)

	got, err := f.store.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RelevanceScore)
	assert.Equal(t, 7, *got.RelevanceScore)
	assert.Equal(t, "work", got.Category)

	last, found, err := f.ledger.LastOutcome(ctx, ledger.EmailSubject(e.ID), model.StageScore)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.OutcomeSuccess, last)
}

func TestScoreIsNeverChangedOnceSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := testutil.InsertEmail(t, f.store, f.account.ID, "r1", time.Now(), nil, "")

	first := f.scorer(&scriptedClient{replies: []reply{{text: `{"score": 9, "category": "work"}`}}})
	_, err := first.ScoreAndStore(ctx, *e)
	require.NoError(t, err)

	client := &scriptedClient{replies: []reply{{text: `{"score": 1, "category": "spam"}`}}}
	second := f.scorer(client)
	outcome, err := second.ScoreAndStore(ctx, *e)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSkipped, outcome)
	assert.Zero(t, client.calls)

	report, err := second.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, scoring.Report{}, report)

	got, err := f.store.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, *got.RelevanceScore)

	history, err := f.ledger.History(ctx, ledger.EmailSubject(e.ID), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestModelFailureLeavesScorePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := testutil.InsertEmail(t, f.store, f.account.ID, "r1", time.Now(), nil, "")

	authErr := &llm.Error{Kind: llm.KindAuth, StatusCode: 401, Message: "bad key"}
	failing := &scriptedClient{replies: []reply{{err: authErr}}}
	outcome, err := f.scorer(failing).ScoreAndStore(ctx, *e)
	require.Error(t, err)
	assert.Equal(t, model.OutcomeFailure, outcome)
	assert.Equal(t, 1, failing.calls, "auth errors are not retried")

	got, err := f.store.GetEmail(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RelevanceScore)

	report, err := f.scorer(&scriptedClient{replies: []reply{{text: `{"score": 5, "category": "misc"}`}}}).RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scored)

	history, err := f.ledger.History(ctx, ledger.EmailSubject(e.ID), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.OutcomeFailure, history[0].Outcome)
	assert.Equal(t, model.OutcomeSuccess, history[1].Outcome)
}

func TestRetryableFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := testutil.InsertEmail(t, f.store, f.account.ID, "r1", time.Now(), nil, "")

	client := &scriptedClient{replies: []reply{
		{err: &llm.Error{Kind: llm.KindRateLimit, StatusCode: 429}},
		{err: &llm.Error{Kind: llm.KindServer, StatusCode: 500}},
		{text: `{"score": 5, "category": "misc"}`},
	}}
	outcome, err := f.scorer(client).ScoreAndStore(ctx, *e)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, outcome)
	assert.Equal(t, 3, client.calls)

	history, err := f.ledger.History(ctx, ledger.EmailSubject(e.ID), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "one ledger entry per attempt, not per call")
}

func TestRunPendingIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		testutil.InsertEmail(t, f.store, f.account.ID, id, now, nil, "")
	}

	client := &scriptedClient{replies: []reply{
		{err: &llm.Error{Kind: llm.KindMalformed}},
		{text: `{"score": 3, "category": "misc"}`},
	}}
	s := scoring.New(scoring.Config{
		Workers: 1,
		Retry:   backoff.Policy{Attempts: 1, BaseDelay: time.Millisecond},
	}, f.store, f.registry, prompt.NewLibrary(f.store, nil), client, f.ledger, nil)

	report, err := s.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, scoring.Report{Scored: 2, Failed: 1}, report)

	unscored, err := f.store.ListUnscored(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unscored, 1)
}

func TestScoreWithoutActivePrompt(t *testing.T) {
	s := testutil.NewTestStore(t)
	v := testutil.NewTestVault(t)
	a := testutil.CreateAccount(t, s, v, "me@example.com", "pw")
	e := testutil.InsertEmail(t, s, a.ID, "r1", time.Now(), nil, "")

	scorer := scoring.New(scoring.Config{}, s, registry.New(s, v, nil), prompt.NewLibrary(s, nil),
		&scriptedClient{replies: []reply{{text: "{}"}}}, ledger.New(s, nil), nil)

	_, err := scorer.Score(context.Background(), *e)
	assert.True(t, errors.Is(err, prompt.ErrNoActiveVersion))
}
