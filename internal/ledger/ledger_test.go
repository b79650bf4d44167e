package ledger_test

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/testutil"
)

func TestShouldAttemptFollowsLastOutcome(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(testutil.NewTestStore(t), nil)
	subject := ledger.EmailSubject("e1")

	ok, err := l.ShouldAttempt(ctx, subject, model.StageScore)
	require.NoError(t, err)
	assert.True(t, ok, "never attempted")

	require.NoError(t, l.RecordAttempt(ctx, subject, model.StageScore, model.OutcomeFailure, "timeout"))
	ok, err = l.ShouldAttempt(ctx, subject, model.StageScore)
	require.NoError(t, err)
	assert.True(t, ok, "failed attempts stay pending")

	require.NoError(t, l.RecordAttempt(ctx, subject, model.StageScore, model.OutcomeSuccess, ""))
	ok, err = l.ShouldAttempt(ctx, subject, model.StageScore)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.ShouldAttempt(ctx, subject, model.StageSummarize)
	require.NoError(t, err)
	assert.True(t, ok, "stages are tracked independently")
}

func TestRecordAttemptValidatesAndTruncates(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(testutil.NewTestStore(t), nil)
	subject := ledger.AccountSubject("a1")

	err := l.RecordAttempt(ctx, subject, model.StageFetch, "maybe", "")
	assert.Error(t, err)

	long := strings.Repeat("x", 5000)
	require.NoError(t, l.RecordAttempt(ctx, subject, model.StageFetch, model.OutcomeFailure, long))

	history, err := l.History(ctx, subject, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Len(t, history[0].Detail, 2000)

	outcome, found, err := l.LastOutcome(ctx, subject, model.StageFetch)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.OutcomeFailure, outcome)
}

func TestTruncatedDetailKeepsRunesWhole(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(testutil.NewTestStore(t), nil)
	subject := ledger.EmailSubject("e-utf8")

	// One ASCII byte shifts the three-byte runes so byte 2000 falls mid-rune.
	detail := "x" + strings.Repeat("€", 1000)
	require.NoError(t, l.RecordAttempt(ctx, subject, model.StageScore, model.OutcomeFailure, detail))

	history, err := l.History(ctx, subject, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0].Detail
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 1+3*666)
	assert.True(t, strings.HasPrefix(detail, got))
}

func TestSubjects(t *testing.T) {
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	assert.Equal(t, ledger.Subject("account:a1"), ledger.AccountSubject("a1"))
	assert.Equal(t, ledger.Subject("email:e1"), ledger.EmailSubject("e1"))
	assert.Equal(t, ledger.Subject("message:a1:m@x"), ledger.MessageSubject("a1", "m@x"))
	assert.Equal(t, ledger.WindowSubject(start, end), ledger.WindowSubject(start.In(time.FixedZone("X", 3600)), end))
}
