package prompt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/prompt"
	"github.com/nhle/maildigest/internal/testutil"
)

func TestActiveWithoutVersions(t *testing.T) {
	lib := prompt.NewLibrary(testutil.NewTestStore(t), nil)

	_, err := lib.Active(context.Background(), model.AgentRelevance)
	assert.ErrorIs(t, err, prompt.ErrNoActiveVersion)
}

func TestEnsureDefaultsSeedsOnce(t *testing.T) {
	ctx := context.Background()
	lib := prompt.NewLibrary(testutil.NewTestStore(t), nil)

	require.NoError(t, lib.EnsureDefaults(ctx))
	require.NoError(t, lib.EnsureDefaults(ctx))

	for _, agent := range []model.AgentType{model.AgentRelevance, model.AgentSummary} {
		versions, err := lib.List(ctx, agent)
		require.NoError(t, err)
		require.Len(t, versions, 1, agent)
		assert.True(t, versions[0].Active)
	}
}

func TestAddAndActivate(t *testing.T) {
	ctx := context.Background()
	lib := prompt.NewLibrary(testutil.NewTestStore(t), nil)

	v1, err := lib.Add(ctx, model.AgentRelevance, "first {{.Subject}}", true)
	require.NoError(t, err)
	v2, err := lib.Add(ctx, model.AgentRelevance, "second {{.Subject}}", false)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.Active)

	active, err := lib.Active(ctx, model.AgentRelevance)
	require.NoError(t, err)
	assert.Equal(t, v1.Version, active.Version)

	require.NoError(t, lib.Activate(ctx, model.AgentRelevance, 2))
	active, err = lib.Active(ctx, model.AgentRelevance)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	assert.Error(t, lib.Activate(ctx, model.AgentRelevance, 9))
}

func TestAddRejectsBadTemplates(t *testing.T) {
	ctx := context.Background()
	lib := prompt.NewLibrary(testutil.NewTestStore(t), nil)

	_, err := lib.Add(ctx, model.AgentSummary, "{{.Groups", false)
	assert.Error(t, err)

	_, err = lib.Add(ctx, model.AgentType("triage"), "x", false)
	assert.Error(t, err)
}

func TestRenderDefaults(t *testing.T) {
	ctx := context.Background()
	lib := prompt.NewLibrary(testutil.NewTestStore(t), nil)
	require.NoError(t, lib.EnsureDefaults(ctx))

	rel, err := lib.Active(ctx, model.AgentRelevance)
	require.NoError(t, err)
	out, err := prompt.Render(rel, prompt.RelevanceData{
		Subject:       "Quarterly numbers",
		SenderName:    "Dana",
		SenderAddress: "dana@example.com",
		Body:          "Please review by Friday.",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Dana <dana@example.com>")
	assert.Contains(t, out, "Please review by Friday.")

	sum, err := lib.Active(ctx, model.AgentSummary)
	require.NoError(t, err)
	out, err = prompt.Render(sum, prompt.SummaryData{
		Count: 1,
		Groups: []prompt.SummaryGroup{{
			Category: "work",
			Items:    []prompt.SummaryItem{{Sender: "dana@example.com", Subject: "Numbers", Score: 8}},
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "## work")
	assert.Contains(t, out, "- [8] dana@example.com: Numbers")
}

func TestRenderMissingKeyFails(t *testing.T) {
	pv := &model.PromptVersion{AgentType: model.AgentSummary, Version: 1, Template: "{{.Nope}}"}
	_, err := prompt.Render(pv, map[string]string{})
	assert.Error(t, err)
}
