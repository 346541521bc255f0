package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"steward/internal/agent"
	"steward/internal/config"
	"steward/internal/state"
)

func TestMain(m *testing.M) {
	// The genai import chain starts an opencensus stats worker that never
	// exits; it is not ours to stop.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, config.KernelConfig{}, nil, nil, nil), store
}

func TestScoreRiskWeightsDestructiveWork(t *testing.T) {
	a := ScoreRisk(RiskInput{
		Description:        "drop the staging database and reload fixtures",
		EstimatedCostUSD:   3,
		RemainingBudgetUSD: 100,
		FilesAffected:      2,
		PastSuccessRate:    -1,
		PastApprovalRate:   -1,
	})
	assert.Equal(t, 1.0, a.Factors["reversibility"])
	assert.Equal(t, 0.5, a.Factors["confidence"])
	assert.Equal(t, 0.5, a.Factors["precedent"])
	// 0.25*0.1 + 0.20*0.2 + 0.25*1.0 + 0.15*0.5 + 0.15*0.5
	assert.InDelta(t, 0.465, a.Score, 1e-9)
	assert.Equal(t, "checkpoint", a.Recommendation)
}

func TestScoreRiskRoutineWorkProceeds(t *testing.T) {
	a := ScoreRisk(RiskInput{
		Description:        "add a unit test for the parser",
		EstimatedCostUSD:   1,
		RemainingBudgetUSD: 100,
		FilesAffected:      1,
		PastSuccessRate:    0.9,
		PastApprovalRate:   0.9,
	})
	assert.Equal(t, "proceed", a.Recommendation)
	assert.Less(t, a.Score, riskCheckpointThreshold)
}

func TestReversibilityVerbClasses(t *testing.T) {
	assert.Equal(t, 1.0, reversibility("purge stale cache entries"))
	assert.Equal(t, 0.7, reversibility("deploy the new service"))
	assert.Equal(t, 0.2, reversibility("refactor the config loader"))
}

func TestDetectOrdersBySeverity(t *testing.T) {
	d := NewDetector(config.KernelConfig{CheckpointBudgetUSD: 5, ErrorStreakThreshold: 3})
	fired := d.Detect(&Unit{
		EstimatedCostUSD: 6,
		ErrorStreak:      4,
		Risk:             &state.RiskAssessment{Score: 0.8},
	})
	require.Len(t, fired, 3)
	assert.Equal(t, state.TriggerHighRisk, fired[0])
	assert.Equal(t, state.TriggerErrorSpike, fired[1])
	assert.Equal(t, state.TriggerCostSingle, fired[2])
}

func TestPreFlightBudgetExactlyCoversEstimate(t *testing.T) {
	d := NewDetector(config.KernelConfig{})
	fired := d.PreFlight(&Unit{EstimatedCostUSD: 5, SpentUSD: 95, BudgetUSD: 100})
	assert.Empty(t, fired)

	fired = d.PreFlight(&Unit{EstimatedCostUSD: 5.01, SpentUSD: 95, BudgetUSD: 100})
	require.Len(t, fired, 1)
	assert.Equal(t, state.TriggerCostCumulative, fired[0])
}

func TestPreFlightBlocksOnMissingDependency(t *testing.T) {
	d := NewDetector(config.KernelConfig{})
	fired := d.PreFlight(&Unit{MissingDependencies: []string{"issue 4"}})
	require.Len(t, fired, 1)
	assert.Equal(t, state.TriggerBlocker, fired[0])
}

func TestCreateSurfacesHighestSeverityTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers:  []state.Trigger{state.TriggerTime, state.TriggerHighRisk, state.TriggerScopeChange},
		SessionID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, state.TriggerHighRisk, cp.Trigger)
	assert.ElementsMatch(t, []state.Trigger{state.TriggerTime, state.TriggerScopeChange}, cp.OtherTriggers)
	assert.NotEmpty(t, cp.Question)
	assert.NotEmpty(t, cp.Options)
	assert.Equal(t, state.CheckpointPending, cp.Status)
}

func TestCreateBlockingRiskRecommendsSafestOption(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerHighRisk},
		Risk:     &state.RiskAssessment{Score: 0.85, Recommendation: "block"},
	})
	require.NoError(t, err)
	var recommended string
	for _, opt := range cp.Options {
		if opt.IsRecommended {
			recommended = opt.ID
		}
	}
	assert.Equal(t, "abort", recommended)
}

func TestResolveApprovesAndPersists(t *testing.T) {
	m, store := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
	})
	require.NoError(t, err)

	resolved, err := m.Resolve(cp.CheckpointID, "approve", "looks good")
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointApproved, resolved.Status)
	assert.Equal(t, "approve", resolved.ResolvedOption)
	assert.Equal(t, "looks good", resolved.ResolutionNotes)

	loaded, err := store.LoadCheckpoint(cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointApproved, loaded.Status)
}

func TestResolveAbortRejects(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerCostSingle},
	})
	require.NoError(t, err)

	resolved, err := m.Resolve(cp.CheckpointID, "abort", "")
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointRejected, resolved.Status)
}

func TestResolveIsIdempotentForSameOption(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerCostSingle},
	})
	require.NoError(t, err)

	_, err = m.Resolve(cp.CheckpointID, "proceed", "")
	require.NoError(t, err)

	again, err := m.Resolve(cp.CheckpointID, "proceed", "")
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointApproved, again.Status)

	_, err = m.Resolve(cp.CheckpointID, "abort", "")
	assert.Error(t, err)
}

func TestResolveUnknownOption(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerCostSingle},
	})
	require.NoError(t, err)

	_, err = m.Resolve(cp.CheckpointID, "shrug", "")
	assert.Error(t, err)
}

func TestListPendingExcludesResolved(t *testing.T) {
	m, _ := newTestManager(t)
	first, err := m.Create(context.Background(), CreateRequest{Triggers: []state.Trigger{state.TriggerTime}})
	require.NoError(t, err)
	second, err := m.Create(context.Background(), CreateRequest{Triggers: []state.Trigger{state.TriggerHighRisk}})
	require.NoError(t, err)

	_, err = m.Resolve(first.CheckpointID, "proceed", "")
	require.NoError(t, err)

	pending, err := m.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.CheckpointID, pending[0].CheckpointID)
}

func TestFeedbackIncorporation(t *testing.T) {
	root := t.TempDir()
	store, err := state.Open(root)
	require.NoError(t, err)
	inc, err := NewIncorporator(root)
	require.NoError(t, err)
	m := NewManager(store, config.KernelConfig{}, nil, nil, inc)

	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
	})
	require.NoError(t, err)
	_, err = m.Resolve(cp.CheckpointID, "revise", "keep error messages terse")
	require.NoError(t, err)

	// Resolution notes on an approval checkpoint steer the authoring roles.
	in := inc.Apply(agent.RoleSpecAuthor, agent.Input{"prd": "x"})
	fb, ok := in["operator_feedback"].([]string)
	require.True(t, ok)
	assert.Contains(t, fb, "keep error messages terse")

	// Other roles are untouched.
	other := inc.Apply(agent.RoleVerifier, agent.Input{"files": nil})
	_, ok = other["operator_feedback"]
	assert.False(t, ok)
}

func TestFeedbackExpiryEnforcedAtRead(t *testing.T) {
	inc, err := NewIncorporator(t.TempDir())
	require.NoError(t, err)
	inc.Add(Feedback{Text: "stale", ExpiresAt: time.Now().Add(-time.Hour)})
	inc.Add(Feedback{Text: "fresh", ExpiresAt: time.Now().Add(time.Hour)})

	active := inc.Active(agent.RoleCoder, time.Now().UTC())
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].Text)
}

func TestWaitForResolutionSeesConcurrentResolve(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Resolve(cp.CheckpointID, "approve", "")
	}()

	resolved, err := m.WaitForResolution(context.Background(), cp.CheckpointID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, state.CheckpointApproved, resolved.Status)
}

func TestWaitForResolutionTimesOut(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create(context.Background(), CreateRequest{
		Triggers: []state.Trigger{state.TriggerTime},
	})
	require.NoError(t, err)

	_, err = m.WaitForResolution(context.Background(), cp.CheckpointID, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
