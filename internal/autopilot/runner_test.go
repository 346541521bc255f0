package autopilot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/bug"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/recovery"
	"steward/internal/state"
	"steward/internal/validation"
)

type roleScript struct {
	handlers map[agent.Role]func(in agent.Input) (*agent.Result, error)
}

func (r *roleScript) Invoke(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
	h, ok := r.handlers[role]
	if !ok {
		return nil, agent.NewError(agent.KindFatal, role, "unscripted role %s", role)
	}
	return h(in)
}

type fixture struct {
	runner *Runner
	store  *state.Store
	cps    *checkpoint.Manager
	bugs   *bug.Orchestrator
}

func newFixture(t *testing.T, cfg config.KernelConfig, inv agent.Invoker) *fixture {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	contracts := contract.NewRegistry(false)
	cps := checkpoint.NewManager(store, cfg, nil, nil, nil)
	bugs := bug.New(bug.Deps{
		Store:       store,
		Contracts:   contracts,
		Recovery:    recovery.New(inv, nil, nil, recovery.DefaultConfig()),
		Validator:   validation.New(inv, contracts, nil),
		Checkpoints: cps,
		Config:      cfg,
	})
	return &fixture{
		runner: New(store, nil, bugs, cps, cfg),
		store:  store,
		cps:    cps,
		bugs:   bugs,
	}
}

func manualGoals(ids ...string) []state.Goal {
	goals := make([]state.Goal, len(ids))
	for i, id := range ids {
		goals[i] = state.Goal{ID: id, Description: "manual step " + id}
	}
	return goals
}

func TestStartRunsAllGoalsToCompletion(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	sess, err := fx.runner.Start(context.Background(), manualGoals("a", "b", "c"), StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotCompleted, sess.Status)
	assert.Equal(t, 3, sess.CurrentGoalIndex)
	for _, g := range sess.Goals {
		assert.Equal(t, state.GoalCompleted, g.Status)
	}

	persisted, err := fx.store.LoadAutopilot(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotCompleted, persisted.Status)
}

func TestStartWithoutGoalsFails(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	_, err := fx.runner.Start(context.Background(), nil, StartOptions{})
	assert.Error(t, err)
}

func TestPreFlightPausesWhenBudgetCannotCoverGoal(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	goals := manualGoals("cheap", "pricey")
	goals[1].EstimatedCostUSD = 50

	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotPaused, sess.Status)
	// Paused before the second goal, which never ran.
	assert.Equal(t, 1, sess.CurrentGoalIndex)
	assert.Equal(t, state.GoalCompleted, sess.Goals[0].Status)
	assert.Equal(t, state.GoalPending, sess.Goals[1].Status)
	require.Len(t, sess.Checkpoints, 1)

	pending, err := fx.cps.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, state.TriggerCostCumulative, pending[0].Trigger)
}

func TestResumeWaivesApprovedPreFlight(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	goals := manualGoals("cheap", "pricey")
	goals[1].EstimatedCostUSD = 50

	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	require.Equal(t, state.AutopilotPaused, sess.Status)

	// Resuming with the checkpoint still pending is refused.
	_, err = fx.runner.Resume(context.Background(), sess.SessionID)
	assert.Error(t, err)

	_, err = fx.cps.Resolve(sess.Checkpoints[0], "proceed", "budget overrun accepted")
	require.NoError(t, err)

	resumed, err := fx.runner.Resume(context.Background(), sess.SessionID)
	require.NoError(t, err)
	// The approved condition is waived once; the goal runs and the session
	// finishes.
	assert.Equal(t, state.AutopilotCompleted, resumed.Status)
	assert.Equal(t, state.GoalCompleted, resumed.Goals[1].Status)
}

func TestResumeRejectedCheckpointAborts(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	goals := manualGoals("cheap", "pricey")
	goals[1].EstimatedCostUSD = 50

	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	_, err = fx.cps.Resolve(sess.Checkpoints[0], "abort", "")
	require.NoError(t, err)

	resumed, err := fx.runner.Resume(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotAborted, resumed.Status)
}

func TestStopTriggerEndsSessionCleanly(t *testing.T) {
	inv := &roleScript{handlers: map[agent.Role]func(agent.Input) (*agent.Result, error){
		agent.RoleBugResearcher: func(in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"confirmed": true, "evidence": "seen", "affected_files": []interface{}{"x.go"},
			}, CostUSD: 0.3}, nil
		},
		agent.RoleRootCauseAnalyst: func(in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"root_cause": "race", "candidate_locations": []interface{}{"x.go"},
			}, CostUSD: 0.3}, nil
		},
		agent.RoleFixPlanner: func(in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"plan_steps": []interface{}{"lock it"},
			}, CostUSD: 0.3}, nil
		},
	}}
	cfg := config.DefaultKernel()
	cfg.CheckpointDailyBudgetUSD = 0.5
	fx := newFixture(t, cfg, inv)
	_, err := fx.bugs.Report("b1", "crashes under load")
	require.NoError(t, err)

	goals := []state.Goal{
		{ID: "g1", Description: "triage the crash", LinkedBugID: "b1"},
		{ID: "g2", Description: "never reached"},
	}
	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{
		BudgetUSD:   10,
		StopTrigger: state.TriggerCostCumulative,
	})
	require.NoError(t, err)
	// Triage cost 0.9 crossed the 0.5 daily threshold; the stop trigger
	// converts the pause into a clean completion.
	assert.Equal(t, state.AutopilotCompleted, sess.Status)
	assert.Equal(t, state.GoalCompleted, sess.Goals[0].Status)
	assert.Equal(t, state.GoalPending, sess.Goals[1].Status)
	assert.InDelta(t, 0.9, sess.CostSpentUSD, 1e-9)
}

func TestDryRunExecutesNothing(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	_, err := fx.bugs.Report("b1", "a bug")
	require.NoError(t, err)

	goals := []state.Goal{{ID: "g1", LinkedBugID: "b1", Description: "would run the bug"}}
	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotCompleted, sess.Status)
	assert.Zero(t, sess.CostSpentUSD)

	b, err := fx.store.LoadBug("b1")
	require.NoError(t, err)
	assert.Equal(t, state.BugReported, b.Phase)
}

func TestContinueOnBlockSkipsAndBoundsBlockedGoals(t *testing.T) {
	cfg := config.DefaultKernel()
	cfg.ExecutionStrategy = config.StrategyContinueOnBlock
	fx := newFixture(t, cfg, &roleScript{})

	goals := []state.Goal{
		{ID: "g1", Description: "too expensive", EstimatedCostUSD: 100},
		{ID: "g2", Description: "fine"},
		{ID: "g3", Description: "after g2", DependsOn: []string{"g2"}},
	}
	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)

	// The blocked goal never stops the others.
	assert.Equal(t, state.AutopilotCompleted, sess.Status)
	assert.Equal(t, state.GoalFailed, sess.Goals[0].Status)
	assert.Equal(t, state.GoalCompleted, sess.Goals[1].Status)
	assert.Equal(t, state.GoalCompleted, sess.Goals[2].Status)
	assert.Equal(t, maxGoalSkips+1, sess.SkipCounts["g1"])
	// Each tolerated skip surfaced a checkpoint without pausing.
	assert.Len(t, sess.Checkpoints, maxGoalSkips)
}

func TestContinueOnBlockRespectsDependencies(t *testing.T) {
	cfg := config.DefaultKernel()
	cfg.ExecutionStrategy = config.StrategyContinueOnBlock
	fx := newFixture(t, cfg, &roleScript{})

	goals := []state.Goal{
		{ID: "g1", Description: "needs g2", DependsOn: []string{"g2"}},
		{ID: "g2", Description: "base"},
	}
	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotCompleted, sess.Status)
	assert.Equal(t, state.GoalCompleted, sess.Goals[0].Status)
	assert.Equal(t, state.GoalCompleted, sess.Goals[1].Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	fx := newFixture(t, config.DefaultKernel(), &roleScript{})
	goals := manualGoals("only")
	goals[0].EstimatedCostUSD = 50
	sess, err := fx.runner.Start(context.Background(), goals, StartOptions{BudgetUSD: 10})
	require.NoError(t, err)
	require.Equal(t, state.AutopilotPaused, sess.Status)

	require.NoError(t, fx.runner.Cancel(sess.SessionID))
	loaded, err := fx.store.LoadAutopilot(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.AutopilotAborted, loaded.Status)

	assert.NoError(t, fx.runner.Cancel(sess.SessionID))
	assert.NoError(t, fx.runner.Cancel("no-such-session"))
}

func TestDescribeGoal(t *testing.T) {
	assert.Contains(t, DescribeGoal(&state.Goal{LinkedBugID: "b1", Description: "d"}), "bug b1")
	assert.Contains(t, DescribeGoal(&state.Goal{LinkedFeatureID: "f1", LinkedIssue: 2, Description: "d"}), "issue 2")
	assert.Contains(t, DescribeGoal(&state.Goal{LinkedFeatureID: "f1", SpecPipeline: true, Description: "d"}), "spec pipeline")
	assert.Contains(t, DescribeGoal(&state.Goal{Description: "d"}), "manual")
}
