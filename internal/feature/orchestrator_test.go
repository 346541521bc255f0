package feature

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/gate"
	"steward/internal/recovery"
	"steward/internal/state"
	"steward/internal/validation"
)

// roleScript replays per-role behavior, counting calls per role.
type roleScript struct {
	counts   map[agent.Role]int
	handlers map[agent.Role]func(call int, in agent.Input) (*agent.Result, error)
}

func newRoleScript(handlers map[agent.Role]func(int, agent.Input) (*agent.Result, error)) *roleScript {
	return &roleScript{counts: make(map[agent.Role]int), handlers: handlers}
}

func (r *roleScript) Invoke(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
	h, ok := r.handlers[role]
	if !ok {
		return nil, agent.NewError(agent.KindFatal, role, "unscripted role %s", role)
	}
	n := r.counts[role]
	r.counts[role]++
	return h(n, in)
}

func approveAll(call int, in agent.Input) (*agent.Result, error) {
	return &agent.Result{Output: agent.Output{
		"score": 0.9, "approved": true, "issues": []interface{}{}, "reasoning": "fine",
	}}, nil
}

func newTestOrchestrator(t *testing.T, inv agent.Invoker) (*Orchestrator, *state.Store, *checkpoint.Manager) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)

	cfg := config.DefaultKernel()
	cfg.SpecCriticMaxRounds = 2
	contracts := contract.NewRegistry(false)
	cps := checkpoint.NewManager(store, cfg, nil, nil, nil)
	rec := recovery.New(inv, nil, nil, recovery.DefaultConfig())

	o := New(Deps{
		Store:       store,
		Invoker:     inv,
		Contracts:   contracts,
		Gate:        gate.New(inv, contracts, 40),
		Recovery:    rec,
		Validator:   validation.New(inv, contracts, nil),
		Checkpoints: cps,
		Config:      cfg,
	})
	return o, store, cps
}

func smallBody(criteria int) string {
	var b strings.Builder
	for i := 0; i < criteria; i++ {
		fmt.Fprintf(&b, "- [ ] criterion %d\n", i)
	}
	return b.String()
}

func TestCreateFeatureRejectsDuplicates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newRoleScript(nil))
	f, err := o.CreateFeature("search", "users need search")
	require.NoError(t, err)
	assert.Equal(t, state.PhasePRDReady, f.Phase)
	assert.Equal(t, 1, f.NextIssue)

	_, err = o.CreateFeature("search", "again")
	assert.Error(t, err)
}

func TestSpecPipelineAdvancesToApproval(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleSpecAuthor: func(call int, in agent.Input) (*agent.Result, error) {
			assert.Equal(t, "users need search", in["prd"])
			return &agent.Result{Output: agent.Output{"spec_markdown": "# Search\n- [ ] index documents"}, CostUSD: 0.5}, nil
		},
		agent.RoleSpecCritic: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"score": 0.9, "feedback": "solid"}, CostUSD: 0.1}, nil
		},
		agent.RoleCritic: approveAll,
	})
	o, store, cps := newTestOrchestrator(t, inv)
	_, err := o.CreateFeature("search", "users need search")
	require.NoError(t, err)

	f, err := o.RunSpecPipeline(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseSpecNeedsApproval, f.Phase)
	assert.Equal(t, "# Search\n- [ ] index documents", f.Spec)
	assert.InDelta(t, 0.6, f.TotalCostUSD, 1e-9)

	pending, err := cps.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, state.TriggerApprovalRequired, pending[0].Trigger)

	events, err := store.ReadEvents("search")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestSpecPipelineLowScoreHoldsWithCheckpoint(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleSpecAuthor: func(call int, in agent.Input) (*agent.Result, error) {
			if call > 0 {
				// Revision rounds carry the critic's feedback.
				assert.Equal(t, "too vague", in["feedback"])
			}
			return &agent.Result{Output: agent.Output{"spec_markdown": fmt.Sprintf("draft %d", call)}}, nil
		},
		agent.RoleSpecCritic: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"score": 0.5, "feedback": "too vague"}}, nil
		},
	})
	o, _, cps := newTestOrchestrator(t, inv)
	_, err := o.CreateFeature("vague", "do something")
	require.NoError(t, err)

	f, err := o.RunSpecPipeline(context.Background(), "vague")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseSpecInProgress, f.Phase)
	// Two critic rounds, one revision between them.
	assert.Equal(t, 2, inv.counts[agent.RoleSpecCritic])
	assert.Equal(t, 2, inv.counts[agent.RoleSpecAuthor])

	pending, err := cps.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Question, "Accept it anyway")
}

func TestSpecPipelineAdvancesOnAverageScoreNotFinalRound(t *testing.T) {
	scores := []float64{0.5, 0.9}
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleSpecAuthor: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"spec_markdown": fmt.Sprintf("draft %d", call)}}, nil
		},
		agent.RoleSpecCritic: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"score": scores[call], "feedback": "tighten the edge cases"}}, nil
		},
	})
	o, _, cps := newTestOrchestrator(t, inv)
	_, err := o.CreateFeature("averaged", "prd")
	require.NoError(t, err)

	// Round two clears the threshold on its own, but the 0.70 average
	// across both rounds does not, so the spec holds for a human call.
	f, err := o.RunSpecPipeline(context.Background(), "averaged")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseSpecInProgress, f.Phase)
	assert.Equal(t, 2, inv.counts[agent.RoleSpecCritic])

	pending, err := cps.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Question, "Accept it anyway")
	assert.Contains(t, pending[0].Context, "0.70")
}

func TestApplySpecApprovalDeclinedBlocks(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, newRoleScript(nil))
	_, err := o.CreateFeature("f1", "prd")
	require.NoError(t, err)
	f, err := store.LoadFeature("f1")
	require.NoError(t, err)
	f.Phase = state.PhaseSpecNeedsApproval
	require.NoError(t, store.SaveFeature(f))

	f, err = o.ApplySpecApproval("f1", false)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseBlocked, f.Phase)

	// Operator can return it to the phase machine.
	f, err = o.Unblock("f1", state.PhaseSpecNeedsApproval)
	require.NoError(t, err)
	f, err = o.ApplySpecApproval("f1", true)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseSpecApproved, f.Phase)
}

func TestCreateIssuesBuildsStagedGraph(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleIssueCreator: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"issues": []interface{}{
				map[string]interface{}{"number": float64(1), "title": "schema", "body": smallBody(2), "estimated_size": "small"},
				map[string]interface{}{"number": float64(2), "title": "endpoints", "body": smallBody(3), "dependencies": []interface{}{float64(1)}, "labels": []interface{}{"api"}},
			}}}, nil
		},
	})
	o, store, _ := newTestOrchestrator(t, inv)
	_, err := o.CreateFeature("f1", "prd")
	require.NoError(t, err)
	f, _ := store.LoadFeature("f1")
	f.Phase = state.PhaseSpecApproved
	f.Spec = "spec"
	require.NoError(t, store.SaveFeature(f))

	f, err = o.CreateIssues(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseIssuesCreated, f.Phase)
	require.Len(t, f.Tasks, 2)
	assert.Equal(t, state.StageReady, f.Tasks[0].Stage)
	assert.Equal(t, state.StageBacklog, f.Tasks[1].Stage)
	assert.Equal(t, []int{1}, f.Tasks[1].Dependencies)
	assert.Equal(t, state.SizeSmall, f.Tasks[0].EstimatedSize)
	assert.Equal(t, 3, f.NextIssue)
}

func TestImplementRunsTasksToCompletion(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"files_created":  []interface{}{fmt.Sprintf("pkg/file%d.go", call)},
				"files_modified": []interface{}{},
				"summary":        "implemented",
			}, CostUSD: 1.0}, nil
		},
		agent.RoleVerifier: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"tests_passed": true, "commit_sha": "abc123"}}, nil
		},
		agent.RoleCritic: approveAll,
	})
	o, store, _ := newTestOrchestrator(t, inv)
	seedGreenlit(t, store, "f1", []state.Task{
		{IssueNumber: 1, Stage: state.StageReady, Title: "one", Body: smallBody(2)},
		{IssueNumber: 2, Stage: state.StageBacklog, Title: "two", Body: smallBody(2), Dependencies: []int{1}},
	})

	f, err := o.Implement(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, f.Phase)
	for _, task := range f.Tasks {
		assert.Equal(t, state.StageDone, task.Stage)
	}
	assert.Equal(t, 2, inv.counts[agent.RoleCoder])
	assert.InDelta(t, 2.0, f.TotalCostUSD, 1e-9)
}

func TestImplementDependencyOrder(t *testing.T) {
	var order []int
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			issue := in["issue"].(map[string]interface{})
			order = append(order, issue["number"].(int))
			return &agent.Result{Output: agent.Output{
				"files_created": []interface{}{"a.go"}, "files_modified": []interface{}{},
			}}, nil
		},
		agent.RoleVerifier: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"tests_passed": true}}, nil
		},
		agent.RoleCritic: approveAll,
	})
	o, store, _ := newTestOrchestrator(t, inv)
	seedGreenlit(t, store, "f1", []state.Task{
		{IssueNumber: 1, Stage: state.StageBacklog, Title: "late", Body: smallBody(1), Dependencies: []int{2}},
		{IssueNumber: 2, Stage: state.StageReady, Title: "early", Body: smallBody(1)},
	})

	_, err := o.Implement(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, order)
}

func TestImplementEmptyCoderOutputFailsTask(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"files_created": []interface{}{}, "files_modified": []interface{}{},
			}}, nil
		},
	})
	o, store, _ := newTestOrchestrator(t, inv)
	seedGreenlit(t, store, "f1", []state.Task{
		{IssueNumber: 1, Stage: state.StageReady, Title: "one", Body: smallBody(2)},
	})

	_, err := o.Implement(context.Background(), "f1")
	require.Error(t, err)
	assert.Equal(t, agent.KindSystematic, agent.Classify(err))

	f, err := store.LoadFeature("f1")
	require.NoError(t, err)
	// Left in progress so a later run can retry.
	assert.Equal(t, state.StageInProgress, f.Task(1).Stage)

	events, err := store.ReadEvents("f1")
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, state.EventCoderNoFiles)
	assert.Contains(t, kinds, state.EventTaskFailed)
}

func TestImplementSecurityVetoBlocksTask(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"files_created": []interface{}{"exfil.go"}, "files_modified": []interface{}{},
			}}, nil
		},
		agent.RoleCritic: func(call int, in agent.Input) (*agent.Result, error) {
			if focus, _ := in["focus"].(string); strings.Contains(focus, "security") {
				return &agent.Result{Output: agent.Output{
					"score": 0.1, "approved": false,
					"issues": []interface{}{"uploads environment to remote host"}, "reasoning": "exfiltration",
				}}, nil
			}
			return approveAll(call, in)
		},
	})
	o, store, cps := newTestOrchestrator(t, inv)
	seedGreenlit(t, store, "f1", []state.Task{
		{IssueNumber: 1, Stage: state.StageReady, Title: "one", Body: smallBody(2)},
	})

	_, err := o.Implement(context.Background(), "f1")
	require.Error(t, err)
	assert.Equal(t, agent.KindFatal, agent.Classify(err))

	f, err := store.LoadFeature("f1")
	require.NoError(t, err)
	assert.Equal(t, state.StageBlocked, f.Task(1).Stage)

	pending, err := cps.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, state.TriggerHighRisk, pending[0].Trigger)
}

func TestImplementSplitsOversizedTask(t *testing.T) {
	inv := newRoleScript(map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleIssueSplitter: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"sub_issues": []interface{}{
				map[string]interface{}{"title": "first half", "body": smallBody(3)},
				map[string]interface{}{"title": "second half", "body": smallBody(3)},
			}}}, nil
		},
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"files_created": []interface{}{"part.go"}, "files_modified": []interface{}{},
			}}, nil
		},
		agent.RoleVerifier: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"tests_passed": true}}, nil
		},
		agent.RoleCritic: approveAll,
	})
	o, store, _ := newTestOrchestrator(t, inv)
	// 13 checkbox criteria trips the gate's instant-fail ceiling.
	seedGreenlit(t, store, "f1", []state.Task{
		{IssueNumber: 1, Stage: state.StageReady, Title: "monolith", Body: smallBody(13)},
	})

	f, err := o.Implement(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, f.Phase)

	parent := f.Task(1)
	assert.Equal(t, state.StageSplit, parent.Stage)
	require.Len(t, parent.ChildIssues, 2)
	first, second := f.Task(parent.ChildIssues[0]), f.Task(parent.ChildIssues[1])
	assert.Equal(t, state.StageDone, first.Stage)
	assert.Equal(t, state.StageDone, second.Stage)
	assert.Equal(t, []int{first.IssueNumber}, second.Dependencies)
	assert.Equal(t, 2, inv.counts[agent.RoleCoder])
}

// seedGreenlit stores a feature already greenlit with the given task list.
func seedGreenlit(t *testing.T, store *state.Store, id string, tasks []state.Task) {
	t.Helper()
	next := 1
	for _, task := range tasks {
		if task.IssueNumber >= next {
			next = task.IssueNumber + 1
		}
	}
	require.NoError(t, store.SaveFeature(&state.Feature{
		FeatureID: id,
		Spec:      "spec",
		Phase:     state.PhaseGreenlit,
		Tasks:     tasks,
		NextIssue: next,
	}))
}
