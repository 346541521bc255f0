package feature

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/agent"
	"steward/internal/checkpoint"
	"steward/internal/gate"
	"steward/internal/logging"
	"steward/internal/state"
	"steward/internal/validation"
)

// lockTTL bounds how long a crashed process can hold a task lock.
const lockTTL = time.Hour

// CycleResult reports one pass through the implementation cycle.
type CycleResult struct {
	IssueNumber int
	Done        bool
	Split       bool
	CostUSD     float64
	Err         error
}

// Implement moves a GREENLIT feature into IMPLEMENTING and processes
// tasks until the feature completes, a task fails, or no task is ready.
func (o *Orchestrator) Implement(ctx context.Context, featureID string) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase == state.PhaseGreenlit {
		if err := o.advance(f, state.PhaseImplementing); err != nil {
			return nil, err
		}
	}
	if f.Phase != state.PhaseImplementing {
		return nil, fmt.Errorf("feature %s: implement requires GREENLIT or IMPLEMENTING, have %s", featureID, f.Phase)
	}

	for {
		if err := ctx.Err(); err != nil {
			return f, err
		}
		task := o.selectNext(f)
		if task == nil {
			break
		}
		res := o.RunCycle(ctx, f, task.IssueNumber)
		f, err = o.store.LoadFeature(featureID)
		if err != nil {
			return nil, err
		}
		if res.Err != nil {
			return f, res.Err
		}
		if res.Split {
			// Selection restarts over the rewired graph.
			continue
		}
	}

	if f.Complete() {
		if err := o.advance(f, state.PhaseComplete); err != nil {
			return f, err
		}
	}
	return f, nil
}

// selectNext picks the next READY task by priority: blockers first, then
// approval-labeled work, then in-progress, then new. Tasks in DONE,
// SPLIT, SKIPPED, or BLOCKED are never selected.
func (o *Orchestrator) selectNext(f *state.Feature) *state.Task {
	var best *state.Task
	bestRank := -1
	for i := range f.Tasks {
		t := &f.Tasks[i]
		switch t.Stage {
		case state.StageDone, state.StageSplit, state.StageSkipped, state.StageBlocked:
			continue
		}
		if !f.TaskReady(t) {
			continue
		}
		rank := taskRank(t)
		if rank > bestRank || (rank == bestRank && best != nil && t.IssueNumber < best.IssueNumber) {
			best = t
			bestRank = rank
		}
	}
	return best
}

func taskRank(t *state.Task) int {
	if hasLabel(t, "blocker") {
		return 3
	}
	if hasLabel(t, "approval") {
		return 2
	}
	if t.Stage == state.StageInProgress {
		return 1
	}
	return 0
}

func hasLabel(t *state.Task, label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// RunCycle executes the implementation cycle for one task: lock, session,
// gate, coder, validation, verifier, commit.
func (o *Orchestrator) RunCycle(ctx context.Context, f *state.Feature, issue int) CycleResult {
	timer := logging.StartTimer(logging.CategoryFeature, "feature.RunCycle")
	defer timer.Stop()

	res := CycleResult{IssueNumber: issue}
	err := o.store.WithLock(f.FeatureID, issue, lockTTL, func() error {
		return o.runCycleLocked(ctx, f, issue, &res)
	})
	if err != nil && res.Err == nil {
		res.Err = err
	}
	return res
}

func (o *Orchestrator) runCycleLocked(ctx context.Context, f *state.Feature, issue int, res *CycleResult) error {
	task := f.Task(issue)
	if task == nil {
		return fmt.Errorf("feature %s has no issue %d", f.FeatureID, issue)
	}

	sess := &state.Session{
		SessionID:   uuid.NewString(),
		FeatureID:   f.FeatureID,
		IssueNumber: issue,
		StartedAt:   time.Now().UTC(),
		Status:      state.SessionActive,
	}
	if err := o.store.SaveSession(sess); err != nil {
		return err
	}
	o.store.AppendEvent(f.FeatureID, "feature", state.EventTaskStarted, map[string]interface{}{
		"issue":      issue,
		"session_id": sess.SessionID,
	})
	task.Stage = state.StageInProgress
	if err := o.store.SaveFeature(f); err != nil {
		return err
	}

	// Complexity gate.
	assessment, err := o.gate.Assess(ctx, task)
	if err != nil {
		return o.failTask(f, sess, issue, err)
	}
	if assessment.NeedsSplit {
		if err := o.splitTask(ctx, f, issue, assessment, res); err != nil {
			return o.failTask(f, sess, issue, err)
		}
		res.Split = true
		sess.Status = state.SessionCompleted
		return o.store.SaveSession(sess)
	}

	turnBudget := gate.TurnBudget(assessment.EstimatedTurns, o.cfg.TurnBudgetMargin, o.cfg.TurnBudgetCap)

	// Coder through recovery.
	cin := agent.Input{
		"feature_id":  f.FeatureID,
		"issue":       issueMap(task),
		"turn_budget": turnBudget,
	}
	if o.feedback != nil {
		cin = o.feedback.Apply(agent.RoleCoder, cin)
	}
	cout, cost, err := o.dispatch(ctx, agent.RoleCoder, fmt.Sprintf("implement %s#%d %s", f.FeatureID, issue, task.Title), cin)
	res.CostUSD += cost
	f.TotalCostUSD += cost
	if err != nil {
		return o.failTask(f, sess, issue, err)
	}

	files := append(cout.Strings("files_created"), cout.Strings("files_modified")...)
	if len(files) == 0 && !o.cfg.SkipEmptyOutputValidation {
		o.store.AppendEvent(f.FeatureID, "coder", state.EventCoderNoFiles, map[string]interface{}{
			"issue": issue,
		})
		return o.failTask(f, sess, issue, agent.NewError(agent.KindSystematic, agent.RoleCoder,
			"no file markers in coder output for issue %d", issue))
	}

	// Validation panel on the generated code.
	report, err := o.validator.Validate(ctx, cout.Str("summary")+"\n"+fmt.Sprint(files), "code_diff", validation.GatePreCommit)
	if err != nil {
		return o.failTask(f, sess, issue, err)
	}
	if !report.Approved {
		o.store.AppendEvent(f.FeatureID, "validation", state.EventValidationRejected, map[string]interface{}{
			"issue":  issue,
			"issues": report.BlockingIssues,
		})
		if report.HumanReviewRequired {
			task.Stage = state.StageBlocked
			o.store.SaveFeature(f)
			o.requestVetoReview(ctx, f, sess, issue, report)
			return o.failTask(f, sess, issue, agent.NewError(agent.KindFatal, agent.RoleCoder,
				"validation veto on issue %d: %v", issue, report.BlockingIssues))
		}
		return o.failTask(f, sess, issue, agent.NewError(agent.KindSystematic, agent.RoleCoder,
			"validation rejected issue %d: %v", issue, report.BlockingIssues))
	}

	// Verifier, re-routed through recovery on failure.
	vout, vcost, err := o.dispatch(ctx, agent.RoleVerifier, fmt.Sprintf("verify %s#%d", f.FeatureID, issue), agent.Input{
		"feature_id": f.FeatureID,
		"issue":      issueMap(task),
		"files":      files,
		"test_file":  cout.Str("test_file"),
	})
	res.CostUSD += vcost
	f.TotalCostUSD += vcost
	if err != nil {
		return o.failTask(f, sess, issue, err)
	}
	if !vout.Bool("tests_passed") {
		return o.failTask(f, sess, issue, agent.NewError(agent.KindSystematic, agent.RoleVerifier,
			"verification failed for issue %d: %s", issue, vout.Str("failure_detail")))
	}

	// Commit.
	task.Stage = state.StageDone
	if err := o.store.SaveFeature(f); err != nil {
		return err
	}
	sess.Status = state.SessionCompleted
	if err := o.store.SaveSession(sess); err != nil {
		return err
	}
	o.store.AppendEvent(f.FeatureID, "feature", state.EventTaskCompleted, map[string]interface{}{
		"issue":      issue,
		"commit_sha": vout.Str("commit_sha"),
		"cost_usd":   res.CostUSD,
	})
	res.Done = true
	logging.Feature("%s#%d done (%.2f USD)", f.FeatureID, issue, res.CostUSD)
	return nil
}

// failTask records the failure and leaves the task IN_PROGRESS so a later
// run can retry it. The session ends interrupted.
func (o *Orchestrator) failTask(f *state.Feature, sess *state.Session, issue int, cause error) error {
	o.store.AppendEvent(f.FeatureID, "feature", state.EventTaskFailed, map[string]interface{}{
		"issue": issue,
		"error": cause.Error(),
	})
	sess.Status = state.SessionInterrupted
	if err := o.store.SaveSession(sess); err != nil {
		logging.FeatureError("session not persisted: %v", err)
	}
	o.store.SaveFeature(f)
	return cause
}

// requestVetoReview surfaces a security veto as a checkpoint.
func (o *Orchestrator) requestVetoReview(ctx context.Context, f *state.Feature, sess *state.Session, issue int, report *validation.Report) {
	_, err := o.checkpoints.Create(ctx, checkpoint.CreateRequest{
		Triggers:  []state.Trigger{state.TriggerHighRisk},
		SessionID: sess.SessionID,
		EntityID:  f.FeatureID,
		Context:   fmt.Sprintf("Issue %d was vetoed by the security critic: %v", issue, report.BlockingIssues),
		Question:  fmt.Sprintf("Issue %d failed security review. How should it proceed?", issue),
	})
	if err != nil {
		logging.FeatureError("veto checkpoint not created: %v", err)
	}
}

// dispatch runs an agent call through contract checks and the recovery
// manager. Escalations come back as fatal errors.
func (o *Orchestrator) dispatch(ctx context.Context, role agent.Role, goal string, in agent.Input) (agent.Output, float64, error) {
	if o.contracts != nil {
		if err := o.contracts.ValidateInput(role, in); err != nil {
			return nil, 0, err
		}
	}
	out, err := o.recovery.Execute(ctx, role, goal, in)
	if err != nil {
		return nil, 0, err
	}
	if out.Escalated {
		return nil, out.CostUSD, agent.WrapError(agent.KindFatal, role, "recovery exhausted", out.Err)
	}
	if o.contracts != nil {
		if err := o.contracts.ValidateOutput(role, out.Result.Output); err != nil {
			return nil, out.CostUSD, err
		}
	}
	return out.Result.Output, out.CostUSD, nil
}

func issueMap(t *state.Task) map[string]interface{} {
	return map[string]interface{}{
		"number":       t.IssueNumber,
		"title":        t.Title,
		"body":         t.Body,
		"labels":       t.Labels,
		"dependencies": t.Dependencies,
	}
}
