// Package autopilot drives an ordered list of goals under budget and
// time limits, pausing into checkpoints when a trigger fires and
// resuming from the exact goal index after resolution.
package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/bug"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/feature"
	"steward/internal/logging"
	"steward/internal/state"
)

// maxGoalSkips bounds continue-on-block loops: a goal skipped more often
// than this is marked failed.
const maxGoalSkips = 3

// Runner executes autopilot sessions.
type Runner struct {
	store       *state.Store
	features    *feature.Orchestrator
	bugs        *bug.Orchestrator
	checkpoints *checkpoint.Manager
	cfg         config.KernelConfig
}

// New builds an autopilot runner.
func New(store *state.Store, features *feature.Orchestrator, bugs *bug.Orchestrator, checkpoints *checkpoint.Manager, cfg config.KernelConfig) *Runner {
	return &Runner{store: store, features: features, bugs: bugs, checkpoints: checkpoints, cfg: cfg}
}

// StartOptions configures a new session.
type StartOptions struct {
	BudgetUSD            float64
	DurationLimitSeconds int
	StopTrigger          state.Trigger
	DryRun               bool
}

// Start creates a session over the goals and runs it.
func (r *Runner) Start(ctx context.Context, goals []state.Goal, opts StartOptions) (*state.AutopilotSession, error) {
	if len(goals) == 0 {
		return nil, fmt.Errorf("autopilot requires at least one goal")
	}
	for i := range goals {
		if goals[i].ID == "" {
			goals[i].ID = fmt.Sprintf("g%d", i+1)
		}
		goals[i].Status = state.GoalPending
	}
	sess := &state.AutopilotSession{
		SessionID:            uuid.NewString(),
		Goals:                goals,
		BudgetUSD:            opts.BudgetUSD,
		DurationLimitSeconds: opts.DurationLimitSeconds,
		StopTrigger:          opts.StopTrigger,
		Status:               state.AutopilotRunning,
		SkipCounts:           map[string]int{},
		DryRun:               opts.DryRun,
		CreatedAt:            time.Now().UTC(),
	}
	if err := r.store.SaveAutopilot(sess); err != nil {
		return nil, err
	}
	logging.Autopilot("session %s started: %d goals, budget %.2f USD", sess.SessionID, len(goals), opts.BudgetUSD)
	return sess, r.run(ctx, sess, false)
}

// Resume continues a paused session from its goal index. The pause
// checkpoint must be resolved first; a rejection aborts the session.
func (r *Runner) Resume(ctx context.Context, sessionID string) (*state.AutopilotSession, error) {
	sess, err := r.store.LoadAutopilot(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != state.AutopilotPaused {
		return nil, fmt.Errorf("session %s is not paused (status %s)", sessionID, sess.Status)
	}

	waive := false
	if n := len(sess.Checkpoints); n > 0 {
		cp, err := r.checkpoints.Get(sess.Checkpoints[n-1])
		if err == nil {
			switch cp.Status {
			case state.CheckpointPending:
				return nil, fmt.Errorf("session %s: checkpoint %s is still pending", sessionID, cp.CheckpointID)
			case state.CheckpointRejected:
				return r.abort(sess, "pause checkpoint rejected")
			default:
				// The human approved this exact condition; do not re-fire
				// pre-flight for the goal that tripped it.
				waive = true
			}
		}
	}

	sess.Status = state.AutopilotRunning
	if err := r.store.SaveAutopilot(sess); err != nil {
		return nil, err
	}
	logging.Autopilot("session %s resumed at goal %d", sessionID, sess.CurrentGoalIndex)
	return sess, r.run(ctx, sess, waive)
}

// Cancel aborts a session. Unknown ids and already-terminal sessions are
// no-ops.
func (r *Runner) Cancel(sessionID string) error {
	sess, err := r.store.LoadAutopilot(sessionID)
	if err != nil {
		if state.IsNotFound(err) {
			return nil
		}
		return err
	}
	if sess.Status == state.AutopilotCompleted || sess.Status == state.AutopilotAborted {
		return nil
	}
	_, err = r.abort(sess, "cancelled by operator")
	return err
}

// ListPaused returns paused sessions.
func (r *Runner) ListPaused() ([]*state.AutopilotSession, error) {
	return r.store.ListAutopilot(func(s *state.AutopilotSession) bool {
		return s.Status == state.AutopilotPaused
	})
}

// DescribeGoal renders a goal for humans and dry runs.
func DescribeGoal(g *state.Goal) string {
	switch {
	case g.LinkedBugID != "":
		return fmt.Sprintf("bug %s: %s", g.LinkedBugID, g.Description)
	case g.LinkedFeatureID != "" && g.LinkedIssue > 0:
		return fmt.Sprintf("feature %s issue %d: %s", g.LinkedFeatureID, g.LinkedIssue, g.Description)
	case g.LinkedFeatureID != "" && g.SpecPipeline:
		return fmt.Sprintf("spec pipeline for %s: %s", g.LinkedFeatureID, g.Description)
	default:
		return fmt.Sprintf("manual: %s", g.Description)
	}
}

// run is the sequential executor; continue_on_block switches to the
// dependency-graph walk.
func (r *Runner) run(ctx context.Context, sess *state.AutopilotSession, waiveFirst bool) error {
	if r.cfg.ExecutionStrategy == config.StrategyContinueOnBlock {
		return r.runContinueOnBlock(ctx, sess)
	}

	for sess.CurrentGoalIndex < len(sess.Goals) {
		if err := ctx.Err(); err != nil {
			_, aerr := r.abort(sess, "context cancelled")
			if aerr != nil {
				return aerr
			}
			return err
		}
		goal := &sess.Goals[sess.CurrentGoalIndex]

		if !waiveFirst {
			if paused, err := r.preFlight(ctx, sess, goal); err != nil || paused {
				return err
			}
		}
		waiveFirst = false

		stop, err := r.executeAndAccount(ctx, sess, goal)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		sess.CurrentGoalIndex++
		if err := r.persist(sess); err != nil {
			return err
		}
	}

	sess.Status = state.AutopilotCompleted
	logging.Autopilot("session %s completed: %.2f USD spent", sess.SessionID, sess.CostSpentUSD)
	return r.persist(sess)
}

// preFlight checks the next goal; on a blocking trigger it creates a
// checkpoint and pauses. Returns true when the session paused.
func (r *Runner) preFlight(ctx context.Context, sess *state.AutopilotSession, goal *state.Goal) (bool, error) {
	unit := r.unitFor(sess, goal)
	triggers := r.checkpoints.Detector().PreFlight(unit)
	if len(triggers) == 0 {
		return false, nil
	}
	return true, r.pause(ctx, sess, goal, triggers)
}

// checkpointRequest composes the pause question for a goal.
func checkpointRequest(sess *state.AutopilotSession, goal *state.Goal, triggers []state.Trigger) checkpoint.CreateRequest {
	return checkpoint.CreateRequest{
		Triggers:  triggers,
		SessionID: sess.SessionID,
		EntityID:  entityFor(goal),
		Context: fmt.Sprintf("Goal %s of %d (%s). Spent %.2f of %.2f USD.",
			goal.ID, len(sess.Goals), DescribeGoal(goal), sess.CostSpentUSD, sess.BudgetUSD),
		Question: fmt.Sprintf("Autopilot paused before %q. Continue?", DescribeGoal(goal)),
	}
}

// pause persists the session as paused with one pending checkpoint.
func (r *Runner) pause(ctx context.Context, sess *state.AutopilotSession, goal *state.Goal, triggers []state.Trigger) error {
	cp, err := r.checkpoints.Create(ctx, checkpointRequest(sess, goal, triggers))
	if err != nil {
		return err
	}
	sess.Checkpoints = append(sess.Checkpoints, cp.CheckpointID)
	sess.Status = state.AutopilotPaused
	logging.Autopilot("session %s paused at goal %d (%s)", sess.SessionID, sess.CurrentGoalIndex, cp.Trigger)
	return r.persist(sess)
}

// executeAndAccount runs one goal, updates counters, persists, and runs
// the post-check. Returns true when the run should stop.
func (r *Runner) executeAndAccount(ctx context.Context, sess *state.AutopilotSession, goal *state.Goal) (bool, error) {
	start := time.Now()
	goal.Status = state.GoalRunning

	cost, err := r.executeGoal(ctx, sess, goal)
	sess.CostSpentUSD += cost
	sess.DurationSeconds += time.Since(start).Seconds()
	if err != nil {
		goal.Status = state.GoalFailed
		sess.ErrorStreak++
	} else {
		goal.Status = state.GoalCompleted
		sess.ErrorStreak = 0
	}
	if perr := r.persist(sess); perr != nil {
		return false, perr
	}

	// Post-check over the closed trigger set.
	unit := r.unitFor(sess, goal)
	unit.EstimatedCostUSD = 0
	unit.ErrorStreak = sess.ErrorStreak
	unit.FatalError = err != nil && sess.ErrorStreak >= r.cfg.ErrorStreakThreshold
	triggers := r.checkpoints.Detector().Detect(unit)

	if sess.StopTrigger != "" {
		for _, t := range triggers {
			if t == sess.StopTrigger {
				sess.Status = state.AutopilotCompleted
				logging.Autopilot("session %s: stop trigger %s fired", sess.SessionID, t)
				return true, r.persist(sess)
			}
		}
	}
	if len(triggers) > 0 {
		return true, r.pause(ctx, sess, goal, triggers)
	}
	return false, nil
}

// executeGoal dispatches one goal by its linked fields.
func (r *Runner) executeGoal(ctx context.Context, sess *state.AutopilotSession, goal *state.Goal) (float64, error) {
	logging.Autopilot("session %s: executing %s", sess.SessionID, DescribeGoal(goal))
	if sess.DryRun {
		return 0, nil
	}

	switch {
	case goal.LinkedBugID != "":
		before := r.bugCost(goal.LinkedBugID)
		b, err := r.bugs.Run(ctx, goal.LinkedBugID)
		if b != nil {
			return b.CostUSD - before, err
		}
		return 0, err

	case goal.LinkedFeatureID != "" && goal.LinkedIssue > 0:
		f, err := r.store.LoadFeature(goal.LinkedFeatureID)
		if err != nil {
			return 0, err
		}
		res := r.features.RunCycle(ctx, f, goal.LinkedIssue)
		return res.CostUSD, res.Err

	case goal.LinkedFeatureID != "" && goal.SpecPipeline:
		before := r.featureCost(goal.LinkedFeatureID)
		f, err := r.features.RunSpecPipeline(ctx, goal.LinkedFeatureID)
		if f != nil {
			return f.TotalCostUSD - before, err
		}
		return 0, err

	default:
		// Goals without any link are manual no-ops.
		return 0, nil
	}
}

func (r *Runner) bugCost(id string) float64 {
	if b, err := r.store.LoadBug(id); err == nil {
		return b.CostUSD
	}
	return 0
}

func (r *Runner) featureCost(id string) float64 {
	if f, err := r.store.LoadFeature(id); err == nil {
		return f.TotalCostUSD
	}
	return 0
}

// unitFor builds the detector's view of a goal.
func (r *Runner) unitFor(sess *state.AutopilotSession, goal *state.Goal) *checkpoint.Unit {
	return &checkpoint.Unit{
		Description:      DescribeGoal(goal),
		SessionID:        sess.SessionID,
		EstimatedCostUSD: goal.EstimatedCostUSD,
		SpentUSD:         sess.CostSpentUSD,
		BudgetUSD:        sess.BudgetUSD,
		Elapsed:          time.Duration(sess.DurationSeconds * float64(time.Second)),
	}
}

func entityFor(goal *state.Goal) string {
	if goal.LinkedFeatureID != "" {
		return goal.LinkedFeatureID
	}
	return goal.LinkedBugID
}

func (r *Runner) abort(sess *state.AutopilotSession, reason string) (*state.AutopilotSession, error) {
	sess.Status = state.AutopilotAborted
	if err := r.persist(sess); err != nil {
		return nil, err
	}
	logging.Autopilot("session %s aborted: %s", sess.SessionID, reason)
	return sess, nil
}

func (r *Runner) persist(sess *state.AutopilotSession) error {
	sess.LastPersistedAt = time.Now().UTC()
	return r.store.SaveAutopilot(sess)
}
