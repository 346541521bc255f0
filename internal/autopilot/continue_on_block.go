package autopilot

import (
	"context"

	"steward/internal/logging"
	"steward/internal/state"
)

// runContinueOnBlock walks the goal dependency graph instead of the
// list order: a blocked goal is skipped and the runner proceeds with any
// goal whose dependencies are satisfied. The per-goal skip count bounds
// the loop; a goal skipped past the bound is marked failed.
func (r *Runner) runContinueOnBlock(ctx context.Context, sess *state.AutopilotSession) error {
	if sess.SkipCounts == nil {
		sess.SkipCounts = map[string]int{}
	}

	for {
		if err := ctx.Err(); err != nil {
			_, aerr := r.abort(sess, "context cancelled")
			if aerr != nil {
				return aerr
			}
			return err
		}

		goal := r.nextEligible(sess)
		if goal == nil {
			break
		}

		unit := r.unitFor(sess, goal)
		if triggers := r.checkpoints.Detector().PreFlight(unit); len(triggers) > 0 {
			// Record the block, surface it, and move on to other goals.
			goal.Status = state.GoalBlocked
			sess.SkipCounts[goal.ID]++
			if sess.SkipCounts[goal.ID] > maxGoalSkips {
				goal.Status = state.GoalFailed
				logging.Autopilot("session %s: goal %s skipped %d times, marking failed", sess.SessionID, goal.ID, sess.SkipCounts[goal.ID])
			} else if err := r.pauseless(ctx, sess, goal, triggers); err != nil {
				return err
			}
			if err := r.persist(sess); err != nil {
				return err
			}
			continue
		}

		stop, err := r.executeAndAccount(ctx, sess, goal)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	sess.Status = state.AutopilotCompleted
	logging.Autopilot("session %s completed (continue-on-block): %.2f USD spent", sess.SessionID, sess.CostSpentUSD)
	return r.persist(sess)
}

// nextEligible picks the first pending or previously-blocked goal whose
// dependencies are all completed.
func (r *Runner) nextEligible(sess *state.AutopilotSession) *state.Goal {
	byID := make(map[string]*state.Goal, len(sess.Goals))
	for i := range sess.Goals {
		byID[sess.Goals[i].ID] = &sess.Goals[i]
	}
	for i := range sess.Goals {
		g := &sess.Goals[i]
		if g.Status != state.GoalPending && g.Status != state.GoalBlocked {
			continue
		}
		if g.Status == state.GoalBlocked && sess.SkipCounts[g.ID] > maxGoalSkips {
			continue
		}
		ready := true
		for _, dep := range g.DependsOn {
			d := byID[dep]
			if d == nil || d.Status != state.GoalCompleted {
				ready = false
				break
			}
		}
		if ready {
			return g
		}
	}
	return nil
}

// pauseless records a blocking checkpoint without pausing the whole run.
func (r *Runner) pauseless(ctx context.Context, sess *state.AutopilotSession, goal *state.Goal, triggers []state.Trigger) error {
	cp, err := r.checkpoints.Create(ctx, checkpointRequest(sess, goal, triggers))
	if err != nil {
		return err
	}
	sess.Checkpoints = append(sess.Checkpoints, cp.CheckpointID)
	logging.Autopilot("session %s: goal %s blocked (%s), continuing with other goals", sess.SessionID, goal.ID, cp.Trigger)
	return nil
}
