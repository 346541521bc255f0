// Package bug drives a defect through reproduce, root-cause analysis,
// fix planning, fixing, and verification. The fix plan requires human
// approval before any code changes.
package bug

import (
	"context"
	"fmt"
	"strings"
	"time"

	"steward/internal/agent"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/logging"
	"steward/internal/recovery"
	"steward/internal/state"
	"steward/internal/validation"
)

// Orchestrator wires the bug pipeline. It shares the recovery manager,
// validation layer, and state store with the feature orchestrator.
type Orchestrator struct {
	store       *state.Store
	contracts   *contract.Registry
	recovery    *recovery.Manager
	validator   *validation.Validator
	checkpoints *checkpoint.Manager
	feedback    *checkpoint.Incorporator
	cfg         config.KernelConfig
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store       *state.Store
	Contracts   *contract.Registry
	Recovery    *recovery.Manager
	Validator   *validation.Validator
	Checkpoints *checkpoint.Manager
	Feedback    *checkpoint.Incorporator
	Config      config.KernelConfig
}

// New builds a bug orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:       d.Store,
		contracts:   d.Contracts,
		recovery:    d.Recovery,
		validator:   d.Validator,
		checkpoints: d.Checkpoints,
		feedback:    d.Feedback,
		cfg:         d.Config,
	}
}

// Report registers a new bug in the reported phase.
func (o *Orchestrator) Report(bugID, description string) (*state.Bug, error) {
	if _, err := o.store.LoadBug(bugID); err == nil {
		return nil, fmt.Errorf("bug %s already exists", bugID)
	} else if !state.IsNotFound(err) {
		return nil, err
	}
	b := &state.Bug{
		BugID:       bugID,
		Description: description,
		Phase:       state.BugReported,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.SaveBug(b); err != nil {
		return nil, err
	}
	logging.Bug("reported bug %s", bugID)
	return b, nil
}

// Run advances a bug as far as it can go without human input. It stops
// in planned (awaiting fix-plan approval) or a terminal phase.
func (o *Orchestrator) Run(ctx context.Context, bugID string) (*state.Bug, error) {
	b, err := o.store.LoadBug(bugID)
	if err != nil {
		return nil, err
	}

	// Verification may bounce back to fixing; bound the re-fix rounds.
	const maxFixRounds = 3
	fixRounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return b, err
		}
		switch b.Phase {
		case state.BugReported:
			err = o.reproduce(ctx, b)
		case state.BugReproducing:
			err = o.investigate(ctx, b)
		case state.BugInvestigating:
			err = o.plan(ctx, b)
		case state.BugPlanned:
			// Waiting on fix-plan approval.
			return b, nil
		case state.BugFixing:
			fixRounds++
			if fixRounds > maxFixRounds {
				err = fmt.Errorf("bug %s: fix/verify did not converge in %d rounds", bugID, maxFixRounds)
				break
			}
			err = o.fix(ctx, b)
		case state.BugVerifying:
			err = o.verify(ctx, b)
		default:
			return b, nil
		}
		if err != nil {
			o.blockBug(b, err)
			return b, err
		}
	}
}

// ApproveFixPlan records the human decision on the fix plan, moving
// planned -> fixing.
func (o *Orchestrator) ApproveFixPlan(bugID string, approved bool) (*state.Bug, error) {
	b, err := o.store.LoadBug(bugID)
	if err != nil {
		return nil, err
	}
	if b.Phase != state.BugPlanned {
		return nil, fmt.Errorf("bug %s: fix-plan approval requires planned, have %s", bugID, b.Phase)
	}
	if !approved {
		o.blockBug(b, fmt.Errorf("fix plan declined"))
		return b, nil
	}
	return b, o.advance(b, state.BugFixing)
}

func (o *Orchestrator) reproduce(ctx context.Context, b *state.Bug) error {
	if err := o.advance(b, state.BugReproducing); err != nil {
		return err
	}
	out, cost, err := o.dispatch(ctx, agent.RoleBugResearcher, fmt.Sprintf("reproduce bug %s", b.BugID), agent.Input{
		"bug": bugMap(b),
	})
	b.CostUSD += cost
	if err != nil {
		return err
	}
	if !out.Bool("confirmed") {
		return agent.NewError(agent.KindAmbiguity, agent.RoleBugResearcher,
			"bug %s could not be reproduced", b.BugID)
	}
	b.Evidence = out.Str("evidence")
	b.AffectedFiles = out.Strings("affected_files")
	return o.store.SaveBug(b)
}

func (o *Orchestrator) investigate(ctx context.Context, b *state.Bug) error {
	if err := o.advance(b, state.BugInvestigating); err != nil {
		return err
	}
	out, cost, err := o.dispatch(ctx, agent.RoleRootCauseAnalyst, fmt.Sprintf("find root cause of %s", b.BugID), agent.Input{
		"bug":      bugMap(b),
		"evidence": b.Evidence,
	})
	b.CostUSD += cost
	if err != nil {
		return err
	}
	b.RootCause = out.Str("root_cause")
	if len(out.Strings("candidate_locations")) > 0 {
		b.AffectedFiles = out.Strings("candidate_locations")
	}
	return o.store.SaveBug(b)
}

func (o *Orchestrator) plan(ctx context.Context, b *state.Bug) error {
	if err := o.advance(b, state.BugPlanned); err != nil {
		return err
	}
	in := agent.Input{
		"bug":        bugMap(b),
		"root_cause": b.RootCause,
	}
	if o.feedback != nil {
		in = o.feedback.Apply(agent.RoleFixPlanner, in)
	}
	out, cost, err := o.dispatch(ctx, agent.RoleFixPlanner, fmt.Sprintf("plan fix for %s", b.BugID), in)
	b.CostUSD += cost
	if err != nil {
		return err
	}
	b.FixPlan = out.Strings("plan_steps")
	if len(b.FixPlan) == 0 {
		return agent.NewError(agent.KindSystematic, agent.RoleFixPlanner,
			"empty fix plan for bug %s", b.BugID)
	}
	if err := o.store.SaveBug(b); err != nil {
		return err
	}

	_, err = o.checkpoints.Create(ctx, checkpoint.CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
		EntityID: b.BugID,
		Context:  fmt.Sprintf("Fix plan for bug %s (root cause: %s):\n%s", b.BugID, b.RootCause, strings.Join(b.FixPlan, "\n")),
		Question: fmt.Sprintf("Approve the fix plan for bug %s?", b.BugID),
	})
	return err
}

func (o *Orchestrator) fix(ctx context.Context, b *state.Bug) error {
	in := agent.Input{
		"feature_id": b.BugID,
		"issue": map[string]interface{}{
			"number": 1,
			"title":  fmt.Sprintf("fix: %s", b.Description),
			"body":   strings.Join(b.FixPlan, "\n"),
		},
	}
	if o.feedback != nil {
		in = o.feedback.Apply(agent.RoleCoder, in)
	}
	out, cost, err := o.dispatch(ctx, agent.RoleCoder, fmt.Sprintf("fix bug %s", b.BugID), in)
	b.CostUSD += cost
	if err != nil {
		return err
	}
	files := append(out.Strings("files_created"), out.Strings("files_modified")...)
	if len(files) == 0 && !o.cfg.SkipEmptyOutputValidation {
		o.store.AppendEvent(b.BugID, "coder", state.EventCoderNoFiles, map[string]interface{}{"bug": b.BugID})
		return agent.NewError(agent.KindSystematic, agent.RoleCoder,
			"no file markers in coder output for bug %s", b.BugID)
	}

	report, err := o.validator.Validate(ctx, out.Str("summary")+"\n"+fmt.Sprint(files), "code_diff", validation.GatePreCommit)
	if err != nil {
		return err
	}
	if !report.Approved {
		o.store.AppendEvent(b.BugID, "validation", state.EventValidationRejected, map[string]interface{}{
			"bug":    b.BugID,
			"issues": report.BlockingIssues,
		})
		kind := agent.KindSystematic
		if report.HumanReviewRequired {
			kind = agent.KindFatal
		}
		return agent.NewError(kind, agent.RoleCoder,
			"validation rejected fix for %s: %v", b.BugID, report.BlockingIssues)
	}
	b.AffectedFiles = files
	if err := o.store.SaveBug(b); err != nil {
		return err
	}
	return o.advance(b, state.BugVerifying)
}

func (o *Orchestrator) verify(ctx context.Context, b *state.Bug) error {
	out, cost, err := o.dispatch(ctx, agent.RoleVerifier, fmt.Sprintf("verify fix for %s", b.BugID), agent.Input{
		"feature_id": b.BugID,
		"issue": map[string]interface{}{
			"number": 1,
			"title":  fmt.Sprintf("fix: %s", b.Description),
			"body":   strings.Join(b.FixPlan, "\n"),
		},
		"files": b.AffectedFiles,
	})
	b.CostUSD += cost
	if err != nil {
		return err
	}
	if !out.Bool("tests_passed") {
		// Verification can bounce the bug back to fixing for another pass.
		logging.Bug("%s: verification failed, returning to fixing: %s", b.BugID, out.Str("failure_detail"))
		return o.advance(b, state.BugFixing)
	}
	if err := o.advance(b, state.BugFixed); err != nil {
		return err
	}
	o.store.AppendEvent(b.BugID, "bug", state.EventTaskCompleted, map[string]interface{}{
		"bug":        b.BugID,
		"commit_sha": out.Str("commit_sha"),
	})
	return nil
}

// advance transitions the bug's phase, enforcing the DAG.
func (o *Orchestrator) advance(b *state.Bug, to state.BugPhase) error {
	if !state.CanTransitionBug(b.Phase, to) {
		return fmt.Errorf("bug %s: illegal transition %s -> %s", b.BugID, b.Phase, to)
	}
	from := b.Phase
	b.Phase = to
	if err := o.store.SaveBug(b); err != nil {
		b.Phase = from
		return err
	}
	o.store.AppendEvent(b.BugID, "bug", state.EventPhaseAdvanced, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	logging.Bug("%s: %s -> %s", b.BugID, from, to)
	return nil
}

func (o *Orchestrator) blockBug(b *state.Bug, cause error) {
	if b.Phase == state.BugBlocked || b.Phase == state.BugFixed {
		return
	}
	b.Phase = state.BugBlocked
	if err := o.store.SaveBug(b); err != nil {
		logging.BugDebug("bug not persisted while blocking: %v", err)
		return
	}
	o.store.AppendEvent(b.BugID, "bug", state.EventEntityBlocked, map[string]interface{}{
		"reason": cause.Error(),
	})
	logging.Bug("%s blocked: %v", b.BugID, cause)
}

// Unblock returns a blocked bug to the given phase on operator action.
func (o *Orchestrator) Unblock(bugID string, to state.BugPhase) (*state.Bug, error) {
	b, err := o.store.LoadBug(bugID)
	if err != nil {
		return nil, err
	}
	if b.Phase != state.BugBlocked {
		return nil, fmt.Errorf("bug %s is not blocked (phase %s)", bugID, b.Phase)
	}
	if !state.CanTransitionBug(state.BugBlocked, to) {
		return nil, fmt.Errorf("bug %s: illegal unblock target %s", bugID, to)
	}
	return b, o.advance(b, to)
}

// dispatch mirrors the feature orchestrator's recovery-wrapped call.
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

func bugMap(b *state.Bug) map[string]interface{} {
	return map[string]interface{}{
		"bug_id":      b.BugID,
		"description": b.Description,
		"phase":       string(b.Phase),
		"evidence":    b.Evidence,
		"root_cause":  b.RootCause,
	}
}
