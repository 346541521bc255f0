package feature

import (
	"context"
	"fmt"

	"steward/internal/agent"
	"steward/internal/checkpoint"
	"steward/internal/logging"
	"steward/internal/state"
	"steward/internal/validation"
)

// RunSpecPipeline authors the spec from the PRD and runs the bounded
// critic/revise loop. On a passing average score the feature advances to
// SPEC_NEEDS_APPROVAL and an approval checkpoint is created; otherwise it
// stays in SPEC_IN_PROGRESS and the low score is surfaced as a
// checkpoint.
func (o *Orchestrator) RunSpecPipeline(ctx context.Context, featureID string) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase != state.PhasePRDReady {
		return nil, fmt.Errorf("feature %s: spec pipeline requires PRD_READY, have %s", featureID, f.Phase)
	}
	if err := o.advance(f, state.PhaseSpecInProgress); err != nil {
		return nil, err
	}

	spec, score, cost, err := o.authorAndCritique(ctx, f)
	f.TotalCostUSD += cost
	if err != nil {
		o.store.SaveFeature(f)
		o.block(f, fmt.Sprintf("spec pipeline failed: %v", err))
		return f, err
	}
	f.Spec = spec
	if err := o.store.SaveFeature(f); err != nil {
		return nil, err
	}

	if score < o.cfg.SpecCriticScoreThreshold {
		_, cerr := o.checkpoints.Create(ctx, newSpecScoreRequest(f, score, o.cfg.SpecCriticScoreThreshold))
		if cerr != nil {
			return f, cerr
		}
		logging.Feature("%s: spec score %.2f below %.2f, holding in %s", featureID, score, o.cfg.SpecCriticScoreThreshold, f.Phase)
		return f, nil
	}

	// A spec that survives its critics still faces the validation panel
	// before it reaches a human.
	report, err := o.validator.Validate(ctx, f.Spec, "spec", validation.GatePreApproval)
	if err != nil {
		return f, err
	}
	if !report.Approved {
		o.store.AppendEvent(f.FeatureID, "validation", state.EventValidationRejected, map[string]interface{}{
			"artifact": "spec",
			"issues":   report.BlockingIssues,
		})
		o.block(f, "spec rejected by validation panel")
		return f, nil
	}

	if err := o.advance(f, state.PhaseSpecNeedsApproval); err != nil {
		return f, err
	}
	_, err = o.checkpoints.Create(ctx, checkpoint.CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
		EntityID: f.FeatureID,
		Context:  fmt.Sprintf("Spec for feature %s is ready (critic score %.2f).\n\n%s", f.FeatureID, score, truncateText(f.Spec, 2000)),
		Question: fmt.Sprintf("Approve the spec for feature %s?", f.FeatureID),
	})
	return f, err
}

// authorAndCritique runs SpecAuthor then up to SpecCriticMaxRounds
// critique/revise rounds, returning the final spec, the average critic
// score across the rounds that ran, and accumulated cost.
func (o *Orchestrator) authorAndCritique(ctx context.Context, f *state.Feature) (string, float64, float64, error) {
	var cost float64
	in := agent.Input{"feature_id": f.FeatureID, "prd": f.PRD}
	if o.feedback != nil {
		in = o.feedback.Apply(agent.RoleSpecAuthor, in)
	}
	out, c, err := o.dispatch(ctx, agent.RoleSpecAuthor, fmt.Sprintf("author spec for %s", f.FeatureID), in)
	cost += c
	if err != nil {
		return "", 0, cost, err
	}
	spec := out.Str("spec_markdown")
	if spec == "" {
		return "", 0, cost, agent.NewError(agent.KindSystematic, agent.RoleSpecAuthor, "empty spec returned")
	}

	rounds := o.cfg.SpecCriticMaxRounds
	if rounds < 1 {
		rounds = 1
	}
	var scoreSum float64
	roundsRun := 0
	for round := 1; round <= rounds; round++ {
		cout, c, err := o.dispatch(ctx, agent.RoleSpecCritic, fmt.Sprintf("critique spec for %s round %d", f.FeatureID, round), agent.Input{
			"feature_id": f.FeatureID,
			"spec":       spec,
			"prd":        f.PRD,
			"round":      round,
		})
		cost += c
		if err != nil {
			return "", 0, cost, err
		}
		score := cout.Float("score")
		scoreSum += score
		roundsRun++
		logging.FeatureDebug("%s: critic round %d score %.2f", f.FeatureID, round, score)
		if score >= o.cfg.SpecCriticScoreThreshold || round == rounds {
			break
		}

		rin := agent.Input{
			"feature_id": f.FeatureID,
			"prd":        f.PRD,
			"feedback":   cout.Str("feedback"),
		}
		if o.feedback != nil {
			rin = o.feedback.Apply(agent.RoleSpecAuthor, rin)
		}
		rout, c, err := o.dispatch(ctx, agent.RoleSpecAuthor, fmt.Sprintf("revise spec for %s round %d", f.FeatureID, round), rin)
		cost += c
		if err != nil {
			return "", 0, cost, err
		}
		if revised := rout.Str("spec_markdown"); revised != "" {
			spec = revised
		}
	}
	return spec, scoreSum / float64(roundsRun), cost, nil
}

// ApplySpecApproval records the human decision on the spec checkpoint.
func (o *Orchestrator) ApplySpecApproval(featureID string, approved bool) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase != state.PhaseSpecNeedsApproval {
		return nil, fmt.Errorf("feature %s: spec approval requires SPEC_NEEDS_APPROVAL, have %s", featureID, f.Phase)
	}
	if !approved {
		return f, o.block(f, "spec approval declined")
	}
	if err := o.advance(f, state.PhaseSpecApproved); err != nil {
		return nil, err
	}
	return f, nil
}

func newSpecScoreRequest(f *state.Feature, score, threshold float64) checkpoint.CreateRequest {
	return checkpoint.CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
		EntityID: f.FeatureID,
		Context:  fmt.Sprintf("The spec for %s scored %.2f after the critic loop; the advance threshold is %.2f.", f.FeatureID, score, threshold),
		Question: fmt.Sprintf("The spec for %s did not meet the critic threshold. Accept it anyway?", f.FeatureID),
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[...]"
}
