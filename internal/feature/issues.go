package feature

import (
	"context"
	"fmt"

	"steward/internal/agent"
	"steward/internal/logging"
	"steward/internal/state"
)

// CreateIssues asks the issue creator for an ordered task list and
// persists it, advancing SPEC_APPROVED -> ISSUES_CREATED.
func (o *Orchestrator) CreateIssues(ctx context.Context, featureID string) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase != state.PhaseSpecApproved {
		return nil, fmt.Errorf("feature %s: issue creation requires SPEC_APPROVED, have %s", featureID, f.Phase)
	}

	out, cost, err := o.dispatch(ctx, agent.RoleIssueCreator, fmt.Sprintf("create issues for %s", f.FeatureID), agent.Input{
		"feature_id": f.FeatureID,
		"spec":       f.Spec,
	})
	f.TotalCostUSD += cost
	if err != nil {
		o.store.SaveFeature(f)
		return f, err
	}

	issues := out.Maps("issues")
	if len(issues) == 0 {
		o.store.SaveFeature(f)
		return f, agent.NewError(agent.KindSystematic, agent.RoleIssueCreator, "no issues returned")
	}

	f.Tasks = f.Tasks[:0]
	for _, raw := range issues {
		t := taskFromMap(raw, f.NextIssue)
		if t.IssueNumber >= f.NextIssue {
			f.NextIssue = t.IssueNumber + 1
		}
		if f.TaskReady(&t) {
			t.Stage = state.StageReady
		} else {
			t.Stage = state.StageBacklog
		}
		f.Tasks = append(f.Tasks, t)
	}
	// Re-derive readiness now that the whole graph is present.
	for i := range f.Tasks {
		if f.Tasks[i].Stage == state.StageBacklog && f.TaskReady(&f.Tasks[i]) {
			f.Tasks[i].Stage = state.StageReady
		}
	}
	if err := f.ValidateTaskGraph(); err != nil {
		return f, agent.WrapError(agent.KindSystematic, agent.RoleIssueCreator, "invalid task graph", err)
	}

	if err := o.advance(f, state.PhaseIssuesCreated); err != nil {
		return f, err
	}
	logging.Feature("%s: created %d issues", f.FeatureID, len(f.Tasks))
	return f, nil
}

// Greenlight marks the issue list ready for execution.
func (o *Orchestrator) Greenlight(featureID string) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase != state.PhaseIssuesCreated {
		return nil, fmt.Errorf("feature %s: greenlight requires ISSUES_CREATED, have %s", featureID, f.Phase)
	}
	if err := o.advance(f, state.PhaseGreenlit); err != nil {
		return nil, err
	}
	return f, nil
}

// taskFromMap builds a Task from the issue creator's envelope, allocating
// an issue number when the agent did not supply one.
func taskFromMap(raw map[string]interface{}, nextIssue int) state.Task {
	t := state.Task{
		IssueNumber: intFrom(raw["number"]),
		Title:       strFrom(raw["title"]),
		Body:        strFrom(raw["body"]),
		Stage:       state.StageBacklog,
	}
	if t.IssueNumber == 0 {
		t.IssueNumber = nextIssue
	}
	for _, d := range sliceFrom(raw["dependencies"]) {
		if n := intFrom(d); n > 0 {
			t.Dependencies = append(t.Dependencies, n)
		}
	}
	for _, l := range sliceFrom(raw["labels"]) {
		if s := strFrom(l); s != "" {
			t.Labels = append(t.Labels, s)
		}
	}
	switch state.EstimatedSize(strFrom(raw["estimated_size"])) {
	case state.SizeSmall:
		t.EstimatedSize = state.SizeSmall
	case state.SizeMedium:
		t.EstimatedSize = state.SizeMedium
	case state.SizeLarge:
		t.EstimatedSize = state.SizeLarge
	}
	return t
}

func strFrom(v interface{}) string {
	s, _ := v.(string)
	return s
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func sliceFrom(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}
