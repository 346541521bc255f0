package feature

import (
	"context"
	"fmt"
	"strings"

	"steward/internal/agent"
	"steward/internal/gate"
	"steward/internal/logging"
	"steward/internal/state"
)

// splitTask runs the issue splitter and applies the result to the task
// graph.
func (o *Orchestrator) splitTask(ctx context.Context, f *state.Feature, issue int, assessment *gate.Assessment, res *CycleResult) error {
	task := f.Task(issue)
	if task == nil {
		return fmt.Errorf("feature %s has no issue %d", f.FeatureID, issue)
	}

	suggestions := make([]string, 0, len(assessment.SplitSuggestions))
	for _, s := range assessment.SplitSuggestions {
		suggestions = append(suggestions, fmt.Sprintf("%s: %s", s.Title, strings.Join(s.Criteria, "; ")))
	}
	out, cost, err := o.dispatch(ctx, agent.RoleIssueSplitter, fmt.Sprintf("split %s#%d", f.FeatureID, issue), agent.Input{
		"issue":       issueMap(task),
		"suggestions": suggestions,
	})
	res.CostUSD += cost
	f.TotalCostUSD += cost
	if err != nil {
		return err
	}

	subs := out.Maps("sub_issues")
	if len(subs) < 2 {
		return agent.NewError(agent.KindSystematic, agent.RoleIssueSplitter,
			"splitter returned %d sub-issues for issue %d, need at least 2", len(subs), issue)
	}

	children := make([]state.Task, 0, len(subs))
	for _, raw := range subs {
		children = append(children, state.Task{
			Title: strFrom(raw["title"]),
			Body:  strFrom(raw["body"]),
		})
	}
	if err := ApplySplit(f, issue, children); err != nil {
		return err
	}
	if err := o.store.SaveFeature(f); err != nil {
		return err
	}

	childNums := f.Task(issue).ChildIssues
	o.store.AppendEvent(f.FeatureID, "feature", state.EventTaskSplit, map[string]interface{}{
		"issue":    issue,
		"children": childNums,
	})
	logging.Feature("%s#%d split into %v", f.FeatureID, issue, childNums)
	return nil
}

// ApplySplit replaces a task with child issues and rewires dependencies:
// the first child inherits the parent's dependencies, each subsequent
// child depends on the previous, tasks that depended on the parent now
// depend on the last child, and the parent becomes SPLIT.
func ApplySplit(f *state.Feature, parentIssue int, children []state.Task) error {
	parent := f.Task(parentIssue)
	if parent == nil {
		return fmt.Errorf("feature %s has no issue %d", f.FeatureID, parentIssue)
	}
	if parent.Stage == state.StageSplit {
		return fmt.Errorf("feature %s: issue %d is already split", f.FeatureID, parentIssue)
	}
	if len(children) < 2 {
		return fmt.Errorf("feature %s: split of issue %d needs at least 2 children", f.FeatureID, parentIssue)
	}

	childNums := make([]int, len(children))
	for i := range children {
		children[i].IssueNumber = f.NextIssue
		f.NextIssue++
		children[i].ParentIssue = parentIssue
		if i == 0 {
			children[i].Dependencies = append([]int(nil), parent.Dependencies...)
		} else {
			children[i].Dependencies = []int{childNums[i-1]}
		}
		childNums[i] = children[i].IssueNumber
	}
	last := childNums[len(childNums)-1]

	// Repoint dependents of the parent at the last child.
	for i := range f.Tasks {
		t := &f.Tasks[i]
		for j, dep := range t.Dependencies {
			if dep == parentIssue {
				t.Dependencies[j] = last
			}
		}
	}

	parent.Stage = state.StageSplit
	parent.ChildIssues = childNums
	f.Tasks = append(f.Tasks, children...)

	// Stage the new children.
	for _, n := range childNums {
		c := f.Task(n)
		if f.TaskReady(c) {
			c.Stage = state.StageReady
		} else {
			c.Stage = state.StageBacklog
		}
	}
	return f.ValidateTaskGraph()
}
