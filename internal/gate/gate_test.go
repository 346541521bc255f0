package gate

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/contract"
	"steward/internal/state"
)

func body(criteria, methods int) string {
	var b strings.Builder
	for i := 0; i < criteria; i++ {
		fmt.Fprintf(&b, "- [ ] criterion %d\n", i)
	}
	for i := 0; i < methods; i++ {
		fmt.Fprintf(&b, "Implement `helper%d()` next.\n", i)
	}
	return b.String()
}

func TestCountCriteria(t *testing.T) {
	md := "- [ ] one\n- [x] two\n* [X] three\nnot a box\n  - [ ] indented\n- [] malformed\n"
	assert.Equal(t, 4, CountCriteria(md))
}

func TestCountMethodsDedupesAndFiltersBuiltins(t *testing.T) {
	md := "Call `parse()` then `parse()` again, also `store.Save()` and `len()`.\n" +
		"def compute(x):\n" +
		"async def fetch_all():\n" +
		"    return len(x)\n"
	// parse, Save, compute, fetch_all; len filtered as a builtin.
	assert.Equal(t, 4, CountMethods(md))
}

func TestAssessInstantPassAtBoundary(t *testing.T) {
	g := New(nil, nil, 0) // invoker must not be consulted
	task := &state.Task{IssueNumber: 1, Title: "small", Body: body(5, 3)}

	a, err := g.Assess(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "instant_pass", a.Source)
	assert.False(t, a.NeedsSplit)
	assert.Equal(t, 5, a.CriteriaCount)
	assert.Equal(t, 3, a.MethodCount)
}

func TestAssessInstantFailAboveCeiling(t *testing.T) {
	g := New(nil, nil, 0)
	task := &state.Task{IssueNumber: 2, Title: "huge", Body: body(13, 0)}

	a, err := g.Assess(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "instant_fail", a.Source)
	assert.True(t, a.NeedsSplit)
	assert.NotEmpty(t, a.SplitSuggestions)
	assert.Equal(t, 1.0, a.ComplexityScore)
}

func TestAssessBorderlineDefersToEstimator(t *testing.T) {
	var got agent.Input
	inv := agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		require.Equal(t, agent.RoleComplexityGate, role)
		got = in
		return &agent.Result{Output: agent.Output{
			"estimated_turns":  12,
			"complexity_score": 0.55,
			"needs_split":      false,
			"confidence":       0.7,
			"reasoning":        "moderate",
		}}, nil
	})
	g := New(inv, contract.NewRegistry(false), 40)
	task := &state.Task{IssueNumber: 3, Title: "medium", Body: body(7, 4)}

	a, err := g.Assess(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "estimator", a.Source)
	assert.Equal(t, 12, a.EstimatedTurns)
	assert.False(t, a.NeedsSplit)

	issue, ok := got["issue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 7, issue["criteria_count"])
	assert.Equal(t, 4, issue["method_count"])
}

func TestAssessEstimatorOverriddenByTurnCeiling(t *testing.T) {
	inv := agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		return &agent.Result{Output: agent.Output{
			"estimated_turns":  55,
			"complexity_score": 0.6,
			"needs_split":      false,
			"confidence":       0.8,
			"reasoning":        "big but the model is optimistic",
		}}, nil
	})
	g := New(inv, nil, 40)
	task := &state.Task{IssueNumber: 4, Title: "deep", Body: body(8, 4)}

	a, err := g.Assess(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, a.NeedsSplit)
	assert.NotEmpty(t, a.SplitSuggestions)
}

func TestTurnBudget(t *testing.T) {
	assert.Equal(t, 17, TurnBudget(12, 5, 60))
	assert.Equal(t, 60, TurnBudget(58, 5, 60))
	assert.Equal(t, 1, TurnBudget(0, 0, 60))
	assert.Equal(t, 105, TurnBudget(100, 5, 0)) // no cap
}

func TestSuggestSplitsGroupsByCRUD(t *testing.T) {
	task := &state.Task{Title: "user store", Body: strings.Join([]string{
		"- [ ] create a user record",
		"- [ ] add a user to a team",
		"- [ ] list all users",
		"- [ ] get one user by id",
		"- [ ] delete a user",
		"- [ ] remove a user from a team",
	}, "\n")}

	suggestions := SuggestSplits(task)
	require.NotEmpty(t, suggestions)
	titles := make([]string, 0, len(suggestions))
	total := 0
	for _, s := range suggestions {
		titles = append(titles, s.Title)
		total += len(s.Criteria)
	}
	assert.Equal(t, 6, total, "every criterion lands in exactly one group")
	assert.Contains(t, strings.Join(titles, " "), "create")
	assert.Contains(t, strings.Join(titles, " "), "delete")
}

func TestSuggestSplitsFallsBackToEvenSplit(t *testing.T) {
	var lines []string
	for i := 0; i < 9; i++ {
		lines = append(lines, fmt.Sprintf("- [ ] behave correctly in scenario %d", i))
	}
	task := &state.Task{Title: "opaque work", Body: strings.Join(lines, "\n")}

	suggestions := SuggestSplits(task)
	require.Len(t, suggestions, 3)
	for i, s := range suggestions {
		assert.Len(t, s.Criteria, 3)
		assert.Contains(t, s.Title, fmt.Sprintf("part %d", i+1))
	}
}

func TestSuggestSplitsNoCriteria(t *testing.T) {
	assert.Nil(t, SuggestSplits(&state.Task{Title: "empty", Body: "prose only"}))
}
