package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/contract"
)

// verdictsByFocus scripts each critic's answer keyed by its focus string.
func verdictsByFocus(verdicts map[string]agent.Output) agent.Invoker {
	return agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		focus, _ := in["focus"].(string)
		out, ok := verdicts[focus]
		if !ok {
			out = agent.Output{"score": 0.9, "approved": true, "issues": []interface{}{}, "reasoning": "fine"}
		}
		return &agent.Result{Output: out}, nil
	})
}

func TestValidateUnanimousApproval(t *testing.T) {
	v := New(verdictsByFocus(nil), contract.NewRegistry(false), nil)

	report, err := v.Validate(context.Background(), "spec text", "spec", GatePreApproval)
	require.NoError(t, err)
	assert.True(t, report.Approved)
	assert.False(t, report.HumanReviewRequired)
	assert.Len(t, report.Scores, 3)
	assert.InDelta(t, 0.9, report.AverageScore(), 1e-9)
}

func TestValidateSecurityVetoBlocksDespiteMajority(t *testing.T) {
	inv := verdictsByFocus(map[string]agent.Output{
		"security and unsafe operations": {
			"score": 0.2, "approved": false,
			"issues":    []interface{}{"writes credentials to disk"},
			"reasoning": "leaks secrets",
		},
	})
	v := New(inv, contract.NewRegistry(false), nil)

	report, err := v.Validate(context.Background(), "diff", "code_diff", GatePreCommit)
	require.NoError(t, err)
	// 70% weighted approval clears the threshold, but the veto holds.
	assert.False(t, report.Approved)
	assert.True(t, report.HumanReviewRequired)
	assert.Contains(t, report.BlockingIssues, "writes credentials to disk")
	assert.Contains(t, report.ConsensusSummary, "security veto")
}

func TestValidateWeightedMajorityFailsBelowThreshold(t *testing.T) {
	// Only the correctness critic (weight 0.4) approves: 40% < 60%.
	inv := verdictsByFocus(map[string]agent.Output{
		"security and unsafe operations": {
			"score": 0.5, "approved": false, "issues": []interface{}{"input not sanitized"}, "reasoning": "",
		},
		"clarity and maintainability": {
			"score": 0.4, "approved": false, "issues": []interface{}{"tangled control flow"}, "reasoning": "",
		},
	})
	v := New(inv, contract.NewRegistry(false), nil)

	report, err := v.Validate(context.Background(), "diff", "code_diff", GatePreCommit)
	require.NoError(t, err)
	assert.False(t, report.Approved)
	assert.Len(t, report.BlockingIssues, 2)
}

func TestValidateNonVetoMinorityRejectionPasses(t *testing.T) {
	// Maintainability (0.3, no veto) rejects: 70% >= 60% passes.
	inv := verdictsByFocus(map[string]agent.Output{
		"clarity and maintainability": {
			"score": 0.4, "approved": false, "issues": []interface{}{"long function"}, "reasoning": "",
		},
	})
	v := New(inv, contract.NewRegistry(false), nil)

	report, err := v.Validate(context.Background(), "diff", "code_diff", GatePreCommit)
	require.NoError(t, err)
	assert.True(t, report.Approved)
	assert.False(t, report.HumanReviewRequired)
	// Rejected critics still contribute their issues for the next round.
	assert.Contains(t, report.BlockingIssues, "long function")
}

func TestValidateCriticErrorFailsTheRun(t *testing.T) {
	inv := agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		if focus, _ := in["focus"].(string); focus == "security and unsafe operations" {
			return nil, agent.NewError(agent.KindTransient, agent.RoleCritic, "rate limit")
		}
		return &agent.Result{Output: agent.Output{"score": 1.0, "approved": true, "issues": []interface{}{}, "reasoning": "ok"}}, nil
	})
	v := New(inv, contract.NewRegistry(false), nil)

	_, err := v.Validate(context.Background(), "spec", "spec", GatePreApproval)
	require.Error(t, err)
	assert.Equal(t, agent.KindTransient, agent.Classify(err))
}

func TestValidateCustomPanel(t *testing.T) {
	critics := []Critic{
		{Name: "solo", Focus: "everything", Weight: 1.0},
	}
	inv := verdictsByFocus(map[string]agent.Output{
		"everything": {"score": 0.8, "approved": true, "issues": []interface{}{}, "reasoning": "good"},
	})
	v := New(inv, contract.NewRegistry(false), critics)

	report, err := v.Validate(context.Background(), "tests", "tests", GatePreVerify)
	require.NoError(t, err)
	assert.True(t, report.Approved)
	require.Len(t, report.Scores, 1)
	assert.Equal(t, "solo", report.Scores[0].Critic)
}
