package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
)

func TestValidateOutputAcceptsDecodedJSONShapes(t *testing.T) {
	r := NewRegistry(false)
	// Shapes as they come out of json.Unmarshal: float64 and []interface{}.
	out := agent.Output{
		"estimated_turns":  float64(12),
		"complexity_score": 0.4,
		"needs_split":      false,
		"confidence":       0.8,
		"reasoning":        "fits in one sitting",
	}
	require.NoError(t, r.ValidateOutput(agent.RoleComplexityGate, out))
}

func TestValidateOutputReportsMissingKeys(t *testing.T) {
	r := NewRegistry(false)
	err := r.ValidateOutput(agent.RoleComplexityGate, agent.Output{"estimated_turns": 3})
	require.Error(t, err)

	var cv *agent.ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "output", cv.Direction)
	assert.Contains(t, cv.Missing, "complexity_score")
	assert.Contains(t, cv.Missing, "needs_split")
	assert.Equal(t, agent.KindContract, agent.Classify(err))
}

func TestValidateInputTypeMismatch(t *testing.T) {
	r := NewRegistry(false)
	in := agent.Input{"feature_id": "f1", "spec": 42, "prd": "...", "round": 1}
	err := r.ValidateInput(agent.RoleSpecCritic, in)
	require.Error(t, err)

	var cv *agent.ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "string", cv.TypeErrors["spec"])
}

func TestExtraKeysWarnInNonStrictMode(t *testing.T) {
	r := NewRegistry(false)
	in := agent.Input{"feature_id": "f1", "spec": "...", "prd": "...", "round": 1, "mood": "hopeful"}
	assert.NoError(t, r.ValidateInput(agent.RoleSpecCritic, in))
}

func TestExtraKeysFailInStrictMode(t *testing.T) {
	r := NewRegistry(true)
	in := agent.Input{"feature_id": "f1", "spec": "...", "prd": "...", "round": 1, "surprise": true}
	err := r.ValidateInput(agent.RoleSpecCritic, in)
	require.Error(t, err)

	var cv *agent.ContractViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, []string{"surprise"}, cv.Extra)
}

func TestOperatorFeedbackPassesStrictValidation(t *testing.T) {
	r := NewRegistry(true)
	notes := []string{"prefer smaller diffs", "keep the public API stable"}

	for role, in := range map[agent.Role]agent.Input{
		agent.RoleSpecAuthor: {"feature_id": "f1", "prd": "...", "operator_feedback": notes},
		agent.RoleCoder:      {"feature_id": "f1", "issue": map[string]interface{}{}, "operator_feedback": notes},
		agent.RoleFixPlanner: {"bug": map[string]interface{}{}, "root_cause": "race", "operator_feedback": notes},
	} {
		assert.NoError(t, r.ValidateInput(role, in), "role %s", role)
	}
}

func TestOptionalFieldsMayBeAbsent(t *testing.T) {
	r := NewRegistry(false)
	out := agent.Output{
		"recoverable": true,
		"strategy":    "retry_same",
		"plan":        "wait and retry",
	}
	assert.NoError(t, r.ValidateOutput(agent.RoleRecovery, out))
}

func TestUnknownRoleSkipsValidation(t *testing.T) {
	r := NewRegistry(true)
	assert.NoError(t, r.ValidateInput(agent.Role("made_up"), agent.Input{"anything": 1}))
}

func TestEveryRoleHasASchema(t *testing.T) {
	r := NewRegistry(false)
	roles := []agent.Role{
		agent.RoleSpecAuthor, agent.RoleSpecCritic, agent.RoleIssueCreator,
		agent.RoleComplexityGate, agent.RoleIssueSplitter, agent.RoleCoder,
		agent.RoleVerifier, agent.RoleBugResearcher, agent.RoleRootCauseAnalyst,
		agent.RoleFixPlanner, agent.RoleRecovery, agent.RoleCritic,
		agent.RoleReflector, agent.RolePlanner, agent.RoleReplanner,
	}
	for _, role := range roles {
		_, ok := r.schemas[role]
		assert.True(t, ok, "role %s has no schema", role)
	}
}
