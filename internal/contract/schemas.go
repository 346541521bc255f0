package contract

import "steward/internal/agent"

// builtinSchemas declares the contracts for every agent role the kernel
// dispatches. Free-form text fields (spec markdown, reasoning, evidence)
// are typed as strings and passed through uninterpreted.
func builtinSchemas() []Schema {
	return []Schema{
		{
			Role: agent.RoleSpecAuthor,
			Input: []Field{
				{Name: "feature_id", Type: TypeString},
				{Name: "prd", Type: TypeString},
				{Name: "feedback", Type: TypeString, Optional: true},
				{Name: "operator_feedback", Type: TypeStringList, Optional: true},
			},
			Output: []Field{
				{Name: "spec_markdown", Type: TypeString},
			},
		},
		{
			Role: agent.RoleSpecCritic,
			Input: []Field{
				{Name: "feature_id", Type: TypeString},
				{Name: "spec", Type: TypeString},
				{Name: "prd", Type: TypeString},
				{Name: "round", Type: TypeNumber},
			},
			Output: []Field{
				{Name: "score", Type: TypeNumber},
				{Name: "feedback", Type: TypeString},
			},
		},
		{
			Role: agent.RoleIssueCreator,
			Input: []Field{
				{Name: "feature_id", Type: TypeString},
				{Name: "spec", Type: TypeString},
				{Name: "max_issues", Type: TypeNumber, Optional: true},
			},
			Output: []Field{
				{Name: "issues", Type: TypeMapList},
			},
		},
		{
			Role: agent.RoleComplexityGate,
			Input: []Field{
				{Name: "issue", Type: TypeMap},
				{Name: "spec", Type: TypeString, Optional: true},
			},
			Output: []Field{
				{Name: "estimated_turns", Type: TypeNumber},
				{Name: "complexity_score", Type: TypeNumber},
				{Name: "needs_split", Type: TypeBool},
				{Name: "split_suggestions", Type: TypeStringList, Optional: true},
				{Name: "confidence", Type: TypeNumber},
				{Name: "reasoning", Type: TypeString},
			},
		},
		{
			Role: agent.RoleIssueSplitter,
			Input: []Field{
				{Name: "issue", Type: TypeMap},
				{Name: "suggestions", Type: TypeStringList},
			},
			Output: []Field{
				{Name: "sub_issues", Type: TypeMapList},
			},
		},
		{
			Role: agent.RoleCoder,
			Input: []Field{
				{Name: "feature_id", Type: TypeString},
				{Name: "issue", Type: TypeMap},
				{Name: "registry", Type: TypeMap, Optional: true},
				{Name: "prior_summaries", Type: TypeStringList, Optional: true},
				{Name: "feedback", Type: TypeString, Optional: true},
				{Name: "turn_budget", Type: TypeNumber, Optional: true},
				{Name: "operator_feedback", Type: TypeStringList, Optional: true},
			},
			Output: []Field{
				{Name: "files_created", Type: TypeStringList},
				{Name: "files_modified", Type: TypeStringList},
				{Name: "classes_defined", Type: TypeMap, Optional: true},
				{Name: "test_file", Type: TypeString, Optional: true},
				{Name: "summary", Type: TypeString, Optional: true},
			},
		},
		{
			Role: agent.RoleVerifier,
			Input: []Field{
				{Name: "feature_id", Type: TypeString},
				{Name: "issue", Type: TypeMap},
				{Name: "files", Type: TypeStringList},
				{Name: "test_file", Type: TypeString, Optional: true},
			},
			Output: []Field{
				{Name: "tests_passed", Type: TypeBool},
				{Name: "commit_sha", Type: TypeString, Optional: true},
				{Name: "schema_conflicts", Type: TypeStringList, Optional: true},
				{Name: "failure_detail", Type: TypeString, Optional: true},
			},
		},
		{
			Role: agent.RoleBugResearcher,
			Input: []Field{
				{Name: "bug", Type: TypeMap},
			},
			Output: []Field{
				{Name: "confirmed", Type: TypeBool},
				{Name: "evidence", Type: TypeString},
				{Name: "affected_files", Type: TypeStringList},
			},
		},
		{
			Role: agent.RoleRootCauseAnalyst,
			Input: []Field{
				{Name: "bug", Type: TypeMap},
				{Name: "evidence", Type: TypeString},
			},
			Output: []Field{
				{Name: "root_cause", Type: TypeString},
				{Name: "candidate_locations", Type: TypeStringList},
			},
		},
		{
			Role: agent.RoleFixPlanner,
			Input: []Field{
				{Name: "bug", Type: TypeMap},
				{Name: "root_cause", Type: TypeString},
				{Name: "operator_feedback", Type: TypeStringList, Optional: true},
			},
			Output: []Field{
				{Name: "plan_steps", Type: TypeStringList},
			},
		},
		{
			Role: agent.RoleRecovery,
			Input: []Field{
				{Name: "failure", Type: TypeString},
				{Name: "context", Type: TypeMap},
				{Name: "mode", Type: TypeString},
				{Name: "count", Type: TypeNumber, Optional: true},
			},
			Output: []Field{
				{Name: "recoverable", Type: TypeBool},
				{Name: "strategy", Type: TypeString},
				{Name: "plan", Type: TypeString},
				{Name: "alternatives", Type: TypeMapList, Optional: true},
				{Name: "clarifying_question", Type: TypeString, Optional: true},
				{Name: "human_instructions", Type: TypeString, Optional: true},
			},
		},
		{
			Role: agent.RoleCritic,
			Input: []Field{
				{Name: "artifact", Type: TypeString},
				{Name: "artifact_kind", Type: TypeString},
				{Name: "focus", Type: TypeString},
			},
			Output: []Field{
				{Name: "score", Type: TypeNumber},
				{Name: "approved", Type: TypeBool},
				{Name: "issues", Type: TypeStringList},
				{Name: "suggestions", Type: TypeStringList, Optional: true},
				{Name: "reasoning", Type: TypeString},
			},
		},
		{
			Role: agent.RoleReflector,
			Input: []Field{
				{Name: "goal", Type: TypeString},
				{Name: "actions", Type: TypeStringList},
				{Name: "outcome", Type: TypeMap},
				{Name: "cost_usd", Type: TypeNumber},
				{Name: "duration_seconds", Type: TypeNumber},
				{Name: "recovery_level", Type: TypeNumber},
			},
			Output: []Field{
				{Name: "reflection", Type: TypeString},
			},
		},
		{
			Role: agent.RolePlanner,
			Input: []Field{
				{Name: "goal", Type: TypeString},
				{Name: "duration_days", Type: TypeNumber},
				{Name: "total_budget_usd", Type: TypeNumber},
			},
			Output: []Field{
				{Name: "milestones", Type: TypeMapList},
				{Name: "day_plans", Type: TypeMapList},
			},
		},
		{
			Role: agent.RoleReplanner,
			Input: []Field{
				{Name: "campaign", Type: TypeMap},
				{Name: "deficit", Type: TypeNumber},
				{Name: "remaining_days", Type: TypeNumber},
			},
			Output: []Field{
				{Name: "day_plans", Type: TypeMapList},
				{Name: "change_summary", Type: TypeString},
			},
		},
	}
}
