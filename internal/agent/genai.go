package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"steward/internal/logging"
)

// GenAIConfig configures the Gemini-backed invoker.
type GenAIConfig struct {
	APIKey string
	Model  string
	// USD per million tokens, used for cost accounting.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// DefaultGenAIConfig returns the standard model and pricing.
func DefaultGenAIConfig(apiKey string) GenAIConfig {
	return GenAIConfig{
		APIKey:            apiKey,
		Model:             "gemini-2.5-pro",
		InputCostPerMTok:  1.25,
		OutputCostPerMTok: 10.0,
	}
}

// GenAIInvoker dispatches roles to the Gemini API. Each role gets a
// system instruction and the input envelope as JSON; the model responds
// with a JSON object that becomes the output envelope.
type GenAIInvoker struct {
	client *genai.Client
	cfg    GenAIConfig
}

// NewGenAIInvoker creates a Gemini-backed invoker.
func NewGenAIInvoker(ctx context.Context, cfg GenAIConfig) (*GenAIInvoker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIInvoker{client: client, cfg: cfg}, nil
}

// Invoke implements Invoker.
func (g *GenAIInvoker) Invoke(ctx context.Context, role Role, in Input) (*Result, error) {
	start := time.Now()

	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return nil, WrapError(KindFatal, role, "failed to encode input envelope", err)
	}

	instruction, ok := roleInstructions[role]
	if !ok {
		return nil, NewError(KindContract, role, "no instruction registered for role %s", role)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(string(payload), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, WrapError(Classify(err), role, "GenAI generation failed", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, NewError(KindTransient, role, "GenAI returned an empty response")
	}

	var out Output
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return nil, WrapError(KindSystematic, role, "agent response is not a JSON object", err)
	}

	res := &Result{
		Output:   out,
		CostUSD:  g.cost(resp),
		Duration: time.Since(start),
	}
	logging.AgentDebug("%s: %d input keys, %.4f USD, %s", role, len(in), res.CostUSD, res.Duration.Round(time.Millisecond))
	return res, nil
}

func (g *GenAIInvoker) cost(resp *genai.GenerateContentResponse) float64 {
	if resp.UsageMetadata == nil {
		return 0
	}
	in := float64(resp.UsageMetadata.PromptTokenCount)
	out := float64(resp.UsageMetadata.CandidatesTokenCount)
	return (in*g.cfg.InputCostPerMTok + out*g.cfg.OutputCostPerMTok) / 1e6
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one despite the MIME type hint.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// roleInstructions are the per-role system prompts. Each names the exact
// JSON keys of the output envelope; the contract layer enforces them.
var roleInstructions = map[Role]string{
	RoleSpecAuthor: `You write technical specifications from product requirements.
Input: {"feature_id": string, "prd": string, "feedback"?: string}. Respond with JSON
{"spec_markdown": string}: a complete markdown specification with acceptance criteria
as checkbox lists. When feedback is present, revise to address it.`,

	RoleSpecCritic: `You review technical specifications for completeness, consistency,
and testability. Input: {"feature_id": string, "spec": string, "prd": string,
"round": int}. Respond with JSON {"score": number 0..1, "feedback": string}.`,

	RoleIssueCreator: `You decompose an approved specification into implementation issues.
Input: {"feature_id": string, "spec": string, "max_issues"?: int}. Respond with JSON
{"issues": [{"number": int, "title": string, "body": string, "dependencies": [int],
"labels": [string], "estimated_size": string}]}. Bodies carry acceptance criteria as
markdown checkboxes. Dependencies reference issue numbers in the same list.`,

	RoleComplexityGate: `You estimate implementation complexity for one issue.
Input: {"issue": {"number": int, "title": string, "body": string, "criteria_count": int,
"method_count": int}, "spec"?: string}. Respond with JSON {"estimated_turns": int,
"complexity_score": number 0..1, "needs_split": bool, "split_suggestions"?: [string],
"confidence": number 0..1, "reasoning": string}.`,

	RoleIssueSplitter: `You split an oversized issue into smaller sequential sub-issues.
Input: {"issue": object, "suggestions": [string]}. Respond with JSON
{"sub_issues": [{"title": string, "body": string}]} with at least two entries,
each independently implementable and carrying its share of the acceptance criteria.`,

	RoleCoder: `You implement one issue in the target repository.
Input: {"feature_id": string, "issue": object, "registry"?: object,
"prior_summaries"?: [string], "feedback"?: string, "turn_budget"?: int}.
Respond with JSON {"files_created": [string], "files_modified": [string],
"classes_defined"?: object, "test_file"?: string, "summary"?: string}.`,

	RoleVerifier: `You verify an implementation against its acceptance criteria.
Input: {"feature_id": string, "issue": object, "files": [string], "test_file"?: string}.
Respond with JSON {"tests_passed": bool, "commit_sha"?: string,
"schema_conflicts"?: [string], "failure_detail"?: string}.`,

	RoleBugResearcher: `You reproduce a reported bug.
Input: {"bug": object}. Respond with JSON {"confirmed": bool, "evidence": string,
"affected_files": [string]}.`,

	RoleRootCauseAnalyst: `You find the root cause of a confirmed bug.
Input: {"bug": object, "evidence": string}. Respond with JSON {"root_cause": string,
"candidate_locations": [string]}.`,

	RoleFixPlanner: `You plan a minimal fix for an analyzed bug.
Input: {"bug": object, "root_cause": string}. Respond with JSON
{"plan_steps": [string]}.`,

	RoleRecovery: `You advise on recovering from an agent failure.
Input: {"failure": string, "context": object, "mode": "alternatives"|"clarify", "count"?: int}.
Respond with JSON {"recoverable": bool, "strategy": string, "plan": string,
"alternatives"?: [{"approach": string, "probability": number, "cost_multiplier": number}],
"clarifying_question"?: string, "human_instructions"?: string}.`,

	RoleCritic: `You are one critic on a validation panel. Judge only your assigned focus.
Input: {"artifact": string, "artifact_kind": string, "focus": string}. Respond with JSON
{"score": number 0..1, "approved": bool, "issues": [string], "suggestions"?: [string],
"reasoning": string}.`,

	RoleReflector: `You distill a lesson from one completed work episode.
Input: {"goal": string, "actions": [string], "outcome": object, "cost_usd": number,
"duration_seconds": number, "recovery_level": int}. Respond with JSON
{"reflection": string}: one or two sentences stating what to repeat or avoid.`,

	RolePlanner: `You backward-plan a multi-day campaign from its goal state.
Input: {"goal": string, "duration_days": int, "total_budget_usd": number}. Respond with
JSON {"milestones": [{"id": string, "name": string, "target_day": int,
"success_criteria": [string], "depends_on": [string]}],
"day_plans": [{"day": int, "milestone_id": string, "goals": [{"id": string,
"description": string, "estimated_cost_usd": number}]}]}. Work backwards: define the end
state, then the milestones that imply it, then the days that reach each milestone.`,

	RoleReplanner: `You replan the remaining days of a campaign that has fallen behind.
Input: {"campaign": object, "deficit": number, "remaining_days": int}. Respond with JSON
{"day_plans": [...same shape as the planner...], "change_summary": string}. Cut scope
before cutting quality; keep milestones that are already done.`,
}
