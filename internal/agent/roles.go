// Package agent defines the opaque agent boundary: role names, typed
// input/output envelopes, the invoker interface, and the error taxonomy
// that the recovery manager routes on.
//
// The kernel never interprets agent outputs beyond their declared contract;
// free-form text fields pass through to downstream contracts or the human.
package agent

import (
	"context"
	"time"
)

// Role identifies an agent role with a declared input/output contract.
type Role string

const (
	RoleSpecAuthor       Role = "spec_author"
	RoleSpecCritic       Role = "spec_critic"
	RoleIssueCreator     Role = "issue_creator"
	RoleComplexityGate   Role = "complexity_gate"
	RoleIssueSplitter    Role = "issue_splitter"
	RoleCoder            Role = "coder"
	RoleVerifier         Role = "verifier"
	RoleBugResearcher    Role = "bug_researcher"
	RoleRootCauseAnalyst Role = "root_cause_analyzer"
	RoleFixPlanner       Role = "fix_planner"
	RoleRecovery         Role = "recovery"
	RoleCritic           Role = "critic"
	RoleReflector        Role = "reflector"
	RolePlanner          Role = "planner"
	RoleReplanner        Role = "replanner"
)

// Input is the typed envelope handed to an agent.
type Input map[string]interface{}

// Clone returns a shallow copy, safe to extend for a retry without
// mutating the caller's envelope.
func (i Input) Clone() Input {
	out := make(Input, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// Output is the typed envelope an agent returns.
type Output map[string]interface{}

// Result is a successful agent invocation with usage accounting.
type Result struct {
	Output   Output
	CostUSD  float64
	Duration time.Duration
}

// Invoker is the opaque agent function boundary. Implementations make the
// actual LLM or subprocess calls; the kernel only sees the contract.
type Invoker interface {
	Invoke(ctx context.Context, role Role, in Input) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, role Role, in Input) (*Result, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, role Role, in Input) (*Result, error) {
	return f(ctx, role, in)
}

// String helpers for envelope access. Missing keys return the zero value;
// the contract layer is responsible for presence checks.

// Str returns the string value for key, or "".
func (o Output) Str(key string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value for key, or 0.
func (o Output) Float(key string) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the integer value for key, or 0.
func (o Output) Int(key string) int {
	return int(o.Float(key))
}

// Bool returns the boolean value for key, or false.
func (o Output) Bool(key string) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return false
}

// Strings returns the string-slice value for key, tolerating []interface{}.
func (o Output) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Maps returns the map-slice value for key, tolerating []interface{}.
func (o Output) Maps(key string) []map[string]interface{} {
	switch v := o[key].(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
