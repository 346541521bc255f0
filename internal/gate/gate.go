// Package gate is the cheap pre-filter in front of the coder: it sizes a
// task from its issue body and decides pass, split, or defer to an LLM
// estimator. The counting rules are plain-text heuristics, deliberately
// dumb and deterministic.
package gate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"steward/internal/agent"
	"steward/internal/contract"
	"steward/internal/logging"
	"steward/internal/state"
)

const (
	instantPassCriteria = 5
	instantPassMethods  = 3
	instantFailCriteria = 12
	instantFailMethods  = 8
)

// Assessment is the gate's verdict on one task.
type Assessment struct {
	EstimatedTurns   int
	ComplexityScore  float64
	NeedsSplit       bool
	SplitSuggestions []SplitSuggestion
	Confidence       float64
	Reasoning        string
	// Source records which tier decided: "instant_pass", "instant_fail",
	// or "estimator".
	Source string

	CriteriaCount int
	MethodCount   int
}

// SplitSuggestion is one proposed sub-issue.
type SplitSuggestion struct {
	Title    string   `json:"title"`
	Criteria []string `json:"criteria"`
	Rationale string  `json:"rationale"`
}

// Gate sizes tasks. The invoker is only consulted for borderline tasks.
type Gate struct {
	invoker   agent.Invoker
	contracts *contract.Registry
	// maxEstimatedTurns forces a split when the estimator predicts more.
	maxEstimatedTurns int
}

// New builds a gate. maxEstimatedTurns above which the estimator's verdict
// is overridden to needs_split.
func New(invoker agent.Invoker, contracts *contract.Registry, maxEstimatedTurns int) *Gate {
	return &Gate{invoker: invoker, contracts: contracts, maxEstimatedTurns: maxEstimatedTurns}
}

var (
	checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]\]`)
	backtickCallRe = regexp.MustCompile("`([A-Za-z_][A-Za-z0-9_.]*)\\(\\)?`")
	defRe          = regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// falsePositiveWords are control-flow and builtin names that match the
// method patterns but are never implementation targets.
var falsePositiveWords = map[string]bool{
	"if": true, "for": true, "while": true, "return": true, "print": true,
	"len": true, "range": true, "assert": true, "raise": true, "try": true,
	"except": true, "with": true, "import": true, "main": true, "init": true,
	"str": true, "int": true, "dict": true, "list": true, "set": true,
}

// CountCriteria counts markdown checkboxes in an issue body.
func CountCriteria(body string) int {
	return len(checkboxRe.FindAllString(body, -1))
}

// CountMethods counts distinct referenced methods: the union of backticked
// call syntax and def declarations, minus the false-positive list.
func CountMethods(body string) int {
	seen := map[string]bool{}
	for _, m := range backtickCallRe.FindAllStringSubmatch(body, -1) {
		name := m[1]
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if !falsePositiveWords[strings.ToLower(name)] {
			seen[name] = true
		}
	}
	for _, m := range defRe.FindAllStringSubmatch(body, -1) {
		if !falsePositiveWords[strings.ToLower(m[1])] {
			seen[m[1]] = true
		}
	}
	return len(seen)
}

// criteriaLines returns the checkbox lines themselves, for split grouping.
func criteriaLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if checkboxRe.MatchString(line) {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// Assess runs the tiered decision on a task.
func (g *Gate) Assess(ctx context.Context, task *state.Task) (*Assessment, error) {
	timer := logging.StartTimer(logging.CategoryGate, "gate.Assess")
	defer timer.Stop()

	criteria := CountCriteria(task.Body)
	methods := CountMethods(task.Body)

	if criteria <= instantPassCriteria && methods <= instantPassMethods {
		logging.Gate("issue #%d: instant pass (%d criteria, %d methods)", task.IssueNumber, criteria, methods)
		return &Assessment{
			EstimatedTurns:  estimateTurnsHeuristic(criteria, methods),
			ComplexityScore: heuristicScore(criteria, methods),
			NeedsSplit:      false,
			Confidence:      0.9,
			Reasoning:       fmt.Sprintf("small unit: %d acceptance criteria, %d referenced methods", criteria, methods),
			Source:          "instant_pass",
			CriteriaCount:   criteria,
			MethodCount:     methods,
		}, nil
	}

	if criteria > instantFailCriteria || methods > instantFailMethods {
		logging.Gate("issue #%d: instant fail (%d criteria, %d methods), suggesting split", task.IssueNumber, criteria, methods)
		return &Assessment{
			EstimatedTurns:   estimateTurnsHeuristic(criteria, methods),
			ComplexityScore:  1.0,
			NeedsSplit:       true,
			SplitSuggestions: SuggestSplits(task),
			Confidence:       0.9,
			Reasoning:        fmt.Sprintf("oversized unit: %d acceptance criteria, %d referenced methods", criteria, methods),
			Source:           "instant_fail",
			CriteriaCount:    criteria,
			MethodCount:      methods,
		}, nil
	}

	return g.estimate(ctx, task, criteria, methods)
}

// estimate defers a borderline task to the LLM estimator.
func (g *Gate) estimate(ctx context.Context, task *state.Task, criteria, methods int) (*Assessment, error) {
	in := agent.Input{
		"issue": map[string]interface{}{
			"number":         task.IssueNumber,
			"title":          task.Title,
			"body":           task.Body,
			"criteria_count": criteria,
			"method_count":   methods,
		},
	}
	if g.contracts != nil {
		if err := g.contracts.ValidateInput(agent.RoleComplexityGate, in); err != nil {
			return nil, err
		}
	}
	res, err := g.invoker.Invoke(ctx, agent.RoleComplexityGate, in)
	if err != nil {
		return nil, agent.WrapError(agent.Classify(err), agent.RoleComplexityGate, "complexity estimate failed", err)
	}
	if g.contracts != nil {
		if err := g.contracts.ValidateOutput(agent.RoleComplexityGate, res.Output); err != nil {
			return nil, err
		}
	}

	a := &Assessment{
		EstimatedTurns:  res.Output.Int("estimated_turns"),
		ComplexityScore: res.Output.Float("complexity_score"),
		NeedsSplit:      res.Output.Bool("needs_split"),
		Confidence:      res.Output.Float("confidence"),
		Reasoning:       res.Output.Str("reasoning"),
		Source:          "estimator",
		CriteriaCount:   criteria,
		MethodCount:     methods,
	}
	if g.maxEstimatedTurns > 0 && a.EstimatedTurns > g.maxEstimatedTurns {
		a.NeedsSplit = true
	}
	if a.NeedsSplit && len(a.SplitSuggestions) == 0 {
		a.SplitSuggestions = SuggestSplits(task)
	}
	logging.Gate("issue #%d: estimator verdict turns=%d score=%.2f split=%t", task.IssueNumber, a.EstimatedTurns, a.ComplexityScore, a.NeedsSplit)
	return a, nil
}

// TurnBudget converts an estimate into a per-call turn budget.
func TurnBudget(estimatedTurns, margin, cap int) int {
	budget := estimatedTurns + margin
	if cap > 0 && budget > cap {
		budget = cap
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func estimateTurnsHeuristic(criteria, methods int) int {
	turns := 2 + criteria*2 + methods
	if turns < 1 {
		turns = 1
	}
	return turns
}

func heuristicScore(criteria, methods int) float64 {
	score := float64(criteria)/float64(instantFailCriteria) + float64(methods)/float64(instantFailMethods)
	score /= 2
	if score > 1 {
		score = 1
	}
	return score
}
