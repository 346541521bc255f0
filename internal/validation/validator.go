// Package validation fans an artifact out to multiple critics and folds
// their verdicts into a consensus. A security critic's rejection is a
// veto: it blocks no matter what the weighted majority says.
package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"steward/internal/agent"
	"steward/internal/contract"
	"steward/internal/logging"
)

// consensusThreshold is the weighted approval fraction needed to pass.
const consensusThreshold = 0.60

// Gate names the pipeline stage an artifact is validated at.
type Gate string

const (
	GatePreApproval Gate = "pre_approval" // specs
	GatePreCommit   Gate = "pre_commit"   // code diffs
	GatePreVerify   Gate = "pre_verify"   // tests
)

// Critic describes one reviewer in the panel.
type Critic struct {
	Name   string
	Focus  string
	Weight float64
	// Veto makes a rejection from this critic block regardless of the
	// weighted majority.
	Veto bool
}

// DefaultCritics is the standard three-member panel.
func DefaultCritics() []Critic {
	return []Critic{
		{Name: "correctness", Focus: "correctness and completeness", Weight: 0.4},
		{Name: "security", Focus: "security and unsafe operations", Weight: 0.3, Veto: true},
		{Name: "maintainability", Focus: "clarity and maintainability", Weight: 0.3},
	}
}

// Score is one critic's verdict.
type Score struct {
	Critic    string   `json:"critic"`
	Score     float64  `json:"score"`
	Approved  bool     `json:"approved"`
	Issues    []string `json:"issues,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Vetoed    bool     `json:"vetoed,omitempty"`
}

// Report is the folded panel verdict.
type Report struct {
	Approved            bool     `json:"approved"`
	Scores              []Score  `json:"scores"`
	BlockingIssues      []string `json:"blocking_issues,omitempty"`
	ConsensusSummary    string   `json:"consensus_summary"`
	HumanReviewRequired bool     `json:"human_review_required"`
}

// AverageScore returns the unweighted mean critic score.
func (r *Report) AverageScore() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	var sum float64
	for i := range r.Scores {
		sum += r.Scores[i].Score
	}
	return sum / float64(len(r.Scores))
}

// Validator runs the critic panel.
type Validator struct {
	invoker   agent.Invoker
	contracts *contract.Registry
	critics   []Critic
}

// New builds a validator; nil critics selects the default panel.
func New(invoker agent.Invoker, contracts *contract.Registry, critics []Critic) *Validator {
	if len(critics) == 0 {
		critics = DefaultCritics()
	}
	return &Validator{invoker: invoker, contracts: contracts, critics: critics}
}

// Validate runs all critics in parallel against the artifact and folds
// the verdicts. artifactKind is free text passed to the critics ("spec",
// "code_diff", "tests").
func (v *Validator) Validate(ctx context.Context, artifact, artifactKind string, gate Gate) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryValidation, "validation.Validate")
	defer timer.Stop()

	scores := make([]Score, len(v.critics))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := range v.critics {
		i := i
		c := v.critics[i]
		g.Go(func() error {
			in := agent.Input{
				"artifact":      artifact,
				"artifact_kind": artifactKind,
				"focus":         c.Focus,
			}
			if v.contracts != nil {
				if err := v.contracts.ValidateInput(agent.RoleCritic, in); err != nil {
					return err
				}
			}
			res, err := v.invoker.Invoke(gctx, agent.RoleCritic, in)
			if err != nil {
				return agent.WrapError(agent.Classify(err), agent.RoleCritic, fmt.Sprintf("critic %s failed", c.Name), err)
			}
			if v.contracts != nil {
				if err := v.contracts.ValidateOutput(agent.RoleCritic, res.Output); err != nil {
					return err
				}
			}
			mu.Lock()
			scores[i] = Score{
				Critic:    c.Name,
				Score:     res.Output.Float("score"),
				Approved:  res.Output.Bool("approved"),
				Issues:    res.Output.Strings("issues"),
				Reasoning: res.Output.Str("reasoning"),
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return v.fold(scores, gate), nil
}

// fold computes weighted consensus and applies vetoes.
func (v *Validator) fold(scores []Score, gate Gate) *Report {
	report := &Report{Scores: scores}

	var totalWeight, approvedWeight float64
	vetoed := false
	for i := range v.critics {
		c := v.critics[i]
		totalWeight += c.Weight
		if scores[i].Approved {
			approvedWeight += c.Weight
			continue
		}
		report.BlockingIssues = append(report.BlockingIssues, scores[i].Issues...)
		if c.Veto {
			scores[i].Vetoed = true
			vetoed = true
		}
	}

	ratio := 0.0
	if totalWeight > 0 {
		ratio = approvedWeight / totalWeight
	}
	report.Approved = ratio >= consensusThreshold && !vetoed
	report.HumanReviewRequired = vetoed

	var parts []string
	parts = append(parts, fmt.Sprintf("%.0f%% weighted approval at %s", ratio*100, gate))
	if vetoed {
		parts = append(parts, "security veto")
	}
	report.ConsensusSummary = strings.Join(parts, "; ")

	if report.Approved {
		logging.Validation("%s: approved (%s)", gate, report.ConsensusSummary)
	} else {
		logging.Validation("%s: rejected (%s): %v", gate, report.ConsensusSummary, report.BlockingIssues)
	}
	return report
}
