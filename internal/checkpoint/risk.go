package checkpoint

import (
	"strings"

	"steward/internal/state"
)

// Risk factor weights. They sum to 1.0.
const (
	weightCostImpact    = 0.25
	weightScope         = 0.20
	weightReversibility = 0.25
	weightConfidence    = 0.15
	weightPrecedent     = 0.15
)

// Risk recommendation thresholds.
const (
	riskBlockThreshold      = 0.7
	riskCheckpointThreshold = 0.4
)

var destructiveVerbs = []string{"delete", "drop", "reset", "truncate", "wipe", "destroy", "purge", "rm -rf"}
var externalVerbs = []string{"publish", "deploy", "push", "release", "send", "upload"}

// RiskInput carries the normalized ingredients for one risk assessment.
type RiskInput struct {
	// Description of the unit; scanned for reversibility verbs.
	Description string
	// EstimatedCostUSD of the unit.
	EstimatedCostUSD float64
	// RemainingBudgetUSD for the session.
	RemainingBudgetUSD float64
	// FilesAffected approximates scope; 10+ files saturates the factor.
	FilesAffected int
	// PastSuccessRate is the success fraction of similar episodes, -1 when
	// no history exists.
	PastSuccessRate float64
	// PastApprovalRate is the approval fraction for this kind of decision,
	// -1 when no history exists.
	PastApprovalRate float64
}

// ScoreRisk computes the weighted risk score. Cost impact normalizes
// against 30% of the remaining budget: spending that much in one unit is
// full risk.
func ScoreRisk(in RiskInput) *state.RiskAssessment {
	cost := 0.0
	if in.RemainingBudgetUSD > 0 {
		cost = clamp01(in.EstimatedCostUSD / (0.3 * in.RemainingBudgetUSD))
	} else if in.EstimatedCostUSD > 0 {
		cost = 1.0
	}

	scope := clamp01(float64(in.FilesAffected) / 10.0)
	rev := reversibility(in.Description)

	// With no history, assume middling confidence rather than zero.
	confidence := 0.5
	if in.PastSuccessRate >= 0 {
		confidence = clamp01(1 - in.PastSuccessRate)
	}
	precedent := 0.5
	if in.PastApprovalRate >= 0 {
		precedent = clamp01(1 - in.PastApprovalRate)
	}

	score := weightCostImpact*cost +
		weightScope*scope +
		weightReversibility*rev +
		weightConfidence*confidence +
		weightPrecedent*precedent

	return &state.RiskAssessment{
		Score: score,
		Factors: map[string]float64{
			"cost_impact":   cost,
			"scope":         scope,
			"reversibility": rev,
			"confidence":    confidence,
			"precedent":     precedent,
		},
		Recommendation: recommend(score),
	}
}

// reversibility classifies by verb: destructive 1.0, external 0.7,
// otherwise 0.2.
func reversibility(description string) float64 {
	lower := strings.ToLower(description)
	for _, v := range destructiveVerbs {
		if strings.Contains(lower, v) {
			return 1.0
		}
	}
	for _, v := range externalVerbs {
		if strings.Contains(lower, v) {
			return 0.7
		}
	}
	return 0.2
}

func recommend(score float64) string {
	switch {
	case score >= riskBlockThreshold:
		return "block"
	case score >= riskCheckpointThreshold:
		return "checkpoint"
	default:
		return "proceed"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
