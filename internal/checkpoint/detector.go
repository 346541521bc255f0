package checkpoint

import (
	"sort"
	"time"

	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/state"
)

// Unit is the trigger detector's view of the next (or just-finished) unit
// of work. Callers fill in what they know; zero values never fire.
type Unit struct {
	Description      string
	SessionID        string
	EstimatedCostUSD float64

	// Session accounting.
	SpentUSD  float64
	BudgetUSD float64
	Elapsed   time.Duration

	MissingDependencies []string
	FileConflicts       []string
	ErrorStreak         int
	Risk                *state.RiskAssessment

	ApprovalRequired bool
	ScopeChange      bool
	UXChange         bool
	FatalError       bool
	EndOfSession     bool
}

// RemainingUSD is the session budget left before this unit.
func (u *Unit) RemainingUSD() float64 { return u.BudgetUSD - u.SpentUSD }

// Detector evaluates the closed trigger set against a unit.
type Detector struct {
	cfg config.KernelConfig
}

// NewDetector builds a detector over kernel thresholds.
func NewDetector(cfg config.KernelConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect returns every trigger that fires, highest severity first.
func (d *Detector) Detect(u *Unit) []state.Trigger {
	var fired []state.Trigger

	if d.cfg.CheckpointBudgetUSD > 0 && u.EstimatedCostUSD >= d.cfg.CheckpointBudgetUSD {
		fired = append(fired, state.TriggerCostSingle)
	}
	// Cumulative fires when the session is already past its daily
	// threshold, or when this unit would push it past its budget. A unit
	// whose cost lands exactly on the budget proceeds.
	if d.cfg.CheckpointDailyBudgetUSD > 0 && u.SpentUSD >= d.cfg.CheckpointDailyBudgetUSD {
		fired = append(fired, state.TriggerCostCumulative)
	} else if u.BudgetUSD > 0 && u.RemainingUSD() < u.EstimatedCostUSD {
		fired = append(fired, state.TriggerCostCumulative)
	} else if u.BudgetUSD > 0 && d.cfg.MinExecutionBudget > 0 && u.RemainingUSD() < d.cfg.MinExecutionBudget {
		fired = append(fired, state.TriggerCostCumulative)
	}
	if d.cfg.DurationLimitSeconds > 0 && u.Elapsed >= time.Duration(d.cfg.DurationLimitSeconds)*time.Second {
		fired = append(fired, state.TriggerTime)
	}
	if u.ApprovalRequired {
		fired = append(fired, state.TriggerApprovalRequired)
	}
	if u.Risk != nil && u.Risk.Score >= riskBlockThreshold {
		fired = append(fired, state.TriggerHighRisk)
	}
	if u.ScopeChange {
		fired = append(fired, state.TriggerScopeChange)
	}
	if u.UXChange {
		fired = append(fired, state.TriggerUXChange)
	}
	if d.cfg.ErrorStreakThreshold > 0 && u.ErrorStreak >= d.cfg.ErrorStreakThreshold {
		fired = append(fired, state.TriggerErrorSpike)
	}
	if len(u.MissingDependencies) > 0 || len(u.FileConflicts) > 0 {
		fired = append(fired, state.TriggerBlocker)
	}
	if u.FatalError {
		fired = append(fired, state.TriggerHiccup)
	}
	if u.EndOfSession {
		fired = append(fired, state.TriggerEndOfSession)
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].Severity() > fired[j].Severity() })
	if len(fired) > 0 {
		logging.CheckpointDebug("triggers fired for %q: %v", u.Description, fired)
	}
	return fired
}

// PreFlight runs the pre-dispatch checks: budget covers the estimate,
// declared dependencies available, risk below the block line, and no file
// conflict with a concurrent session. A non-empty return means the unit
// must not dispatch. Budget exactly equal to the estimate passes.
func (d *Detector) PreFlight(u *Unit) []state.Trigger {
	var fired []state.Trigger

	if u.BudgetUSD > 0 && u.RemainingUSD() < u.EstimatedCostUSD {
		fired = append(fired, state.TriggerCostCumulative)
	} else if u.BudgetUSD > 0 && d.cfg.MinExecutionBudget > 0 && u.RemainingUSD() < d.cfg.MinExecutionBudget {
		fired = append(fired, state.TriggerCostCumulative)
	}
	if len(u.MissingDependencies) > 0 || len(u.FileConflicts) > 0 {
		fired = append(fired, state.TriggerBlocker)
	}
	if u.Risk != nil && u.Risk.Score >= riskBlockThreshold {
		fired = append(fired, state.TriggerHighRisk)
	}
	if d.cfg.CheckpointBudgetUSD > 0 && u.EstimatedCostUSD >= d.cfg.CheckpointBudgetUSD {
		fired = append(fired, state.TriggerCostSingle)
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].Severity() > fired[j].Severity() })
	return fired
}
