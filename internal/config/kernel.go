package config

import "fmt"

// ExecutionStrategy selects the autopilot runner policy.
type ExecutionStrategy string

const (
	StrategySequential      ExecutionStrategy = "sequential"
	StrategyContinueOnBlock ExecutionStrategy = "continue_on_block"
)

// KernelConfig is the closed option set the kernel recognizes.
type KernelConfig struct {
	// CheckpointBudgetUSD is the single-unit cost threshold for COST_SINGLE.
	CheckpointBudgetUSD float64 `yaml:"checkpoint_budget_usd"`

	// CheckpointDailyBudgetUSD is the cumulative threshold for COST_CUMULATIVE.
	CheckpointDailyBudgetUSD float64 `yaml:"checkpoint_daily_budget_usd"`

	// DurationLimitSeconds is the TIME trigger threshold.
	DurationLimitSeconds int `yaml:"duration_limit_seconds"`

	// ErrorStreakThreshold is the ERROR_SPIKE trigger threshold.
	ErrorStreakThreshold int `yaml:"error_streak_threshold"`

	// MinExecutionBudget refuses dispatch when remaining budget falls below it.
	MinExecutionBudget float64 `yaml:"min_execution_budget"`

	// MaxRecoveryAttempts is the hard cap per unit across all four levels.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// SpecCriticScoreThreshold advances the spec when the average score meets it.
	SpecCriticScoreThreshold float64 `yaml:"spec_critic_score_threshold"`

	// ComplexityMaxEstimatedTurns forces a split above this estimate.
	ComplexityMaxEstimatedTurns int `yaml:"complexity_max_estimated_turns"`

	// ExecutionStrategy selects sequential or continue_on_block.
	ExecutionStrategy ExecutionStrategy `yaml:"execution_strategy"`

	// CheckCodexAuth passes through to the agent runner's auth classification.
	CheckCodexAuth bool `yaml:"check_codex_auth"`

	// SkipEmptyOutputValidation, when false (default), treats empty agent
	// output as a failure.
	SkipEmptyOutputValidation bool `yaml:"skip_empty_output_validation"`

	// StrictContracts treats extra envelope keys as violations.
	StrictContracts bool `yaml:"strict_contracts"`

	// SpecCriticMaxRounds bounds the critic/revise loop.
	SpecCriticMaxRounds int `yaml:"spec_critic_max_rounds"`

	// TurnBudgetMargin is added to the gate's estimate for the coder call.
	TurnBudgetMargin int `yaml:"turn_budget_margin"`

	// TurnBudgetCap caps the per-call turn budget.
	TurnBudgetCap int `yaml:"turn_budget_cap"`

	// LockTTLSeconds marks session locks stale after this age.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`
}

// DefaultKernel returns the default kernel option set.
func DefaultKernel() KernelConfig {
	return KernelConfig{
		CheckpointBudgetUSD:         10,
		CheckpointDailyBudgetUSD:    50,
		DurationLimitSeconds:        4 * 3600,
		ErrorStreakThreshold:        3,
		MinExecutionBudget:          0.50,
		MaxRecoveryAttempts:         7,
		SpecCriticScoreThreshold:    0.75,
		ComplexityMaxEstimatedTurns: 40,
		ExecutionStrategy:           StrategySequential,
		SkipEmptyOutputValidation:   false,
		StrictContracts:             false,
		SpecCriticMaxRounds:         3,
		TurnBudgetMargin:            5,
		TurnBudgetCap:               60,
		LockTTLSeconds:              3600,
	}
}

// Validate checks kernel option invariants.
func (k *KernelConfig) Validate() error {
	if k.CheckpointBudgetUSD < 0 || k.CheckpointDailyBudgetUSD < 0 {
		return fmt.Errorf("checkpoint budgets must be non-negative")
	}
	if k.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max_recovery_attempts must be >= 1")
	}
	if k.SpecCriticScoreThreshold < 0 || k.SpecCriticScoreThreshold > 1 {
		return fmt.Errorf("spec_critic_score_threshold must be in [0,1]")
	}
	switch k.ExecutionStrategy {
	case StrategySequential, StrategyContinueOnBlock:
	default:
		return fmt.Errorf("unknown execution_strategy %q", k.ExecutionStrategy)
	}
	return nil
}
