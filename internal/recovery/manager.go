// Package recovery drives failed agent calls through four ordered retry
// strategies. Errors are classified before entry and routed to the level
// that fits their kind; a circuit breaker halts escalation outright after
// too many consecutive failures.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"steward/internal/agent"
	"steward/internal/logging"
	"steward/internal/memory"
)

// Level identifies a recovery strategy.
type Level int

const (
	LevelNone          Level = 0
	LevelRetrySame     Level = 1
	LevelRetryAlternate Level = 2
	LevelRetryClarify  Level = 3
	LevelEscalate      Level = 4
)

// Per-level attempt caps.
const (
	maxRetrySame      = 3
	maxRetryAlternate = 2
)

// Config controls backoff and caps.
type Config struct {
	BaseBackoff      time.Duration
	BreakerThreshold uint32
	AlternativeCount int
	// MaxAttempts is the hard cap on dispatches per unit across all levels.
	MaxAttempts int
}

// DefaultConfig returns the standard recovery settings.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:      2 * time.Second,
		BreakerThreshold: 5,
		AlternativeCount: 3,
		MaxAttempts:      7,
	}
}

// Clarifier answers a clarifying question mid-recovery. Absent a
// clarifier, Level 3 falls through to escalation.
type Clarifier func(ctx context.Context, question string) (string, error)

// Outcome reports how a recovered call ended.
type Outcome struct {
	Result    *agent.Result
	Attempts  int
	LevelUsed Level
	Escalated bool
	// Err holds the final failure when Escalated.
	Err     error
	CostUSD float64
}

// Manager executes agent calls with recovery. It is safe for sequential
// use by one orchestrator; cross-feature parallelism uses separate
// managers.
type Manager struct {
	invoker  agent.Invoker
	episodes *memory.Store
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	clarify  Clarifier

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// New builds a recovery manager. episodes may be nil (no recording) and
// clarify may be nil (Level 3 escalates).
func New(invoker agent.Invoker, episodes *memory.Store, clarify Clarifier, cfg Config) *Manager {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.AlternativeCount <= 0 {
		cfg.AlternativeCount = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 7
	}
	m := &Manager{
		invoker:  invoker,
		episodes: episodes,
		cfg:      cfg,
		clarify:  clarify,
		sleep:    time.Sleep,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "agent-dispatch",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		Timeout: 60 * time.Second,
	})
	return m
}

// Execute runs one unit of work with recovery. goal is the human-readable
// description recorded into episode memory.
func (m *Manager) Execute(ctx context.Context, role agent.Role, goal string, in agent.Input) (*Outcome, error) {
	timer := logging.StartTimer(logging.CategoryRecovery, "recovery.Execute")
	defer timer.Stop()

	out := &Outcome{}
	start := time.Now()

	res, err := m.dispatch(ctx, role, in)
	out.Attempts++
	if res != nil {
		out.CostUSD += res.CostUSD
	}
	if err == nil {
		out.Result = res
		m.record(ctx, goal, role, out, start, nil)
		return out, nil
	}

	kind := agent.Classify(err)
	if kind == agent.KindContract {
		// Schema mismatches are kernel bugs, not agent flakiness.
		m.record(ctx, goal, role, out, start, err)
		return nil, err
	}
	level := entryLevel(kind)
	logging.Recovery("%s failed (%s), entering recovery at level %d: %v", role, kind, level, err)

	lastErr := err
	for level < LevelEscalate {
		if out.Attempts >= m.cfg.MaxAttempts {
			logging.RecoveryWarn("%s: attempt cap %d reached, escalating", role, m.cfg.MaxAttempts)
			break
		}
		res, err := m.runLevel(ctx, level, role, goal, in, lastErr, out)
		if err == nil && res != nil {
			out.Result = res
			out.LevelUsed = level
			m.record(ctx, goal, role, out, start, nil)
			return out, nil
		}
		if err != nil {
			lastErr = err
			if errors.Is(err, gobreaker.ErrOpenState) {
				logging.RecoveryWarn("%s: circuit breaker open, escalating", role)
				break
			}
			if agent.Classify(err) == agent.KindFatal {
				break
			}
		}
		level++
	}

	out.Escalated = true
	out.LevelUsed = LevelEscalate
	out.Err = lastErr
	m.record(ctx, goal, role, out, start, lastErr)
	logging.RecoveryWarn("%s escalated after %d attempts: %v", role, out.Attempts, lastErr)
	return out, nil
}

// entryLevel routes a classified failure to its starting strategy.
func entryLevel(kind agent.ErrorKind) Level {
	switch kind {
	case agent.KindTransient:
		return LevelRetrySame
	case agent.KindSystematic:
		return LevelRetryAlternate
	case agent.KindAmbiguity:
		return LevelRetryClarify
	default:
		return LevelEscalate
	}
}

// runLevel executes one strategy to exhaustion. A nil, nil return means
// the level was exhausted without success and without a new error kind.
func (m *Manager) runLevel(ctx context.Context, level Level, role agent.Role, goal string, in agent.Input, cause error, out *Outcome) (*agent.Result, error) {
	switch level {
	case LevelRetrySame:
		return m.retrySame(ctx, role, in, out)
	case LevelRetryAlternate:
		return m.retryAlternate(ctx, role, goal, in, cause, out)
	case LevelRetryClarify:
		return m.retryClarify(ctx, role, in, cause, out)
	}
	return nil, cause
}

func (m *Manager) retrySame(ctx context.Context, role agent.Role, in agent.Input, out *Outcome) (*agent.Result, error) {
	var lastErr error
	for i := 0; i < maxRetrySame && out.Attempts < m.cfg.MaxAttempts; i++ {
		m.sleep(m.cfg.BaseBackoff * (1 << i))
		res, err := m.dispatch(ctx, role, in)
		out.Attempts++
		if res != nil {
			out.CostUSD += res.CostUSD
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		logging.RecoveryDebug("%s retry_same %d/%d failed: %v", role, i+1, maxRetrySame, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (m *Manager) retryAlternate(ctx context.Context, role agent.Role, goal string, in agent.Input, cause error, out *Outcome) (*agent.Result, error) {
	alt, err := m.selectAlternative(ctx, goal, cause)
	if err != nil {
		logging.RecoveryDebug("alternative generation failed: %v", err)
		return nil, cause
	}
	var lastErr error
	for i := 0; i < maxRetryAlternate && out.Attempts < m.cfg.MaxAttempts; i++ {
		m.sleep(m.cfg.BaseBackoff * 2 * (1 << i))
		retry := in.Clone()
		retry["alternative_approach"] = alt
		res, err := m.dispatch(ctx, role, retry)
		out.Attempts++
		if res != nil {
			out.CostUSD += res.CostUSD
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		logging.RecoveryDebug("%s retry_alternate %d/%d failed: %v", role, i+1, maxRetryAlternate, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
	}
	return nil, lastErr
}

// selectAlternative asks the recovery agent for candidate approaches and
// picks the one with the best probability-to-cost ratio. Episode memory
// seeds the priors with past reflections on similar work.
func (m *Manager) selectAlternative(ctx context.Context, goal string, cause error) (string, error) {
	rctx := map[string]interface{}{"goal": goal}
	if m.episodes != nil {
		if scored, err := m.episodes.Retrieve(ctx, goal, 3, false); err == nil {
			var priors []string
			for _, s := range scored {
				if s.Episode.Reflection != "" {
					priors = append(priors, s.Episode.Reflection)
				}
			}
			if len(priors) > 0 {
				rctx["past_reflections"] = strings.Join(priors, "\n")
			}
		}
	}
	res, err := m.invoker.Invoke(ctx, agent.RoleRecovery, agent.Input{
		"failure": cause.Error(),
		"context": rctx,
		"mode":    "alternatives",
		"count":   m.cfg.AlternativeCount,
	})
	if err != nil {
		return "", err
	}

	best := ""
	bestRatio := -1.0
	for _, cand := range res.Output.Maps("alternatives") {
		approach, _ := cand["approach"].(string)
		if approach == "" {
			continue
		}
		prob := floatFrom(cand["probability"])
		costMult := floatFrom(cand["cost_multiplier"])
		if costMult <= 0 {
			costMult = 1
		}
		if ratio := prob / costMult; ratio > bestRatio {
			bestRatio = ratio
			best = approach
		}
	}
	if best == "" {
		best = res.Output.Str("plan")
	}
	if best == "" {
		return "", fmt.Errorf("recovery agent produced no alternatives")
	}
	return best, nil
}

func (m *Manager) retryClarify(ctx context.Context, role agent.Role, in agent.Input, cause error, out *Outcome) (*agent.Result, error) {
	if m.clarify == nil {
		return nil, cause
	}
	res, err := m.invoker.Invoke(ctx, agent.RoleRecovery, agent.Input{
		"failure": cause.Error(),
		"context": map[string]interface{}{},
		"mode":    "clarify",
	})
	if err != nil {
		return nil, cause
	}
	question := res.Output.Str("clarifying_question")
	if question == "" {
		return nil, cause
	}
	answer, err := m.clarify(ctx, question)
	if err != nil || answer == "" {
		return nil, cause
	}

	retry := in.Clone()
	retry["clarification"] = answer
	result, err := m.dispatch(ctx, role, retry)
	out.Attempts++
	if result != nil {
		out.CostUSD += result.CostUSD
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// dispatch runs one agent call through the circuit breaker.
func (m *Manager) dispatch(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
	out, err := m.breaker.Execute(func() (interface{}, error) {
		return m.invoker.Invoke(ctx, role, in)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*agent.Result)
	return res, nil
}

// record appends the run's episode, with reflection generated at close.
func (m *Manager) record(ctx context.Context, goal string, role agent.Role, out *Outcome, start time.Time, finalErr error) {
	if m.episodes == nil {
		return
	}
	// The episode field ranges over the four ladder levels; a run that
	// never needed recovery is recorded at level 1.
	recorded := out.LevelUsed
	if recorded == LevelNone {
		recorded = LevelRetrySame
	}
	ep := memory.Episode{
		EpisodeID:         uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		Goal:              goal,
		Actions:           []string{string(role)},
		Outcome:           memory.Outcome{Success: finalErr == nil},
		RecoveryLevelUsed: int(recorded),
		CostUSD:           out.CostUSD,
		DurationSeconds:   time.Since(start).Seconds(),
	}
	if finalErr != nil {
		ep.Outcome.Error = finalErr.Error()
	}
	ep.Reflection = memory.Reflect(ctx, m.invoker, ep)
	if err := m.episodes.Append(ctx, ep); err != nil {
		logging.RecoveryDebug("episode append failed: %v", err)
	}
}

func floatFrom(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
