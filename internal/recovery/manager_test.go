package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/embedding"
	"steward/internal/memory"
)

// scriptedInvoker replays per-role behavior and records every call.
type scriptedInvoker struct {
	calls    []agent.Input
	roles    []agent.Role
	handlers map[agent.Role]func(call int, in agent.Input) (*agent.Result, error)
}

func (s *scriptedInvoker) Invoke(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
	s.calls = append(s.calls, in)
	s.roles = append(s.roles, role)
	h, ok := s.handlers[role]
	if !ok {
		return &agent.Result{Output: agent.Output{}}, nil
	}
	n := 0
	for _, r := range s.roles[:len(s.roles)-1] {
		if r == role {
			n++
		}
	}
	return h(n, in)
}

func newTestManager(inv agent.Invoker, clarify Clarifier, cfg Config) (*Manager, *[]time.Duration) {
	m := New(inv, nil, clarify, cfg)
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }
	return m, &slept
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"summary": "ok"}, CostUSD: 0.10}, nil
		},
	}}
	m, slept := newTestManager(inv, nil, DefaultConfig())

	out, err := m.Execute(context.Background(), agent.RoleCoder, "implement issue 1", agent.Input{"issue": 1})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, LevelNone, out.LevelUsed)
	assert.False(t, out.Escalated)
	assert.InDelta(t, 0.10, out.CostUSD, 1e-9)
	assert.Empty(t, *slept)
}

func TestFirstTrySuccessRecordsLadderLevelOne(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{"summary": "ok"}}, nil
		},
	}}
	episodes, err := memory.Open(t.TempDir(), embedding.NewLocalEngine(32), memory.DefaultConfig())
	require.NoError(t, err)
	m := New(inv, episodes, nil, DefaultConfig())
	m.sleep = func(time.Duration) {}

	_, err = m.Execute(context.Background(), agent.RoleCoder, "implement issue 1", agent.Input{"issue": 1})
	require.NoError(t, err)

	hits, err := episodes.Retrieve(context.Background(), "implement issue 1", 1, false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	// The recorded level stays inside the four-level ladder even when no
	// recovery ran.
	assert.Equal(t, 1, hits[0].Episode.RecoveryLevelUsed)
}

func TestTransientFailureRetriesSameWithBackoff(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			if call < 2 {
				return nil, agent.NewError(agent.KindTransient, agent.RoleCoder, "rate limit")
			}
			return &agent.Result{Output: agent.Output{"summary": "ok"}}, nil
		},
	}}
	m, slept := newTestManager(inv, nil, Config{BaseBackoff: time.Second})

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, LevelRetrySame, out.LevelUsed)
	// Exponential: 1s before the first retry, 2s before the second.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestSystematicFailureTriesAlternative(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			if call == 0 {
				return nil, agent.NewError(agent.KindSystematic, agent.RoleCoder, "wrong approach")
			}
			// The retry must carry the selected alternative.
			if in["alternative_approach"] != "use streaming parser" {
				return nil, agent.NewError(agent.KindSystematic, agent.RoleCoder, "still wrong")
			}
			return &agent.Result{Output: agent.Output{"summary": "ok"}}, nil
		},
		agent.RoleRecovery: func(call int, in agent.Input) (*agent.Result, error) {
			assert.Equal(t, "alternatives", in["mode"])
			return &agent.Result{Output: agent.Output{
				"recoverable": true,
				"strategy":    "retry_alternate",
				"plan":        "try another parser",
				"alternatives": []interface{}{
					map[string]interface{}{"approach": "use streaming parser", "probability": 0.8, "cost_multiplier": 1.0},
					map[string]interface{}{"approach": "rewrite from scratch", "probability": 0.9, "cost_multiplier": 3.0},
				},
			}}, nil
		},
	}}
	m, _ := newTestManager(inv, nil, Config{BaseBackoff: time.Millisecond})

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{"issue": 7})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, LevelRetryAlternate, out.LevelUsed)
	// Best probability-to-cost ratio wins: 0.8/1.0 beats 0.9/3.0.
}

func TestAmbiguityRoutesToClarify(t *testing.T) {
	clarified := false
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			if call == 0 {
				return nil, agent.NewError(agent.KindAmbiguity, agent.RoleCoder, "unclear requirement")
			}
			assert.Equal(t, "use UTC everywhere", in["clarification"])
			return &agent.Result{Output: agent.Output{"summary": "ok"}}, nil
		},
		agent.RoleRecovery: func(call int, in agent.Input) (*agent.Result, error) {
			assert.Equal(t, "clarify", in["mode"])
			return &agent.Result{Output: agent.Output{
				"recoverable":         true,
				"strategy":            "clarify",
				"plan":                "ask about timezones",
				"clarifying_question": "Which timezone should timestamps use?",
			}}, nil
		},
	}}
	clarify := func(ctx context.Context, question string) (string, error) {
		clarified = true
		assert.Contains(t, question, "timezone")
		return "use UTC everywhere", nil
	}
	m, _ := newTestManager(inv, clarify, Config{BaseBackoff: time.Millisecond})

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, clarified)
	assert.Equal(t, LevelRetryClarify, out.LevelUsed)
	assert.Equal(t, 2, out.Attempts)
}

func TestContractErrorAbortsWithoutRetry(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return nil, &agent.ContractViolation{Role: agent.RoleCoder, Direction: "output", Missing: []string{"summary"}}
		},
	}}
	m, slept := newTestManager(inv, nil, DefaultConfig())

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Len(t, inv.calls, 1)
	assert.Empty(t, *slept)
}

func TestFatalFailureEscalatesImmediately(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return nil, agent.NewError(agent.KindFatal, agent.RoleCoder, "security veto")
		},
	}}
	m, _ := newTestManager(inv, nil, DefaultConfig())

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, LevelEscalate, out.LevelUsed)
	assert.Error(t, out.Err)
	assert.Equal(t, 1, out.Attempts)
}

func TestAttemptCapStopsEscalationLadder(t *testing.T) {
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			return nil, agent.NewError(agent.KindTransient, agent.RoleCoder, "timeout")
		},
		agent.RoleRecovery: func(call int, in agent.Input) (*agent.Result, error) {
			return &agent.Result{Output: agent.Output{
				"recoverable": true, "strategy": "retry", "plan": "again",
			}}, nil
		},
	}}
	m, _ := newTestManager(inv, nil, Config{BaseBackoff: time.Millisecond, MaxAttempts: 3, BreakerThreshold: 100})

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	assert.Equal(t, 3, out.Attempts)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	coderCalls := 0
	inv := &scriptedInvoker{handlers: map[agent.Role]func(int, agent.Input) (*agent.Result, error){
		agent.RoleCoder: func(call int, in agent.Input) (*agent.Result, error) {
			coderCalls++
			return nil, agent.NewError(agent.KindTransient, agent.RoleCoder, "timeout")
		},
	}}
	m, _ := newTestManager(inv, nil, Config{BaseBackoff: time.Millisecond, BreakerThreshold: 2, MaxAttempts: 50})

	out, err := m.Execute(context.Background(), agent.RoleCoder, "goal", agent.Input{})
	require.NoError(t, err)
	assert.True(t, out.Escalated)
	// The breaker opened after two consecutive failures; later dispatches
	// were rejected without reaching the agent.
	assert.Equal(t, 2, coderCalls)
}
