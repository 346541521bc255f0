package memory

import (
	"context"

	"steward/internal/agent"
	"steward/internal/logging"
)

// Reflect generates the reflection text for an episode with a short
// reflector call over (goal, actions, outcome, cost, duration, recovery
// level). Reflection failures are non-fatal: the episode is stored without
// one and retrieval falls back to the goal text.
func Reflect(ctx context.Context, inv agent.Invoker, ep Episode) string {
	if inv == nil {
		return ""
	}
	in := agent.Input{
		"goal":             ep.Goal,
		"actions":          ep.Actions,
		"outcome":          map[string]interface{}{"success": ep.Outcome.Success, "error": ep.Outcome.Error},
		"cost_usd":         ep.CostUSD,
		"duration_seconds": ep.DurationSeconds,
		"recovery_level":   ep.RecoveryLevelUsed,
	}
	res, err := inv.Invoke(ctx, agent.RoleReflector, in)
	if err != nil {
		logging.MemoryDebug("reflection failed for %s: %v", ep.EpisodeID, err)
		return ""
	}
	return res.Output.Str("reflection")
}
