// Package memory implements the append-only episode store: one JSONL
// stream of episodes plus a parallel fixed-record binary file of embedding
// vectors, indexed by position. Retrieval is cosine similarity with a
// time-decay multiplier; the reflection text, not the raw actions, is the
// primary retrieval target.
package memory

import (
	"time"
)

// Outcome records how a unit of work ended.
type Outcome struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Episode is a persisted record of one unit of work. Episodes are
// append-only: never mutated, only compacted.
type Episode struct {
	EpisodeID         string    `json:"episode_id"`
	Timestamp         time.Time `json:"timestamp"`
	Goal              string    `json:"goal"`
	Actions           []string  `json:"actions,omitempty"`
	Outcome           Outcome   `json:"outcome"`
	Reflection        string    `json:"reflection,omitempty"`
	RecoveryLevelUsed int       `json:"recovery_level_used"`
	CostUSD           float64   `json:"cost_usd"`
	DurationSeconds   float64   `json:"duration_seconds"`

	// IsSummary marks a compaction product that stands in for a span of
	// older episodes.
	IsSummary     bool `json:"is_summary,omitempty"`
	SummarizedN   int  `json:"summarized_n,omitempty"`
	SummarySucceeded int `json:"summary_succeeded,omitempty"`
}

// retrievalText is what gets embedded and matched: the reflection when
// present, otherwise the goal.
func (e *Episode) retrievalText() string {
	if e.Reflection != "" {
		return e.Goal + "\n" + e.Reflection
	}
	return e.Goal
}

// Scored pairs an episode with its retrieval score.
type Scored struct {
	Episode    Episode
	Similarity float64 // raw cosine
	Score      float64 // cosine * decay^(age days)
}
