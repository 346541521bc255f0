package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
	"steward/internal/embedding"
)

func openStore(t *testing.T, dir string, cfg Config) *Store {
	t.Helper()
	s, err := Open(dir, embedding.NewLocalEngine(64), cfg)
	require.NoError(t, err)
	return s
}

func TestAppendAndRetrieveByContent(t *testing.T) {
	s := openStore(t, t.TempDir(), DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID:  "e1",
		Goal:       "implement the user login endpoint",
		Outcome:    Outcome{Success: true},
		Reflection: "session tokens need an explicit expiry",
	}))
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "e2",
		Goal:      "tune the database connection pool",
		Outcome:   Outcome{Success: true},
	}))
	require.Equal(t, 2, s.Len())

	got, err := s.Retrieve(ctx, "add login session handling", 1, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].Episode.EpisodeID)
	assert.Greater(t, got[0].Score, 0.0)
}

func TestRetrieveOnlySuccessFiltersFailures(t *testing.T) {
	s := openStore(t, t.TempDir(), DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "fail", Goal: "migrate the billing schema",
		Outcome: Outcome{Success: false, Error: "lock timeout"},
	}))
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "ok", Goal: "migrate the billing schema carefully",
		Outcome: Outcome{Success: true},
	}))

	got, err := s.Retrieve(ctx, "billing schema migration", 5, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Episode.EpisodeID)
}

func TestRetrieveDecayPrefersRecentEpisodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayFactor = 0.5
	s := openStore(t, t.TempDir(), cfg)
	ctx := context.Background()

	// Same goal text, so cosine similarity ties; decay breaks it.
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "old", Goal: "refactor the parser",
		Timestamp: time.Now().UTC().AddDate(0, 0, -10),
	}))
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "recent", Goal: "refactor the parser",
		Timestamp: time.Now().UTC().Add(-time.Hour),
	}))

	got, err := s.Retrieve(ctx, "refactor the parser", 2, false)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "recent", got[0].Episode.EpisodeID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.InDelta(t, got[0].Similarity, got[1].Similarity, 1e-6)
}

func TestReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Episode{EpisodeID: "e1", Goal: "wire the metrics endpoint"}))
	require.NoError(t, s.Append(ctx, Episode{EpisodeID: "e2", Goal: "fix the flaky watcher test"}))

	reopened := openStore(t, dir, DefaultConfig())
	assert.Equal(t, 2, reopened.Len())

	got, err := reopened.Retrieve(ctx, "metrics endpoint", 1, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].Episode.EpisodeID)
}

func TestReconcileDropsTruncatedTrailingEpisode(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Episode{EpisodeID: "e1", Goal: "first"}))
	require.NoError(t, s.Append(ctx, Episode{EpisodeID: "e2", Goal: "second"}))

	// Simulate a crash mid-append: a partial JSON line with no vector.
	f, err := os.OpenFile(filepath.Join(dir, "episodes.jsonl"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"episode_id":"e3","goa`)
	require.NoError(t, err)
	f.Close()

	reopened := openStore(t, dir, DefaultConfig())
	assert.Equal(t, 2, reopened.Len())
}

func TestReconcileTrimsOrphanVector(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Episode{EpisodeID: "e1", Goal: "only"}))

	// A vector written without its episode line: crash between the writes.
	vf, err := os.OpenFile(filepath.Join(dir, "embeddings.bin"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = vf.Write(make([]byte, 64*4))
	require.NoError(t, err)
	vf.Close()

	reopened := openStore(t, dir, DefaultConfig())
	assert.Equal(t, 1, reopened.Len())

	// The store must still accept appends after reconciling.
	require.NoError(t, reopened.Append(ctx, Episode{EpisodeID: "e2", Goal: "after recovery"}))
	assert.Equal(t, 2, reopened.Len())
}

func TestCompactSummarizesOldEpisodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummarizeAfterDays = 30
	dir := t.TempDir()
	s := openStore(t, dir, cfg)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -45)
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "a", Goal: "old win", Timestamp: old,
		Outcome: Outcome{Success: true}, Reflection: "small diffs verify faster", CostUSD: 1.5,
	}))
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "b", Goal: "old loss", Timestamp: old,
		Outcome: Outcome{Success: false}, CostUSD: 2.0,
	}))
	require.NoError(t, s.Append(ctx, Episode{
		EpisodeID: "c", Goal: "recent work", Timestamp: time.Now().UTC(),
	}))

	n, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.Len())

	// Compaction survives reopen and keeps the summary retrievable.
	reopened := openStore(t, dir, cfg)
	require.Equal(t, 2, reopened.Len())
	got, err := reopened.Retrieve(ctx, "small diffs verify faster", 1, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Episode.IsSummary)
	assert.Equal(t, 2, got[0].Episode.SummarizedN)
	assert.Equal(t, 1, got[0].Episode.SummarySucceeded)
	assert.InDelta(t, 3.5, got[0].Episode.CostUSD, 1e-9)

	// A second compaction finds nothing new; summaries are never re-summarized.
	n, err = s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReflectFallsBackToEmptyOnFailure(t *testing.T) {
	inv := agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		return nil, agent.NewError(agent.KindTransient, role, "unavailable")
	})
	got := Reflect(context.Background(), inv, Episode{EpisodeID: "e", Goal: "g"})
	assert.Empty(t, got)
	assert.Empty(t, Reflect(context.Background(), nil, Episode{}))
}

func TestReflectReturnsReflection(t *testing.T) {
	inv := agent.InvokerFunc(func(ctx context.Context, role agent.Role, in agent.Input) (*agent.Result, error) {
		assert.Equal(t, agent.RoleReflector, role)
		assert.Equal(t, "ship the exporter", in["goal"])
		return &agent.Result{Output: agent.Output{"reflection": "batch the writes next time"}}, nil
	})
	got := Reflect(context.Background(), inv, Episode{Goal: "ship the exporter", Outcome: Outcome{Success: true}})
	assert.Equal(t, "batch the writes next time", got)
}
