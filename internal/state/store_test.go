package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/agent"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFeatureRoundTrip(t *testing.T) {
	s := openTestStore(t)
	f := &Feature{
		FeatureID: "auth-service",
		PRD:       "users need accounts",
		Phase:     PhasePRDReady,
		NextIssue: 3,
		Tasks: []Task{
			{IssueNumber: 1, Stage: StageDone, Title: "schema", Body: "- [ ] users table"},
			{IssueNumber: 2, Stage: StageReady, Title: "endpoints", Dependencies: []int{1}},
		},
		TotalCostUSD: 1.25,
	}
	require.NoError(t, s.SaveFeature(f))

	loaded, err := s.LoadFeature("auth-service")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	if diff := cmp.Diff(f, loaded, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("feature round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAbsentEntityReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	f, err := s.LoadFeature("never-saved")
	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "never-saved")

	_, err = s.LoadBug("b-absent")
	assert.True(t, IsNotFound(err))
	_, err = s.LoadCampaign("c-absent")
	assert.True(t, IsNotFound(err))
	_, err = s.LoadAutopilot("ap-absent")
	assert.True(t, IsNotFound(err))
	_, err = s.LoadCheckpoint("cp-absent")
	assert.True(t, IsNotFound(err))
	_, err = s.LoadSession("never-saved", 1, "sess-absent")
	assert.True(t, IsNotFound(err))

	// Malformed ids are rejected, not reported as missing.
	_, err = s.LoadFeature("../escape")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestSaveRejectsPathUnsafeIDs(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		err := s.SaveFeature(&Feature{FeatureID: id})
		assert.Error(t, err, "id %q should be rejected", id)
	}
}

func TestUpdatedAtIsStrictlyMonotonic(t *testing.T) {
	s := openTestStore(t)
	f := &Feature{FeatureID: "f1"}
	require.NoError(t, s.SaveFeature(f))
	first := f.UpdatedAt
	require.NoError(t, s.SaveFeature(f))
	assert.True(t, f.UpdatedAt.After(first))
}

func TestWriteSurvivesOrphanTempFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "f1", PRD: "good"}))

	// A crash after writing the temp file but before the rename.
	tmp := filepath.Join(dir, "features", "f1.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"feature_id":"f1","prd":"half-wri`), 0644))

	reopened, err := Open(dir)
	require.NoError(t, err)
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "orphan temp file should be removed")

	f, err := reopened.LoadFeature("f1")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "good", f.PRD)
}

func TestRecoveryRestoresBackupWhenCanonicalCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "f1", PRD: "previous version"}))

	// A crash between backup rename and new-file rename leaves only the
	// backup consistent.
	canonical := filepath.Join(dir, "features", "f1.json")
	data, err := os.ReadFile(canonical)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(canonical+".bak", data, 0644))
	require.NoError(t, os.WriteFile(canonical, []byte(`{"feature_id":"f1",`), 0644))

	reopened, err := Open(dir)
	require.NoError(t, err)
	f, err := reopened.LoadFeature("f1")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "previous version", f.PRD)
}

func TestRecoveryDiscardsStaleBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "f1", PRD: "current"}))

	canonical := filepath.Join(dir, "features", "f1.json")
	require.NoError(t, os.WriteFile(canonical+".bak", []byte(`{"feature_id":"f1","prd":"old"}`), 0644))

	reopened, err := Open(dir)
	require.NoError(t, err)
	_, statErr := os.Stat(canonical + ".bak")
	assert.True(t, os.IsNotExist(statErr))

	f, err := reopened.LoadFeature("f1")
	require.NoError(t, err)
	assert.Equal(t, "current", f.PRD)
}

func TestBugRoundTrip(t *testing.T) {
	s := openTestStore(t)
	b := &Bug{
		BugID:       "crash-on-empty-input",
		Description: "panics when input file is empty",
		Phase:       BugPlanned,
		RootCause:   "no length check before index",
		FixPlan:     []string{"guard empty input", "add regression test"},
	}
	require.NoError(t, s.SaveBug(b))

	loaded, err := s.LoadBug("crash-on-empty-input")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, b.FixPlan, loaded.FixPlan)
	assert.Equal(t, BugPlanned, loaded.Phase)
}

func TestCampaignBudgetInvariant(t *testing.T) {
	s := openTestStore(t)
	c := &Campaign{CampaignID: "c1", TotalBudgetUSD: 100, SpentUSD: 100.01}
	err := s.SaveCampaign(c)
	require.Error(t, err)

	c.SpentUSD = 100
	assert.NoError(t, s.SaveCampaign(c))
}

func TestCampaignDayBudget(t *testing.T) {
	c := &Campaign{TotalBudgetUSD: 100, DailyBudgetUSD: 25, SpentUSD: 90}
	assert.Equal(t, 10.0, c.DayBudget())
	c.SpentUSD = 10
	assert.Equal(t, 25.0, c.DayBudget())
	c.SpentUSD = 100
	assert.Equal(t, 0.0, c.DayBudget())
}

func TestCampaignDayPlanLookup(t *testing.T) {
	c := &Campaign{DayPlans: []DayPlan{
		{Day: 1, MilestoneID: "m1"},
		{Day: 2, MilestoneID: "m2"},
	}}

	plan := c.DayPlan(2)
	require.NotNil(t, plan)
	assert.Equal(t, "m2", plan.MilestoneID)

	// The lookup aliases the stored plan, not a copy.
	plan.Executed = true
	assert.True(t, c.DayPlans[1].Executed)

	assert.Nil(t, c.DayPlan(3))
}

func TestListFeaturesSortedAndFiltered(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "zeta", Phase: PhaseComplete}))
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "alpha", Phase: PhaseImplementing}))
	require.NoError(t, s.SaveFeature(&Feature{FeatureID: "mid", Phase: PhaseComplete}))

	all, err := s.ListFeatures(nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].FeatureID)
	assert.Equal(t, "zeta", all[2].FeatureID)

	done, err := s.ListFeatures(func(f *Feature) bool { return f.Phase == PhaseComplete })
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireLock("f1", 3, time.Hour))

	err := s.AcquireLock("f1", 3, time.Hour)
	var held *agent.LockHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "f1", held.FeatureID)
	assert.Equal(t, 3, held.Issue)

	// A different issue on the same feature is independent.
	require.NoError(t, s.AcquireLock("f1", 4, time.Hour))

	require.NoError(t, s.ReleaseLock("f1", 3))
	assert.NoError(t, s.AcquireLock("f1", 3, time.Hour))
}

func TestStaleLockReclaimedByTTL(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireLock("f1", 1, time.Hour))

	// Age the lock past its ttl.
	path := filepath.Join(s.Root(), "sessions", "locks", "f1-1.lock")
	info := LockInfo{PID: os.Getpid(), Hostname: "elsewhere", StartedAt: time.Now().Add(-2 * time.Hour)}
	writeLockFile(t, path, info)

	assert.NoError(t, s.AcquireLock("f1", 1, time.Hour))
}

func TestCleanupLocksRemovesOnlyStale(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireLock("live", 1, time.Hour))
	require.NoError(t, s.AcquireLock("stale", 1, time.Hour))

	path := filepath.Join(s.Root(), "sessions", "locks", "stale-1.lock")
	writeLockFile(t, path, LockInfo{PID: os.Getpid(), Hostname: "elsewhere", StartedAt: time.Now().Add(-2 * time.Hour)})

	removed, err := s.CleanupLocks(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	err = s.AcquireLock("live", 1, time.Hour)
	var held *agent.LockHeld
	assert.ErrorAs(t, err, &held)
}

func TestWithLockReleasesOnError(t *testing.T) {
	s := openTestStore(t)
	sentinel := errors.New("work failed")
	err := s.WithLock("f1", 2, time.Hour, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	assert.NoError(t, s.AcquireLock("f1", 2, time.Hour))
}

func writeLockFile(t *testing.T, path string, info LockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestEventsAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	s.AppendEvent("f1", "feature", EventTaskStarted, map[string]interface{}{"issue": float64(1)})
	s.AppendEvent("f1", "feature", EventTaskCompleted, map[string]interface{}{"issue": float64(1)})
	s.AppendEvent("other", "bug", EventEntityFailed, nil)

	events, err := s.ReadEvents("f1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTaskStarted, events[0].Kind)
	assert.Equal(t, EventTaskCompleted, events[1].Kind)
	assert.Equal(t, float64(1), events[0].Payload["issue"])
}

func TestEventsTolerateTruncatedTrailingLine(t *testing.T) {
	s := openTestStore(t)
	s.AppendEvent("f1", "feature", EventTaskStarted, nil)

	path := filepath.Join(s.Root(), "events", "f1.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-`)
	require.NoError(t, err)
	f.Close()

	events, err := s.ReadEvents("f1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReadEventsForUnknownEntity(t *testing.T) {
	s := openTestStore(t)
	events, err := s.ReadEvents("nothing-here")
	require.NoError(t, err)
	assert.Nil(t, events)
}
