package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"steward/internal/agent"
	"steward/internal/logging"
)

// Store is the single writer for persisted entities. One JSON file per
// entity under a fixed directory hierarchy; all writes go through an
// atomic temp-fsync-rename protocol with a one-generation backup.
type Store struct {
	root string
	mu   sync.Mutex

	eventLogs *eventLogSet
}

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// NotFound reports an entity file that does not exist in the store.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// IsNotFound reports whether err (or anything it wraps) is a NotFound.
func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

// Open initializes a store rooted at the given state directory, creating
// the hierarchy and recovering from any interrupted writes.
func Open(root string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryState, "state.Open")
	defer timer.Stop()

	if root == "" {
		return nil, fmt.Errorf("state root required")
	}
	for _, dir := range []string{
		"features", "bugs", "sessions", filepath.Join("sessions", "locks"),
		"events", "episodes", "checkpoints", "campaigns", "autopilot",
		"preferences",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	s := &Store{root: root, eventLogs: newEventLogSet(filepath.Join(root, "events"))}
	if err := s.recoverOrphans(); err != nil {
		return nil, err
	}
	logging.State("state store opened at %s", root)
	return s, nil
}

// Root returns the state directory path.
func (s *Store) Root() string { return s.root }

// recoverOrphans scans for leftover temp and backup files from interrupted
// writes and restores the newest consistent version.
func (s *Store) recoverOrphans() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".tmp"):
			// A temp file means the rename never happened; the canonical
			// file (if any) is the last consistent version.
			logging.State("recovery: removing orphan temp file %s", path)
			return os.Remove(path)
		case strings.HasSuffix(path, ".bak"):
			canonical := strings.TrimSuffix(path, ".bak")
			if !jsonReadable(canonical) {
				logging.State("recovery: restoring %s from backup", canonical)
				if err := os.Rename(path, canonical); err != nil {
					return &agent.PersistenceError{Path: canonical, Op: "restore", Err: err}
				}
				return nil
			}
			return os.Remove(path)
		}
		return nil
	})
}

func jsonReadable(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var v interface{}
	return json.Unmarshal(data, &v) == nil
}

// writeJSON persists v at path using the three-step atomic protocol:
// write sibling temp file, fsync, rename into place. A one-generation
// backup of the previous version is retained until the new file is
// verified by re-read. Never leaves the canonical file partially written.
func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &agent.PersistenceError{Path: path, Op: "marshal", Err: err}
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	bak := path + ".bak"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &agent.PersistenceError{Path: path, Op: "create-temp", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &agent.PersistenceError{Path: path, Op: "write-temp", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &agent.PersistenceError{Path: path, Op: "fsync", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &agent.PersistenceError{Path: path, Op: "close-temp", Err: err}
	}

	// Keep the previous version until the new one is verified.
	hadPrevious := false
	if _, err := os.Stat(path); err == nil {
		hadPrevious = true
		if err := os.Rename(path, bak); err != nil {
			os.Remove(tmp)
			return &agent.PersistenceError{Path: path, Op: "backup", Err: err}
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		if hadPrevious {
			os.Rename(bak, path) // best effort: put the old version back
		}
		return &agent.PersistenceError{Path: path, Op: "rename", Err: err}
	}

	// Verify by re-read before discarding the backup.
	if !jsonReadable(path) {
		if hadPrevious {
			os.Rename(bak, path)
		}
		return &agent.PersistenceError{Path: path, Op: "verify", Err: fmt.Errorf("re-read failed")}
	}
	if hadPrevious {
		os.Remove(bak)
	}

	logging.StateDebug("wrote %s (%d bytes)", path, len(data))
	return nil
}

func (s *Store) readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &agent.PersistenceError{Path: path, Op: "read", Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &agent.PersistenceError{Path: path, Op: "unmarshal", Err: err}
	}
	return true, nil
}

// touch advances an updated_at timestamp, keeping it strictly monotonic
// even under a coarse clock.
func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func validSlug(id string) error {
	if !slugPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("id %q is not a path-safe slug", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Features
// ---------------------------------------------------------------------------

func (s *Store) featurePath(id string) string {
	return filepath.Join(s.root, "features", id+".json")
}

// SaveFeature persists a feature, advancing updated_at.
func (s *Store) SaveFeature(f *Feature) error {
	if err := validSlug(f.FeatureID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	f.UpdatedAt = touch(f.UpdatedAt)
	return s.writeJSON(s.featurePath(f.FeatureID), f)
}

// LoadFeature returns the feature, or a NotFound error if absent.
func (s *Store) LoadFeature(id string) (*Feature, error) {
	if err := validSlug(id); err != nil {
		return nil, err
	}
	var f Feature
	ok, err := s.readJSON(s.featurePath(id), &f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "feature", ID: id}
	}
	return &f, nil
}

// ListFeatures returns all features, sorted by id, optionally filtered.
func (s *Store) ListFeatures(filter func(*Feature) bool) ([]*Feature, error) {
	var out []*Feature
	err := s.listDir(filepath.Join(s.root, "features"), func(path string) error {
		var f Feature
		if ok, err := s.readJSON(path, &f); err != nil || !ok {
			return err
		}
		if filter == nil || filter(&f) {
			out = append(out, &f)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out, err
}

// DeleteFeature removes a feature file.
func (s *Store) DeleteFeature(id string) error {
	if err := validSlug(id); err != nil {
		return err
	}
	return removeIfExists(s.featurePath(id))
}

// ---------------------------------------------------------------------------
// Bugs
// ---------------------------------------------------------------------------

func (s *Store) bugPath(id string) string {
	return filepath.Join(s.root, "bugs", id, "state.json")
}

// SaveBug persists a bug, advancing updated_at.
func (s *Store) SaveBug(b *Bug) error {
	if err := validSlug(b.BugID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = touch(b.UpdatedAt)
	path := s.bugPath(b.BugID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &agent.PersistenceError{Path: path, Op: "mkdir", Err: err}
	}
	return s.writeJSON(path, b)
}

// LoadBug returns the bug, or a NotFound error if absent.
func (s *Store) LoadBug(id string) (*Bug, error) {
	if err := validSlug(id); err != nil {
		return nil, err
	}
	var b Bug
	ok, err := s.readJSON(s.bugPath(id), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "bug", ID: id}
	}
	return &b, nil
}

// ListBugs returns all bugs, sorted by id, optionally filtered.
func (s *Store) ListBugs(filter func(*Bug) bool) ([]*Bug, error) {
	var out []*Bug
	entries, err := os.ReadDir(filepath.Join(s.root, "bugs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var b Bug
		if ok, err := s.readJSON(s.bugPath(e.Name()), &b); err != nil || !ok {
			continue
		}
		if filter == nil || filter(&b) {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BugID < out[j].BugID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *Store) sessionPath(featureID string, issue int, sessionID string) string {
	return filepath.Join(s.root, "sessions", featureID, fmt.Sprintf("%d", issue), sessionID+".json")
}

// SaveSession persists a session.
func (s *Store) SaveSession(sess *Session) error {
	if err := validSlug(sess.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = touch(sess.UpdatedAt)
	path := s.sessionPath(sess.FeatureID, sess.IssueNumber, sess.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &agent.PersistenceError{Path: path, Op: "mkdir", Err: err}
	}
	return s.writeJSON(path, sess)
}

// LoadSession returns a session, or a NotFound error if absent.
func (s *Store) LoadSession(featureID string, issue int, sessionID string) (*Session, error) {
	var sess Session
	ok, err := s.readJSON(s.sessionPath(featureID, issue, sessionID), &sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "session", ID: sessionID}
	}
	return &sess, nil
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func (s *Store) checkpointPath(id string) string {
	return filepath.Join(s.root, "checkpoints", id+".json")
}

// SaveCheckpoint persists a checkpoint.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	if err := validSlug(cp.CheckpointID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = touch(cp.UpdatedAt)
	return s.writeJSON(s.checkpointPath(cp.CheckpointID), cp)
}

// LoadCheckpoint returns a checkpoint, or a NotFound error if absent.
func (s *Store) LoadCheckpoint(id string) (*Checkpoint, error) {
	if err := validSlug(id); err != nil {
		return nil, err
	}
	var cp Checkpoint
	ok, err := s.readJSON(s.checkpointPath(id), &cp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "checkpoint", ID: id}
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoints, newest first, optionally filtered.
func (s *Store) ListCheckpoints(filter func(*Checkpoint) bool) ([]*Checkpoint, error) {
	var out []*Checkpoint
	err := s.listDir(filepath.Join(s.root, "checkpoints"), func(path string) error {
		var cp Checkpoint
		if ok, err := s.readJSON(path, &cp); err != nil || !ok {
			return err
		}
		if filter == nil || filter(&cp) {
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

// ---------------------------------------------------------------------------
// Campaigns
// ---------------------------------------------------------------------------

func (s *Store) campaignPath(id string) string {
	return filepath.Join(s.root, "campaigns", id+".json")
}

// SaveCampaign persists a campaign, enforcing the budget invariant.
func (s *Store) SaveCampaign(c *Campaign) error {
	if err := validSlug(c.CampaignID); err != nil {
		return err
	}
	if c.SpentUSD > c.TotalBudgetUSD {
		return fmt.Errorf("campaign %s: spent %.2f exceeds total budget %.2f", c.CampaignID, c.SpentUSD, c.TotalBudgetUSD)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = touch(c.UpdatedAt)
	return s.writeJSON(s.campaignPath(c.CampaignID), c)
}

// LoadCampaign returns a campaign, or a NotFound error if absent.
func (s *Store) LoadCampaign(id string) (*Campaign, error) {
	if err := validSlug(id); err != nil {
		return nil, err
	}
	var c Campaign
	ok, err := s.readJSON(s.campaignPath(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "campaign", ID: id}
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Autopilot sessions
// ---------------------------------------------------------------------------

func (s *Store) autopilotPath(id string) string {
	return filepath.Join(s.root, "autopilot", id+".json")
}

// SaveAutopilot persists an autopilot session.
func (s *Store) SaveAutopilot(a *AutopilotSession) error {
	if err := validSlug(a.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.LastPersistedAt = touch(a.LastPersistedAt)
	return s.writeJSON(s.autopilotPath(a.SessionID), a)
}

// LoadAutopilot returns an autopilot session, or a NotFound error if absent.
func (s *Store) LoadAutopilot(id string) (*AutopilotSession, error) {
	if err := validSlug(id); err != nil {
		return nil, err
	}
	var a AutopilotSession
	ok, err := s.readJSON(s.autopilotPath(id), &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFound{Kind: "autopilot session", ID: id}
	}
	return &a, nil
}

// ListAutopilot returns all autopilot sessions, optionally filtered.
func (s *Store) ListAutopilot(filter func(*AutopilotSession) bool) ([]*AutopilotSession, error) {
	var out []*AutopilotSession
	err := s.listDir(filepath.Join(s.root, "autopilot"), func(path string) error {
		var a AutopilotSession
		if ok, err := s.readJSON(path, &a); err != nil || !ok {
			return err
		}
		if filter == nil || filter(&a) {
			out = append(out, &a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, err
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func (s *Store) listDir(dir string, visit func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := visit(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
