package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"steward/internal/agent"
	"steward/internal/logging"
)

// LockInfo identifies the holder of an advisory session lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Store) lockPath(featureID string, issue int) string {
	return filepath.Join(s.root, "sessions", "locks", fmt.Sprintf("%s-%d.lock", featureID, issue))
}

// AcquireLock takes the exclusive (feature, issue) lock. It fails with
// LockHeld if a live lock exists. A lock is stale if its process is gone
// or the file is older than ttl; stale locks are reclaimed in place.
func (s *Store) AcquireLock(featureID string, issue int, ttl time.Duration) error {
	if err := validSlug(featureID); err != nil {
		return err
	}
	path := s.lockPath(featureID, issue)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			info := LockInfo{PID: os.Getpid(), Hostname: hostname(), StartedAt: time.Now().UTC()}
			data, _ := json.MarshalIndent(info, "", "  ")
			if _, werr := f.Write(append(data, '\n')); werr != nil {
				f.Close()
				os.Remove(path)
				return &agent.PersistenceError{Path: path, Op: "write-lock", Err: werr}
			}
			f.Close()
			logging.StateDebug("acquired lock %s-%d (pid %d)", featureID, issue, info.PID)
			return nil
		}
		if !os.IsExist(err) {
			return &agent.PersistenceError{Path: path, Op: "create-lock", Err: err}
		}

		holder, stale := s.inspectLock(path, ttl)
		if !stale {
			return &agent.LockHeld{FeatureID: featureID, Issue: issue, HolderPID: holder.PID, Host: holder.Hostname}
		}
		logging.State("reclaiming stale lock %s-%d (pid %d)", featureID, issue, holder.PID)
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return &agent.PersistenceError{Path: path, Op: "reclaim-lock", Err: rerr}
		}
	}
	return &agent.LockHeld{FeatureID: featureID, Issue: issue}
}

// ReleaseLock drops the (feature, issue) lock. Releasing an absent lock is
// not an error.
func (s *Store) ReleaseLock(featureID string, issue int) error {
	path := s.lockPath(featureID, issue)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &agent.PersistenceError{Path: path, Op: "release-lock", Err: err}
	}
	logging.StateDebug("released lock %s-%d", featureID, issue)
	return nil
}

// WithLock runs fn while holding the exclusive (feature, issue) lock.
// Concurrent calls on the same pair serialize at the filesystem.
func (s *Store) WithLock(featureID string, issue int, ttl time.Duration, fn func() error) error {
	if err := s.AcquireLock(featureID, issue, ttl); err != nil {
		return err
	}
	defer s.ReleaseLock(featureID, issue)
	return fn()
}

// inspectLock reads a lock file and decides whether it is stale.
func (s *Store) inspectLock(path string, ttl time.Duration) (LockInfo, bool) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		// Unreadable lock files are treated as stale.
		return info, true
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, true
	}
	if ttl > 0 && time.Since(info.StartedAt) > ttl {
		return info, true
	}
	if info.Hostname == hostname() && info.PID > 0 && !processAlive(info.PID) {
		return info, true
	}
	return info, false
}

// CleanupLocks scans the lock directory and reclaims stale locks.
// Returns the number of locks removed.
func (s *Store) CleanupLocks(ttl time.Duration) (int, error) {
	dir := filepath.Join(s.root, "sessions", "locks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, stale := s.inspectLock(path, ttl); stale {
			if err := os.Remove(path); err == nil {
				removed++
				logging.State("cleanup: removed stale lock %s", e.Name())
			}
		}
	}
	return removed, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// processAlive checks whether a pid refers to a live process on this host.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
