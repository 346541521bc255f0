package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"steward/internal/logging"
)

// Event is one diagnostic record in an entity's append-only JSONL log.
// The log is diagnostic only: system correctness never depends on it.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"` // component name
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Well-known event kinds.
const (
	EventTaskStarted          = "task_started"
	EventTaskCompleted        = "task_completed"
	EventTaskFailed           = "task_failed"
	EventTaskSplit            = "task_split"
	EventPhaseAdvanced        = "phase_advanced"
	EventCoderNoFiles         = "coder_no_files_generated"
	EventCheckpointCreated    = "checkpoint_created"
	EventCheckpointResolved   = "checkpoint_resolved"
	EventValidationRejected   = "validation_rejected"
	EventRecoveryAttempt      = "recovery_attempt"
	EventRecoveryEscalated    = "recovery_escalated"
	EventSessionPaused        = "session_paused"
	EventSessionResumed       = "session_resumed"
	EventSessionAborted       = "session_aborted"
	EventReplan               = "replan"
	EventMilestoneDone        = "milestone_done"
	EventEntityBlocked        = "entity_blocked"
	EventEntityFailed         = "entity_failed"
)

// maxEventLogBytes triggers size-based rotation to <id>.jsonl.1.
const maxEventLogBytes = 8 << 20

// eventLogSet serializes appends per entity file.
type eventLogSet struct {
	dir string
	mu  sync.Mutex
	// per-file locks at the write boundary; readers never lock
	files map[string]*sync.Mutex
}

func newEventLogSet(dir string) *eventLogSet {
	return &eventLogSet{dir: dir, files: make(map[string]*sync.Mutex)}
}

func (e *eventLogSet) fileMu(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.files[id]
	if !ok {
		m = &sync.Mutex{}
		e.files[id] = m
	}
	return m
}

// AppendEvent appends an event to the entity's JSONL log. Failures are
// logged and swallowed: the event log must never break the kernel.
func (s *Store) AppendEvent(entityID string, actor, kind string, payload map[string]interface{}) {
	if err := validSlug(entityID); err != nil {
		logging.Get(logging.CategoryEvents).Error("bad event entity id: %v", err)
		return
	}
	ev := Event{Timestamp: time.Now().UTC(), Actor: actor, Kind: kind, Payload: payload}
	line, err := json.Marshal(ev)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("marshal event: %v", err)
		return
	}

	mu := s.eventLogs.fileMu(entityID)
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(s.eventLogs.dir, entityID+".jsonl")
	s.rotateIfNeeded(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Get(logging.CategoryEvents).Error("open event log %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Get(logging.CategoryEvents).Error("append event log %s: %v", path, err)
		return
	}
	logging.EventsDebug("%s: %s by %s", entityID, kind, actor)
}

func (s *Store) rotateIfNeeded(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < maxEventLogBytes {
		return
	}
	rotated := path + ".1"
	os.Remove(rotated)
	if err := os.Rename(path, rotated); err != nil {
		logging.Get(logging.CategoryEvents).Error("rotate %s: %v", path, err)
		return
	}
	logging.Events("rotated event log %s (%d bytes)", filepath.Base(path), info.Size())
}

// ReadEvents returns all events for an entity in append order. Readers
// tolerate a truncated trailing line from an interrupted write.
func (s *Store) ReadEvents(entityID string) ([]Event, error) {
	if err := validSlug(entityID); err != nil {
		return nil, err
	}
	path := filepath.Join(s.eventLogs.dir, entityID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Truncated trailing line: stop, keep what we have.
			logging.EventsDebug("%s: skipping unparsable event line", entityID)
			break
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}
