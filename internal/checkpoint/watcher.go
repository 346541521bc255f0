package checkpoint

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"steward/internal/logging"
	"steward/internal/state"
)

// watchPollInterval backstops fsnotify in case an event is missed.
const watchPollInterval = 5 * time.Second

// WaitForResolution blocks until the checkpoint leaves pending, the
// context is cancelled, or the timeout elapses. It watches the checkpoint
// directory for writes and polls as a fallback.
func (m *Manager) WaitForResolution(ctx context.Context, id string, timeout time.Duration) (*state.Checkpoint, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Fast path: already resolved.
	cp, err := m.store.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if cp.Status != state.CheckpointPending {
		return cp, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer watcher.Close()
	dir := filepath.Join(m.store.Root(), "checkpoints")
	if err := watcher.Add(dir); err != nil {
		return nil, err
	}
	logging.CheckpointDebug("waiting for resolution of %s", id)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	target := id + ".json"

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, ctx.Err()
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				logging.CheckpointDebug("watch error: %v", err)
			}
			continue
		case <-ticker.C:
		}

		cp, err := m.store.LoadCheckpoint(id)
		if err != nil {
			continue
		}
		if cp.Status != state.CheckpointPending {
			return cp, nil
		}
	}
}
