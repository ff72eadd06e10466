// Package watch observes active runs' stats directories so metrics land in
// the ledger while the trainer is still going, not only at run end.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/JacobJEdwards/gsplat/internal/logging"
	"github.com/JacobJEdwards/gsplat/internal/metrics"
)

// Event signals that a run's stats directory changed.
type Event struct {
	RunID string
	Path  string
}

// Watcher multiplexes fsnotify over the stats directories of active runs.
// Best-effort by design: every failure is logged and swallowed, a sweep
// must never die because inotify did.
type Watcher struct {
	fw     *fsnotify.Watcher
	mu     sync.Mutex
	dirs   map[string]string // stats dir -> run ID
	events chan Event
	done   chan struct{}
}

// New creates a watcher and starts its event loop.
func New() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fw:     fw,
		dirs:   make(map[string]string),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers a run's stats directory. The directory is created first
// since the trainer may not have started yet (it mkdirs with exist_ok).
func (w *Watcher) Watch(runID, statsDir string) error {
	if err := os.MkdirAll(statsDir, 0755); err != nil {
		return fmt.Errorf("failed to create stats directory: %w", err)
	}

	w.mu.Lock()
	w.dirs[statsDir] = runID
	w.mu.Unlock()

	if err := w.fw.Add(statsDir); err != nil {
		w.mu.Lock()
		delete(w.dirs, statsDir)
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", statsDir, err)
	}

	logging.Watch("Watching stats for run %s: %s", runID, statsDir)
	return nil
}

// Unwatch removes a run's stats directory.
func (w *Watcher) Unwatch(statsDir string) {
	w.mu.Lock()
	delete(w.dirs, statsDir)
	w.mu.Unlock()

	if err := w.fw.Remove(statsDir); err != nil {
		logging.WatchDebug("Failed to unwatch %s: %v", statsDir, err)
	}
}

// Events returns the channel of stats change events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) run() {
	defer close(w.events)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !metrics.IsStatsFile(event.Name) {
				continue
			}

			w.mu.Lock()
			runID := w.dirs[filepath.Dir(event.Name)]
			w.mu.Unlock()
			if runID == "" {
				continue
			}

			logging.WatchDebug("Stats change for run %s: %s", runID, event.Name)
			select {
			case w.events <- Event{RunID: runID, Path: event.Name}:
			default:
				// Drop rather than block the fsnotify pump; the end-of-run
				// rescan catches anything missed here.
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.WatchDebug("fsnotify error: %v", err)
		}
	}
}
