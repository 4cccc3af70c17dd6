package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a mutation file appeared.
	OpCreate EventOp = iota
	// OpModify indicates a mutation file was rewritten.
	OpModify
	// OpRemove indicates a mutation file went away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// OutboxEvent is a change to one mutation file in the outbox.
type OutboxEvent struct {
	Path string
	Op   EventOp
}

// OutboxWatcher watches an outbox directory for mutation files (*.json).
// Subdirectories such as rejected/ are not watched.
type OutboxWatcher struct {
	watcher *fsnotify.Watcher
	events  chan OutboxEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	dir     string
}

// NewOutboxWatcher creates a watcher. It emits nothing until Start.
func NewOutboxWatcher() (*OutboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &OutboxWatcher{
		watcher: watcher,
		events:  make(chan OutboxEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *OutboxWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("watcher is stopped")
	}
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve outbox directory %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch outbox directory %s: %w", abs, err)
	}

	w.dir = abs
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels. It is safe
// to call more than once.
func (w *OutboxWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of outbox changes. It is closed by Stop.
func (w *OutboxWatcher) Events() <-chan OutboxEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *OutboxWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *OutboxWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *OutboxWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to an OutboxEvent. The second result
// is false for events that are not about a mutation file.
func (w *OutboxWatcher) convertEvent(event fsnotify.Event) (OutboxEvent, bool) {
	if !isMutationFile(event.Name) {
		return OutboxEvent{}, false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != w.dir {
		return OutboxEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpRemove
	default:
		return OutboxEvent{}, false
	}

	return OutboxEvent{Path: abs, Op: op}, true
}

// isMutationFile reports whether name looks like a finished mutation file.
// Writers stage under another name and rename into place.
func isMutationFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
