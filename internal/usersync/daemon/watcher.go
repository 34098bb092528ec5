package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent represents a change to a catalog session file.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// CatalogWatcher watches the catalog directory for session file changes
// (*.json, *.yaml, *.yml).
type CatalogWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	dir     string
}

// NewCatalogWatcher creates a watcher. It emits nothing until Start.
func NewCatalogWatcher() (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &CatalogWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (cw *CatalogWatcher) Start(dir string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}
	if cw.stopped {
		return fmt.Errorf("watcher was stopped")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve catalog directory %s: %w", dir, err)
	}
	if err := cw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch catalog directory %s: %w", abs, err)
	}

	cw.dir = abs
	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (cw *CatalogWatcher) Stop() error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	cw.stopped = true
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)

	err := cw.watcher.Close()
	cw.wg.Wait()

	close(cw.events)
	close(cw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of catalog file events. It is closed by Stop.
func (cw *CatalogWatcher) Events() <-chan FileEvent {
	return cw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (cw *CatalogWatcher) Errors() <-chan error {
	return cw.errors
}

// IsRunning returns true if the watcher is currently running.
func (cw *CatalogWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *CatalogWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := cw.convertEvent(event); ok {
				select {
				case cw.events <- fileEvent:
				case <-cw.done:
					return
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case cw.errors <- err:
			case <-cw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent, dropping events for
// other files and chmod-only changes.
func (cw *CatalogWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !schema.IsSessionFile(event.Name) {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != cw.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename's new name arrives as its own create
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Op: op}, true
}
