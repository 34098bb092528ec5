// Package service runs named units of sync work on behalf of other
// processes or components.
//
// A WorkItem identifies a unit of work by kind and key. Requesting an item
// that is already running joins the in-flight run instead of starting a
// second one, so repeated requests are idempotent and each item has at
// most one concurrent run. Progress is reported as Events to subscribers.
//
// Example:
//
//	svc := service.New(nil)
//	svc.Handle(service.KindImportCatalog, func(ctx context.Context, item service.WorkItem) error {
//	    return importer.Import(ctx, item.Key)
//	})
//	err := svc.Request(ctx, service.WorkItem{Kind: service.KindImportCatalog, Key: "sessions"})
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind names a category of work.
type Kind string

const (
	// KindFetch schedules a fetch of remote changes.
	KindFetch Kind = "fetch"
	// KindCheckAccount re-checks remote account availability.
	KindCheckAccount Kind = "check-account"
	// KindImportCatalog imports catalog session files into the local database.
	KindImportCatalog Kind = "import-catalog"
	// KindCommitPendingContent retries records waiting for catalog content.
	KindCommitPendingContent Kind = "commit-pending-content"
)

// WorkItem identifies a unit of work.
type WorkItem struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`
}

// ID returns the identity used to coalesce concurrent requests.
func (w WorkItem) ID() string {
	if w.Key == "" {
		return string(w.Kind)
	}
	return string(w.Kind) + ":" + w.Key
}

// EventType describes a step in the life of a run.
type EventType string

const (
	EventStarted  EventType = "started"
	EventFinished EventType = "finished"
	EventFailed   EventType = "failed"
)

// Event reports progress of a work item run.
type Event struct {
	Type     EventType     `json:"type"`
	Item     WorkItem      `json:"item"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// HandlerFunc performs one run of a work item. ctx is cancelled when the
// service closes.
type HandlerFunc func(ctx context.Context, item WorkItem) error

var (
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("unknown work item kind")

	// ErrClosed is returned for requests made after Close.
	ErrClosed = errors.New("service closed")
)

// Service dispatches work item requests to registered handlers.
type Service struct {
	logger *log.Logger
	group  singleflight.Group

	mu          sync.RWMutex
	handlers    map[Kind]HandlerFunc
	subscribers map[int]chan Event
	nextSubID   int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a service with no handlers.
func New(logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		logger:      logger,
		handlers:    make(map[Kind]HandlerFunc),
		subscribers: make(map[int]chan Event),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Handle registers fn for kind, replacing any previous handler.
func (s *Service) Handle(kind Kind, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Kinds returns the registered kinds in sorted order.
func (s *Service) Kinds() []Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kinds := make([]Kind, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Request runs item, or joins its run if one is already in flight, and
// returns the run's error. Cancelling ctx stops the wait but not the run.
func (s *Service) Request(ctx context.Context, item WorkItem) error {
	s.mu.RLock()
	fn, ok := s.handlers[item.Kind]
	closed := s.closed
	if !closed && ok {
		s.wg.Add(1)
	}
	s.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, item.Kind)
	}
	defer s.wg.Done()

	ch := s.group.DoChan(item.ID(), func() (any, error) {
		return nil, s.run(fn, item)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(fn HandlerFunc, item WorkItem) error {
	start := time.Now()
	s.publish(Event{Type: EventStarted, Item: item, Time: start})

	err := fn(s.ctx, item)

	ev := Event{Type: EventFinished, Item: item, Time: time.Now(), Duration: time.Since(start)}
	if err != nil {
		ev.Type = EventFailed
		ev.Err = err.Error()
		s.logger.Printf("Work item %s failed: %v", item.ID(), err)
	}
	s.publish(ev)
	return err
}

// Subscribe returns a channel receiving every event published after the
// call. Events are dropped for subscribers whose buffer is full. The
// channel is closed by cancel or Close.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Printf("Warning: subscriber full, dropping %s event for %s", ev.Type, ev.Item.ID())
		}
	}
}

// Close cancels in-flight runs, waits for pending requests to return and
// closes every subscription. Later requests fail with ErrClosed.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
}
