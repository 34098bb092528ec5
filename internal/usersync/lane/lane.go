// Package lane provides sequential executors.
//
// A Lane runs submitted functions one at a time, in submission order, on a
// single goroutine it owns. The sync engine uses three of them: one that
// publishes state to subscribers, one for orchestration and one that owns
// every database access made on behalf of sync.
package lane

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("lane closed")

// Lane is a sequential executor with an unbounded queue.
type Lane struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New starts a lane. The name is only used for diagnostics.
func New(name string) *Lane {
	l := &Lane{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Name returns the lane's name.
func (l *Lane) Name() string {
	return l.name
}

// Do enqueues fn. Functions submitted after Close are dropped.
// Do never blocks, so it may be called from the lane itself.
func (l *Lane) Do(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Sync runs fn on the lane and waits for it to return.
// Must not be called from the lane itself.
func (l *Lane) Sync(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	finished := make(chan struct{})
	l.queue = append(l.queue, func() {
		defer close(finished)
		fn()
	})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	<-finished
	return nil
}

// Close stops accepting work, runs what is already queued and waits for
// the lane goroutine to exit. Must not be called from the lane itself.
func (l *Lane) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Lane) loop() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
