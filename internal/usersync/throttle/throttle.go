// Package throttle limits how often each record type is uploaded.
package throttle

import (
	"sync"
	"time"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// DefaultIntervals returns the minimum time between uploads per record type.
func DefaultIntervals() map[schema.RecordType]time.Duration {
	return map[schema.RecordType]time.Duration{
		schema.TypeFavorite:        0,
		schema.TypeBookmark:        0,
		schema.TypeSessionProgress: 20 * time.Second,
	}
}

// Throttle decides whether an upload of a record type may go out now.
type Throttle struct {
	mu        sync.Mutex
	intervals map[schema.RecordType]time.Duration
	last      map[schema.RecordType]time.Time
	now       func() time.Time
}

// New creates a Throttle with the given intervals. Types not listed are
// never throttled.
func New(intervals map[schema.RecordType]time.Duration) *Throttle {
	copied := make(map[schema.RecordType]time.Duration, len(intervals))
	for k, v := range intervals {
		copied[k] = v
	}
	return &Throttle{
		intervals: copied,
		last:      make(map[schema.RecordType]time.Time),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (t *Throttle) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// ShouldUpload reports whether an upload of typ may happen now. When it
// returns true the attempt is recorded; a throttled call leaves the last
// upload time untouched.
func (t *Throttle) ShouldUpload(typ schema.RecordType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[typ]; ok && now.Sub(last) < t.intervals[typ] {
		return false
	}
	t.last[typ] = now
	return true
}

// Reset forgets every recorded upload.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[schema.RecordType]time.Time)
}
