package throttle

import (
	"testing"
	"time"

	"github.com/confcore/usersync/internal/usersync/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestShouldUpload_WithinInterval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2021, 6, 7, 10, 0, 0, 0, time.UTC)}
	th := New(DefaultIntervals())
	th.SetClock(clock.now)

	if !th.ShouldUpload(schema.TypeSessionProgress) {
		t.Fatal("first upload must not be throttled")
	}

	clock.advance(5 * time.Second)
	if th.ShouldUpload(schema.TypeSessionProgress) {
		t.Error("second upload within 20s must be throttled")
	}

	// Throttled calls do not move the window
	clock.advance(15 * time.Second)
	if !th.ShouldUpload(schema.TypeSessionProgress) {
		t.Error("upload 20s after the last attempt must pass")
	}
}

func TestShouldUpload_ZeroInterval(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := New(DefaultIntervals())
	th.SetClock(clock.now)

	for i := 0; i < 3; i++ {
		if !th.ShouldUpload(schema.TypeBookmark) {
			t.Fatalf("bookmark upload %d throttled", i)
		}
	}
}

func TestShouldUpload_Monotonic(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		delta    time.Duration
		want     int
	}{
		{"delta below interval", 10 * time.Second, 9 * time.Second, 1},
		{"delta equal to interval", 10 * time.Second, 10 * time.Second, 2},
		{"delta above interval", 10 * time.Second, 11 * time.Second, 2},
		{"zero interval", 0, 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Now()}
			th := New(map[schema.RecordType]time.Duration{schema.TypeFavorite: tt.interval})
			th.SetClock(clock.now)

			uploads := 0
			if th.ShouldUpload(schema.TypeFavorite) {
				uploads++
			}
			clock.advance(tt.delta)
			if th.ShouldUpload(schema.TypeFavorite) {
				uploads++
			}
			if uploads != tt.want {
				t.Errorf("got %d uploads, want %d", uploads, tt.want)
			}
		})
	}
}

func TestShouldUpload_IndependentTypes(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	th := New(DefaultIntervals())
	th.SetClock(clock.now)

	th.ShouldUpload(schema.TypeSessionProgress)
	if !th.ShouldUpload(schema.TypeFavorite) {
		t.Error("favorite throttled by progress upload")
	}

	th.Reset()
	if !th.ShouldUpload(schema.TypeSessionProgress) {
		t.Error("upload throttled after Reset")
	}
}
