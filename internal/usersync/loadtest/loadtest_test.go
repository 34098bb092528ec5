package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

// TestNewFixture verifies that the fixture starts an engine over a populated catalog.
func TestNewFixture(t *testing.T) {
	f, err := NewFixture(t.TempDir(), 20, nil)
	if err != nil {
		t.Fatalf("NewFixture() failed: %v", err)
	}
	defer f.Close()

	if len(f.SessionIDs) != 20 {
		t.Errorf("Expected 20 sessions, got %d", len(f.SessionIDs))
	}
	sessions, err := f.DB.ListSessionsContext(context.Background())
	if err != nil {
		t.Fatalf("ListSessionsContext() failed: %v", err)
	}
	if len(sessions) != 20 {
		t.Errorf("Expected 20 catalog sessions, got %d", len(sessions))
	}
}

// TestRunWriters_Converges verifies that concurrent writes all reach the remote store.
func TestRunWriters_Converges(t *testing.T) {
	f, err := NewFixture(t.TempDir(), 20, nil)
	if err != nil {
		t.Fatalf("NewFixture() failed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := f.RunWriters(ctx, 5, 10)
	if err != nil {
		t.Fatalf("RunWriters() failed: %v", err)
	}
	if stats.TotalWrites != 50 {
		t.Errorf("Expected 50 writes, got %d", stats.TotalWrites)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected no errors, got %d", stats.Errors)
	}

	elapsed, err := f.WaitConverged(ctx)
	if err != nil {
		t.Fatalf("WaitConverged() failed: %v", err)
	}
	if n := len(f.Store.Records(f.Zone)); n != 50 {
		t.Errorf("Expected 50 remote records, got %d", n)
	}

	t.Logf("Converged in %v, write p95 %v", elapsed, stats.P95)
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 1ms/100ms", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.TotalWrites != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestLatencyStats_Fprint(t *testing.T) {
	var buf bytes.Buffer
	computeLatencyStats([]time.Duration{time.Millisecond}).Fprint(&buf)
	if !strings.Contains(buf.String(), "Total Writes:  1") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
