// Package loadtest drives the sync engine with concurrent local writers.
//
// A Fixture pairs a populated database with an in-memory remote store and a
// running engine. RunWriters measures local write latency while the engine
// uploads in the background, and WaitConverged measures how long the remote
// store takes to hold every live record.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// Fixture is a running engine over a populated catalog.
type Fixture struct {
	DB         *db.DB
	Store      *memstore.Store
	Engine     *engine.Engine
	SessionIDs []string
	Zone       remote.ZoneID
}

// LatencyStats captures write latencies from a load run.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Durations   []time.Duration
}

// NewFixture creates a database under dir with numSessions catalog sessions
// and starts an engine against a fresh in-memory store. Upload throttling
// is disabled so runs measure the engine rather than the throttle.
func NewFixture(dir string, numSessions int, logger *log.Logger) (*Fixture, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	database, err := db.Open(filepath.Join(dir, "usersync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	f := &Fixture{DB: database, Store: memstore.New(), SessionIDs: make([]string, numSessions)}
	sessions := make([]*schema.Session, numSessions)
	for i := range sessions {
		id := fmt.Sprintf("wwdc%d-%03d", 2019+i%5, 100+i)
		f.SessionIDs[i] = id
		sessions[i] = &schema.Session{ID: id, Title: fmt.Sprintf("Session %d", i), Year: 2019 + i%5, Duration: 1800}
	}
	if err := database.UpsertSessions(sessions); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to populate catalog: %w", err)
	}

	meta, err := metadata.Open(dir)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.MinRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 100 * time.Millisecond
	cfg.ThrottleIntervals = make(map[schema.RecordType]time.Duration)
	for _, typ := range schema.AllRecordTypes() {
		cfg.ThrottleIntervals[typ] = 0
	}
	cfg.Logger = logger
	f.Zone = cfg.Zone

	f.Engine = engine.New(database, meta, f.Store, cfg)
	f.Engine.Start()

	deadline := time.Now().Add(10 * time.Second)
	for f.Engine.State().Phase != engine.PhaseRunning {
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("engine did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return f, nil
}

// Close stops the engine and closes the database.
func (f *Fixture) Close() error {
	engineErr := f.Engine.Close()
	if err := f.DB.Close(); err != nil {
		return err
	}
	return engineErr
}

// RunWriters starts numWriters goroutines that each save writesPerWriter
// records, mixing bookmarks, favorites and progress updates.
func (f *Fixture) RunWriters(ctx context.Context, numWriters, writesPerWriter int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			// Deterministic per writer for reproducible runs
			rng := rand.New(rand.NewSource(int64(42 + writerID)))
			durations := make([]time.Duration, 0, writesPerWriter)

			for j := 0; j < writesPerWriter; j++ {
				rec := f.nextRecord(rng, writerID, j)

				start := time.Now()
				err := f.DB.SaveRecord(ctx, rec)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					break
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	errorCount := 0
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no writes completed: %w", firstErr)
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// nextRecord picks a record to write: half bookmarks, a quarter favorites,
// a quarter progress records.
func (f *Fixture) nextRecord(rng *rand.Rand, writerID, n int) schema.Record {
	session := f.SessionIDs[rng.Intn(len(f.SessionIDs))]
	switch rng.Intn(4) {
	case 0, 1:
		return schema.NewBookmark(session, fmt.Sprintf("writer %d note %d", writerID, n), rng.Float64()*1800)
	case 2:
		return schema.NewFavorite(session)
	default:
		pos := rng.Float64() * 1800
		return schema.NewSessionProgress(session, pos, pos/1800)
	}
}

// LiveRecords counts live local records across every type.
func (f *Fixture) LiveRecords(ctx context.Context) (int, error) {
	total := 0
	for _, typ := range schema.AllRecordTypes() {
		n, err := f.DB.CountContext(ctx, typ)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// WaitConverged blocks until every live local record has been uploaded and
// the remote store holds as many records, then returns the time it took.
func (f *Fixture) WaitConverged(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	want, err := f.LiveRecords(ctx)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if f.converged(ctx, want) {
			return time.Since(start), nil
		}
		select {
		case <-ctx.Done():
			return time.Since(start), fmt.Errorf("remote holds %d of %d records: %w",
				len(f.Store.Records(f.Zone)), want, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f *Fixture) converged(ctx context.Context, want int) bool {
	if len(f.Store.Records(f.Zone)) < want {
		return false
	}
	for _, typ := range schema.AllRecordTypes() {
		fresh, err := f.DB.ListContext(ctx, typ, db.ListFilter{NeverUploaded: true})
		if err != nil || len(fresh) > 0 {
			return false
		}
	}
	return true
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// Fprint writes the statistics in a fixed layout.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Write Latency:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
