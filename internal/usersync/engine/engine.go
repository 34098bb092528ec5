package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/lane"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
	"github.com/confcore/usersync/internal/usersync/syncobject"
	"github.com/confcore/usersync/internal/usersync/throttle"
)

// Phase is the engine's lifecycle state.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseWaitingForAccount
	PhaseRunning
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingForAccount:
		return "waiting-for-account"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	}
	return "stopped"
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is what the engine publishes to subscribers.
type State struct {
	Phase                     Phase `json:"phase"`
	IsRunning                 bool  `json:"isRunning"`
	IsAccountAvailable        bool  `json:"isAccountAvailable"`
	IsPerformingSyncOperation bool  `json:"isPerformingSyncOperation"`
}

// StopMode selects how much state Stop discards.
type StopMode int

const (
	// StopGraceful keeps the cursor, tombstones and system fields so the
	// next start resumes incrementally.
	StopGraceful StopMode = iota
	// StopHarsh also clears the cursor, the bootstrap flags, the tombstone
	// set and every local system field.
	StopHarsh
)

// Config holds engine settings.
type Config struct {
	Zone           remote.ZoneID
	SubscriptionID string

	// MinRetryDelay and MaxRetryDelay bound the backoff between retries of
	// failed remote operations.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// ThrottleIntervals overrides the registry's per-type upload intervals.
	ThrottleIntervals map[schema.RecordType]time.Duration

	// Registry defaults to syncobject.DefaultRegistry().
	Registry *syncobject.Registry

	Logger *log.Logger
}

// DefaultConfig returns the configuration for the user data zone.
func DefaultConfig() Config {
	rc := remote.DefaultConfig()
	return Config{
		Zone:           rc.Zone,
		SubscriptionID: rc.SubscriptionID,
		MinRetryDelay:  rc.MinRetryDelay,
		MaxRetryDelay:  rc.MaxRetryDelay,
	}
}

// Engine synchronizes local user data with the remote store.
type Engine struct {
	db       *db.DB
	meta     *metadata.Store
	store    remote.Store
	registry *syncobject.Registry
	throttle *throttle.Throttle
	config   Config
	logger   *log.Logger
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc

	main   *lane.Lane
	work   *lane.Lane
	dbLane *lane.Lane

	mu          sync.Mutex
	state       State
	generation  uint64
	session     *remote.Session
	startedOnce bool
	enabled     bool
	subscribers map[int]func(State)
	nextSubID   int

	// Owned by dbLane.
	observers []*db.ObserverToken
	pending   map[string]*pendingRecord

	nextFetchID  atomic.Uint64
	pendingCount atomic.Int64
	lastFetch    atomic.Pointer[time.Time]
}

// New creates a stopped engine. Call Start to begin syncing and Close when
// done.
func New(database *db.DB, meta *metadata.Store, store remote.Store, config Config) *Engine {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Registry == nil {
		config.Registry = syncobject.DefaultRegistry()
	}
	if config.Zone == (remote.ZoneID{}) {
		config.Zone = remote.DefaultZone()
	}
	if config.SubscriptionID == "" {
		config.SubscriptionID = remote.DefaultSubscriptionID
	}

	intervals := config.Registry.ThrottleIntervals()
	for t, d := range config.ThrottleIntervals {
		intervals[t] = d
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		db:          database,
		meta:        meta,
		store:       store,
		registry:    config.Registry,
		throttle:    throttle.New(intervals),
		config:      config,
		logger:      config.Logger,
		metrics:     newMetrics(config.Logger),
		ctx:         ctx,
		cancel:      cancel,
		main:        lane.New("main"),
		work:        lane.New("work"),
		dbLane:      lane.New("db"),
		enabled:     true,
		subscribers: make(map[int]func(State)),
		pending:     make(map[string]*pendingRecord),
	}
}

// Close stops the engine gracefully and shuts down its lanes.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.Stop(ctx, StopGraceful)
	e.work.Close()
	e.dbLane.Close()
	e.main.Close()
	e.cancel()
	return err
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn to receive every published state on the main lane,
// starting with the current one. The returned function unregisters it.
func (e *Engine) Subscribe(fn func(State)) (cancel func()) {
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = fn
	current := e.state
	e.mu.Unlock()

	e.main.Do(func() { fn(current) })

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// setPhaseLocked updates the phase and the derived running flag.
func (e *Engine) setPhaseLocked(p Phase) {
	e.state.Phase = p
	e.state.IsRunning = p == PhaseRunning
}

// publishLocked snapshots the state and delivers it on the main lane.
// Must hold e.mu.
func (e *Engine) publishLocked() {
	snapshot := e.state
	subs := make([]func(State), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.main.Do(func() {
		for _, fn := range subs {
			fn(snapshot)
		}
	})
}

// current returns the active session if gen is still current.
func (e *Engine) current(gen uint64) (*remote.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// newSessionLocked replaces the session for a new generation and returns the
// previous one, if any. Must hold e.mu. The caller retires the old session
// after releasing e.mu, since closing it reports the queue depth.
func (e *Engine) newSessionLocked() (old *remote.Session) {
	old = e.session
	e.generation++
	gen := e.generation

	e.session = remote.NewSession(e.store, e.meta, e.registry, remote.Config{
		Zone:           e.config.Zone,
		SubscriptionID: e.config.SubscriptionID,
		MinRetryDelay:  e.config.MinRetryDelay,
		MaxRetryDelay:  e.config.MaxRetryDelay,
		OnQueueDepth:   func(int) { e.queueDepthChanged(gen) },
		OnAccountChange: func(available bool) {
			e.work.Do(func() { e.accountChanged(gen, available) })
		},
		Logger: log.New(e.logger.Writer(), "[remote] ", e.logger.Flags()),
	})
	return old
}

// retire closes a replaced session and aborts its pending operations.
func retire(s *remote.Session) {
	if s == nil {
		return
	}
	s.Close()
	s.Abort()
}

func (e *Engine) queueDepthChanged(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation || e.session == nil {
		return
	}
	busy := e.session.QueueDepth() > 0
	if busy != e.state.IsPerformingSyncOperation {
		e.state.IsPerformingSyncOperation = busy
		e.publishLocked()
	}
}

// Start begins syncing: the engine waits for the account and bootstraps
// once it is available. Does nothing unless stopped or while disabled.
func (e *Engine) Start() {
	e.mu.Lock()
	e.startedOnce = true
	if !e.enabled {
		e.mu.Unlock()
		e.logger.Println("Sync is disabled, not starting")
		return
	}
	if e.state.Phase != PhaseStopped {
		e.mu.Unlock()
		return
	}

	e.logger.Println("Starting sync engine")
	old := e.newSessionLocked()
	e.setPhaseLocked(PhaseWaitingForAccount)
	e.publishLocked()
	session := e.session
	e.mu.Unlock()

	retire(old)
	session.CheckAccountAvailability()
}

// CheckAccount re-checks account availability, resuming a waiting engine
// when the account becomes available.
func (e *Engine) CheckAccount() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return
	}
	if e.state.Phase == PhaseWaitingForAccount || e.state.Phase == PhaseRunning {
		e.session.CheckAccountAvailability()
	}
}

// accountChanged runs on the work lane.
func (e *Engine) accountChanged(gen uint64, available bool) {
	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		return
	}

	if e.state.IsAccountAvailable != available {
		e.state.IsAccountAvailable = available
		e.publishLocked()
	}

	switch {
	case available && e.state.Phase == PhaseWaitingForAccount:
		e.logger.Println("Account available, bootstrapping")
		e.setPhaseLocked(PhaseRunning)
		e.publishLocked()
		e.mu.Unlock()
		e.bootstrap(gen)
		return

	case !available && e.state.Phase == PhaseRunning:
		e.logger.Println("Account no longer available, waiting")
		old := e.newSessionLocked()
		e.setPhaseLocked(PhaseWaitingForAccount)
		e.publishLocked()
		e.mu.Unlock()

		retire(old)
		_ = e.dbLane.Sync(e.detachObservers)
		return
	}
	e.mu.Unlock()
}

// Stop drains the remote operation queue, admitting no new operations, and
// detaches the database observers. StopHarsh additionally wipes the cursor,
// flags, tombstones and local system fields. Blocks the caller until the
// queue drains or ctx is done.
func (e *Engine) Stop(ctx context.Context, mode StopMode) error {
	e.mu.Lock()
	if e.state.Phase == PhaseStopped || e.state.Phase == PhaseStopping {
		e.mu.Unlock()
		if mode == StopHarsh {
			return e.clearLocalState()
		}
		return nil
	}

	e.logger.Printf("Stopping sync engine (harsh=%v)", mode == StopHarsh)
	session := e.session
	e.generation++
	e.setPhaseLocked(PhaseStopping)
	e.publishLocked()
	e.mu.Unlock()

	var drainErr error
	if session != nil {
		session.Close()
		if err := session.Drain(ctx); err != nil {
			drainErr = fmt.Errorf("failed to drain remote operations: %w", err)
			session.Abort()
		}
	}

	_ = e.dbLane.Sync(e.detachObservers)

	var clearErr error
	if mode == StopHarsh {
		clearErr = e.clearLocalState()
	}

	e.mu.Lock()
	e.session = nil
	e.state.IsPerformingSyncOperation = false
	e.setPhaseLocked(PhaseStopped)
	e.publishLocked()
	e.mu.Unlock()

	e.logger.Println("Sync engine stopped")

	if drainErr != nil {
		return drainErr
	}
	return clearErr
}

// clearLocalState wipes persisted bookkeeping and local system fields.
func (e *Engine) clearLocalState() error {
	var err error
	syncErr := e.dbLane.Sync(func() {
		for k := range e.pending {
			delete(e.pending, k)
		}
		e.pendingCount.Store(0)
		e.throttle.Reset()

		if cerr := e.meta.Clear(); cerr != nil {
			err = fmt.Errorf("failed to clear sync metadata: %w", cerr)
			return
		}
		if cerr := e.db.ClearAllSystemFields(e.ctx); cerr != nil {
			err = fmt.Errorf("failed to clear local system fields: %w", cerr)
		}
	})
	if syncErr != nil {
		return syncErr
	}
	return err
}

// SetEnabled turns syncing on or off. Enabling starts the engine only if
// Start was called before; disabling performs a harsh stop, which also
// abandons any wait for the account.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	startedOnce := e.startedOnce
	phase := e.state.Phase
	e.mu.Unlock()

	if enabled {
		if startedOnce && phase == PhaseStopped {
			e.Start()
		}
		return
	}

	// A harsh stop from the stopped phase still wipes the local state
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(ctx, StopHarsh); err != nil {
		e.logger.Printf("Failed to stop while disabling: %v", err)
	}
}

// IsEnabled reports whether syncing is enabled.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// ProcessSubscriptionNotification handles a push payload. Returns true if
// the payload belongs to the engine's subscription, in which case a fetch is
// scheduled while running.
func (e *Engine) ProcessSubscriptionNotification(payload []byte) bool {
	n, err := remote.ParseNotification(payload)
	if err != nil || n.SubscriptionID != e.config.SubscriptionID {
		return false
	}

	e.mu.Lock()
	gen := e.generation
	running := e.state.Phase == PhaseRunning
	e.mu.Unlock()

	if running {
		e.logger.Printf("Received notification for %s, fetching changes", n.SubscriptionID)
		e.work.Do(func() { e.fetchChanges(gen) })
	}
	return true
}

// FetchChanges schedules a fetch of remote changes while running.
func (e *Engine) FetchChanges() {
	e.mu.Lock()
	gen := e.generation
	running := e.state.Phase == PhaseRunning
	e.mu.Unlock()

	if running {
		e.work.Do(func() { e.fetchChanges(gen) })
	}
}

// Stats is a snapshot of engine counters for status displays.
type Stats struct {
	State         State     `json:"state"`
	PendingCount  int64     `json:"pendingCount"`
	QueueDepth    int       `json:"queueDepth"`
	LastFetchedAt time.Time `json:"lastFetchedAt,omitempty"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{State: e.state, PendingCount: e.pendingCount.Load()}
	if e.session != nil {
		st.QueueDepth = e.session.QueueDepth()
	}
	e.mu.Unlock()

	if t := e.lastFetch.Load(); t != nil {
		st.LastFetchedAt = *t
	}
	return st
}

// detachObservers runs on the db lane.
func (e *Engine) detachObservers() {
	for _, tok := range e.observers {
		tok.Invalidate()
	}
	e.observers = nil
}
