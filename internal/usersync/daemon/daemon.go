// Package daemon provides the host process that keeps the sync engine running.
//
// The daemon:
//  1. Imports the catalog directory into the local sessions table
//  2. Starts the sync engine and keeps account availability fresh
//  3. Fetches remote changes periodically and on push notifications
//  4. Watches the catalog directory and re-imports changed files
//  5. Serves the dashboard, when enabled
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/confcore/usersync/internal/usersync/dashboard"
	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/schema"
	"github.com/confcore/usersync/internal/usersync/service"
)

// Config holds configuration for the daemon.
type Config struct {
	// CatalogDir holds the catalog session files
	CatalogDir string

	// Engine configures the sync engine
	Engine engine.Config

	// Enabled is the initial engine enablement
	Enabled bool

	// FetchInterval is how often to fetch without a push notification
	FetchInterval time.Duration

	// AccountPollInterval is how often to re-check account availability
	AccountPollInterval time.Duration

	// DebounceInterval is how long a catalog file must stay quiet before
	// it is imported
	DebounceInterval time.Duration

	// Dashboard enables the dashboard server when non-nil
	Dashboard *dashboard.Config

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(catalogDir string) *Config {
	return &Config{
		CatalogDir:          catalogDir,
		Engine:              engine.DefaultConfig(),
		Enabled:             true,
		FetchInterval:       15 * time.Minute,
		AccountPollInterval: time.Minute,
		DebounceInterval:    250 * time.Millisecond,
		Logger:              log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// PushListener is implemented by remote stores that stream push payloads
// until ctx is done, such as httpstore.Client.
type PushListener interface {
	Listen(ctx context.Context, fn func(payload []byte)) error
}

// PushNotifier is implemented by in-process stores that call back with
// push payloads, such as memstore.Store.
type PushNotifier interface {
	Listen(fn func(payload []byte)) (cancel func())
}

// Daemon runs the sync engine and its surrounding host duties.
type Daemon struct {
	db      *db.DB
	meta    *metadata.Store
	store   remote.Store
	config  *Config
	logger  *log.Logger
	engine  *engine.Engine
	service *service.Service
	watcher *CatalogWatcher

	dashboard *dashboard.Server
	handler   *dashboard.Handler

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// New creates a daemon around an open database, metadata store and remote
// store. Use Start to begin.
func New(database *db.DB, meta *metadata.Store, store remote.Store, config *Config) (*Daemon, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.CatalogDir == "" {
		return nil, fmt.Errorf("catalog directory cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 250 * time.Millisecond
	}

	watcher, err := NewCatalogWatcher()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		db:          database,
		meta:        meta,
		store:       store,
		config:      config,
		logger:      config.Logger,
		engine:      engine.New(database, meta, store, config.Engine),
		service:     service.New(config.Logger),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}

	d.service.Handle(service.KindFetch, func(ctx context.Context, item service.WorkItem) error {
		d.engine.FetchChanges()
		return nil
	})
	d.service.Handle(service.KindCheckAccount, func(ctx context.Context, item service.WorkItem) error {
		d.engine.CheckAccount()
		return nil
	})
	d.service.Handle(service.KindCommitPendingContent, func(ctx context.Context, item service.WorkItem) error {
		d.engine.CommitPendingContent()
		return nil
	})
	d.service.Handle(service.KindImportCatalog, d.importCatalog)

	if config.Dashboard != nil {
		dc := *config.Dashboard
		dc.Requester = d.service
		d.dashboard = dashboard.NewServer(&dc)
		d.handler = dashboard.NewHandler(d.dashboard, d.engine, dc.Logger)
	}

	return d, nil
}

// Engine returns the sync engine.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Service returns the work item service.
func (d *Daemon) Service() *service.Service {
	return d.service
}

// Dashboard returns the dashboard server, or nil when disabled.
func (d *Daemon) Dashboard() *dashboard.Server {
	return d.dashboard
}

// Start begins the daemon's operation and blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.CatalogDir, 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.ctx, d.cancel = runCtx, cancel
	group, gctx := errgroup.WithContext(runCtx)
	d.group = group

	if err := d.service.Request(ctx, service.WorkItem{Kind: service.KindImportCatalog}); err != nil {
		cancel()
		return fmt.Errorf("initial catalog import failed: %w", err)
	}

	if err := d.watcher.Start(d.config.CatalogDir); err != nil {
		cancel()
		return err
	}
	d.logger.Printf("Watching catalog: %s", d.config.CatalogDir)

	if d.dashboard != nil {
		if err := d.dashboard.Start(); err != nil {
			cancel()
			_ = d.watcher.Stop()
			return err
		}
		unsubscribe := d.engine.Subscribe(d.handler.OnState)
		events, unsubscribeEvents := d.service.Subscribe(64)
		group.Go(func() error {
			defer unsubscribe()
			defer unsubscribeEvents()
			d.handler.Forward(gctx, events)
			return nil
		})
	}

	d.engine.SetEnabled(d.config.Enabled)
	d.engine.Start()

	group.Go(func() error { d.watchFileEvents(gctx); return nil })
	group.Go(func() error { d.processChangeQueue(gctx); return nil })
	group.Go(func() error {
		d.every(gctx, d.config.AccountPollInterval, service.WorkItem{Kind: service.KindCheckAccount})
		return nil
	})
	group.Go(func() error {
		d.every(gctx, d.config.FetchInterval, service.WorkItem{Kind: service.KindFetch})
		return nil
	})
	group.Go(func() error { d.listenForPushes(gctx); return nil })

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-runCtx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")

		if d.cancel != nil {
			d.cancel()
		}

		var errs []error
		if err := d.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
		if d.group != nil {
			errs = append(errs, d.group.Wait())
		}

		d.service.Close()
		errs = append(errs, d.engine.Close())

		if d.dashboard != nil && d.ctx != nil {
			errs = append(errs, d.dashboard.Stop())
		}

		d.stopErr = errors.Join(errs...)
		d.logger.Println("Daemon stopped")
	})
	return d.stopErr
}

// importCatalog imports one session file (item.Key) or the whole catalog
// directory (empty key), then lets the engine retry records waiting for
// content. Removed files leave their sessions in place.
func (d *Daemon) importCatalog(ctx context.Context, item service.WorkItem) error {
	start := time.Now()

	var sessions []*schema.Session
	files := 1
	if item.Key == "" {
		all, err := schema.ReadAllSessionFiles(d.config.CatalogDir)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		sessions = all
		files = countSessionFiles(d.config.CatalogDir)
	} else {
		if _, err := os.Stat(item.Key); os.IsNotExist(err) {
			d.logger.Printf("Catalog file removed: %s (sessions kept)", item.Key)
			return nil
		}
		parsed, err := schema.ReadSessionFile(item.Key)
		if err != nil {
			return err
		}
		sessions = parsed
	}

	if len(sessions) == 0 {
		return nil
	}

	if err := d.db.UpsertSessionsContext(ctx, sessions); err != nil {
		return fmt.Errorf("failed to import sessions: %w", err)
	}
	d.logger.Printf("Imported %d sessions", len(sessions))

	d.engine.CommitPendingContent()

	if d.handler != nil {
		d.handler.OnCatalogImport(len(sessions), files, time.Since(start))
	}
	return nil
}

func countSessionFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && schema.IsSessionFile(e.Name()) {
			n++
		}
	}
	return n
}

// watchFileEvents queues catalog file events for debounced import.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Printf("Catalog event: %s %s", event.Op, event.Path)
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue imports files once they have been quiet for the
// debounce interval.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for _, path := range d.readyChanges() {
				err := d.service.Request(ctx, service.WorkItem{Kind: service.KindImportCatalog, Key: path})
				if err != nil && ctx.Err() == nil {
					d.logger.Printf("Error importing %s: %v", path, err)
				}
			}
		}
	}
}

func (d *Daemon) readyChanges() []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	return ready
}

// every requests item on each tick. A non-positive interval disables it.
func (d *Daemon) every(ctx context.Context, interval time.Duration, item service.WorkItem) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.service.Request(ctx, item); err != nil && ctx.Err() == nil {
				d.logger.Printf("Error running %s: %v", item.ID(), err)
			}
		}
	}
}

func (d *Daemon) onPush(payload []byte) {
	if !d.engine.ProcessSubscriptionNotification(payload) {
		d.logger.Printf("Ignoring push notification for another subscription")
	}
}

// listenForPushes feeds push payloads to the engine, reconnecting with
// backoff when a streaming store drops the connection.
func (d *Daemon) listenForPushes(ctx context.Context) {
	switch s := d.store.(type) {
	case PushListener:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = time.Minute

		for {
			connected := time.Now()
			err := s.Listen(ctx, d.onPush)
			if ctx.Err() != nil {
				return
			}
			if time.Since(connected) > time.Minute {
				b.Reset()
			}

			delay := b.NextBackOff()
			d.logger.Printf("Push stream lost: %v (reconnecting in %v)", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			// Pushes may have been missed while disconnected
			d.engine.FetchChanges()
		}

	case PushNotifier:
		cancel := s.Listen(d.onPush)
		<-ctx.Done()
		cancel()
	}
}
