package daemon

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/confcore/usersync/internal/config"
	"github.com/confcore/usersync/internal/logging"
	"github.com/confcore/usersync/internal/usersync/dashboard"
	"github.com/confcore/usersync/internal/usersync/db"
	"github.com/confcore/usersync/internal/usersync/engine"
	"github.com/confcore/usersync/internal/usersync/metadata"
	"github.com/confcore/usersync/internal/usersync/remote"
	"github.com/confcore/usersync/internal/usersync/remote/httpstore"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
	"github.com/confcore/usersync/internal/usersync/schema"
)

// Host owns a daemon together with the resources Open created for it.
type Host struct {
	*Daemon

	db *db.DB
}

// Close stops the daemon and closes the database.
func (h *Host) Close() error {
	return errors.Join(h.Daemon.Stop(), h.db.Close())
}

// Open builds a daemon from cfg: it opens the database and metadata store
// under cfg.DataDir and connects to cfg.Remote.URL, or to an in-process
// store when no URL is set.
func Open(cfg *config.Config, logs *logging.Factory) (*Host, error) {
	if logs == nil {
		logs = logging.Discard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	meta, err := metadata.Open(cfg.DataDir)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	store, err := OpenStore(cfg.Remote, logs.Logger("remote"))
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	dc, err := Configure(cfg, logs)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	d, err := New(database, meta, store, dc)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return &Host{Daemon: d, db: database}, nil
}

// OpenStore returns an httpstore client for rc.URL, or an in-memory store
// when rc.URL is empty.
func OpenStore(rc config.RemoteConfig, logger *log.Logger) (remote.Store, error) {
	if rc.URL == "" {
		logger.Println("No remote URL configured, using in-process store")
		return memstore.New(), nil
	}
	client, err := httpstore.NewClient(httpstore.ClientConfig{
		BaseURL: rc.URL,
		Token:   rc.Token,
		Timeout: rc.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}
	return client, nil
}

// Configure translates cfg into a daemon Config.
func Configure(cfg *config.Config, logs *logging.Factory) (*Config, error) {
	if logs == nil {
		logs = logging.Discard()
	}

	throttle := make(map[schema.RecordType]time.Duration, len(cfg.Sync.Throttle))
	for name, d := range cfg.Sync.Throttle {
		typ, err := schema.ParseRecordType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid sync.throttle entry: %w", err)
		}
		throttle[typ] = d
	}

	ec := engine.DefaultConfig()
	ec.Zone = remote.ZoneID{Owner: cfg.Sync.ZoneOwner, Name: cfg.Sync.ZoneName}
	ec.SubscriptionID = cfg.Sync.SubscriptionID
	ec.MinRetryDelay = cfg.Sync.MinRetryDelay
	ec.MaxRetryDelay = cfg.Sync.MaxRetryDelay
	if len(throttle) > 0 {
		ec.ThrottleIntervals = throttle
	}
	ec.Logger = logs.Logger("engine")

	dc := &Config{
		CatalogDir:          cfg.CatalogDir(),
		Engine:              ec,
		Enabled:             cfg.Sync.Enabled,
		FetchInterval:       cfg.Sync.FetchInterval,
		AccountPollInterval: cfg.Sync.AccountPollInterval,
		DebounceInterval:    cfg.Catalog.DebounceInterval,
		Logger:              logs.Logger("daemon"),
	}
	if cfg.Dashboard.Enabled {
		dc.Dashboard = &dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logs.Logger("dashboard"),
		}
	}
	return dc, nil
}
