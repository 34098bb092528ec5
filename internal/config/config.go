// Package config provides configuration management for usersync.
// It layers a YAML configuration file, USERSYNC_* environment variables and
// command-line flags over built-in defaults using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides: USERSYNC_<SECTION>_<KEY>.
const EnvPrefix = "USERSYNC"

// FileName is the base name of the configuration file.
const FileName = "usersync.yaml"

// Config represents the complete usersync configuration.
type Config struct {
	// DataDir holds the database, the bookkeeping file and the catalog
	DataDir string `mapstructure:"data_dir"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// RemoteConfig configures the remote store client.
type RemoteConfig struct {
	// URL of an httpstore server. Empty runs against an in-process store.
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ZoneOwner      string        `mapstructure:"zone_owner"`
	ZoneName       string        `mapstructure:"zone_name"`
	SubscriptionID string        `mapstructure:"subscription_id"`
	MinRetryDelay  time.Duration `mapstructure:"min_retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`

	// FetchInterval is how often the daemon fetches without a push
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	// AccountPollInterval is how often account availability is re-checked
	AccountPollInterval time.Duration `mapstructure:"account_poll_interval"`
	// Throttle overrides per-type upload intervals, keyed by record type
	Throttle map[string]time.Duration `mapstructure:"throttle"`
}

// CatalogConfig configures the catalog directory watcher.
type CatalogConfig struct {
	// Dir holds sessions/*.json|yaml. Relative paths resolve against DataDir.
	Dir              string        `mapstructure:"dir"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
}

// DashboardConfig configures the dashboard WebSocket server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ServerConfig configures `usersync remote serve`.
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

// LogConfig configures logging.
type LogConfig struct {
	// File enables rotating file output. Empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Enabled:             true,
			ZoneOwner:           "__defaultOwner__",
			ZoneName:            "WWDCV6",
			SubscriptionID:      "wwdcv6-private-changes",
			MinRetryDelay:       time.Second,
			MaxRetryDelay:       5 * time.Minute,
			FetchInterval:       15 * time.Minute,
			AccountPollInterval: time.Minute,
			Throttle:            map[string]time.Duration{},
		},
		Catalog: CatalogConfig{
			Dir:              "sessions",
			DebounceInterval: 250 * time.Millisecond,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    7717,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7718",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "usersync",
			Environment: "development",
		},
	}
}

// DefaultDataDir returns the per-user data directory, falling back to
// ./.usersync when the user config directory is unknown.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".usersync"
	}
	return filepath.Join(dir, "usersync")
}

// CatalogDir returns the catalog directory resolved against DataDir.
func (c *Config) CatalogDir() string {
	if filepath.IsAbs(c.Catalog.Dir) {
		return c.Catalog.Dir
	}
	return filepath.Join(c.DataDir, c.Catalog.Dir)
}

// DatabasePath returns the path of the local database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "usersync.db")
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Sync.ZoneName == "" {
		return errors.New("sync.zone_name is required")
	}
	if c.Sync.MinRetryDelay <= 0 || c.Sync.MaxRetryDelay < c.Sync.MinRetryDelay {
		return fmt.Errorf("invalid retry delays: min %v, max %v", c.Sync.MinRetryDelay, c.Sync.MaxRetryDelay)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard port %d", c.Dashboard.Port)
	}
	for typ, d := range c.Sync.Throttle {
		if d < 0 {
			return fmt.Errorf("negative throttle interval for %s", typ)
		}
	}
	return nil
}

// Options controls where Load looks for settings.
type Options struct {
	// File is an explicit config file. When empty, usersync.yaml is looked
	// up in the working directory and the default data directory.
	File string

	// Flags are bound by name: a flag "data-dir" overrides key "data_dir"
	// and "dashboard-port" overrides "dashboard.port".
	Flags *pflag.FlagSet
}

// Load reads the configuration. A missing config file is not an error.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Sync.Throttle == nil {
		cfg.Sync.Throttle = map[string]time.Duration{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("sync.enabled", d.Sync.Enabled)
	v.SetDefault("sync.zone_owner", d.Sync.ZoneOwner)
	v.SetDefault("sync.zone_name", d.Sync.ZoneName)
	v.SetDefault("sync.subscription_id", d.Sync.SubscriptionID)
	v.SetDefault("sync.min_retry_delay", d.Sync.MinRetryDelay)
	v.SetDefault("sync.max_retry_delay", d.Sync.MaxRetryDelay)
	v.SetDefault("sync.fetch_interval", d.Sync.FetchInterval)
	v.SetDefault("sync.account_poll_interval", d.Sync.AccountPollInterval)
	v.SetDefault("sync.throttle", d.Sync.Throttle)

	v.SetDefault("catalog.dir", d.Catalog.Dir)
	v.SetDefault("catalog.debounce_interval", d.Catalog.DebounceInterval)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.token", d.Server.Token)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
}

// bindFlags binds every flag whose name maps onto a known key. Known keys
// are the defaults registered before binding, so a variable in the
// environment never redirects a flag.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	known := make(map[string]bool)
	for _, k := range v.AllKeys() {
		known[k] = true
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := flagKey(known, f.Name)
		if key == "" {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

// flagKey maps a flag name to a config key: "dashboard-port" ->
// "dashboard.port", "data-dir" -> "data_dir". The sectioned key is
// preferred. Returns "" for unknown names.
func flagKey(known map[string]bool, name string) string {
	flat := strings.ReplaceAll(name, "-", "_")
	if section, rest, ok := strings.Cut(flat, "_"); ok {
		if key := section + "." + rest; known[key] {
			return key
		}
	}
	if known[flat] {
		return flat
	}
	return ""
}
