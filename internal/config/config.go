// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Automation AutomationConfig `mapstructure:"automation"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Targets    []scrape.Target  `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the rotated log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver        string         `mapstructure:"driver"`
	KeepCompleted int            `mapstructure:"keep_completed"`
	Badger        BadgerConfig   `mapstructure:"badger"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig points at the embedded store directory.
type BadgerConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational job store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// AutomationConfig bounds the per-target browser sequence.
type AutomationConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	ScrollCount    int           `mapstructure:"scroll_count"`
	ScrollInterval time.Duration `mapstructure:"scroll_interval"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// BrowserConfig configures the Chrome instance driven by chromedp.
type BrowserConfig struct {
	Headless        bool   `mapstructure:"headless"`
	ExecPath        string `mapstructure:"exec_path"`
	RemoteURL       string `mapstructure:"remote_url"`
	UserDataDir     string `mapstructure:"user_data_dir"`
	UserAgent       string `mapstructure:"user_agent"`
	ExtractHook     string `mapstructure:"extract_hook"`
	ExtractorScript string `mapstructure:"extractor_script"`
}

// ExecutorConfig paces a run.
type ExecutorConfig struct {
	InterTargetDelay time.Duration `mapstructure:"inter_target_delay"`
	PerHostRPS       float64       `mapstructure:"per_host_rps"`
	PerHostBurst     int           `mapstructure:"per_host_burst"`
}

// ProgressConfig sizes the telemetry hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// ScheduleConfig enables periodic job starts. Zero disables it.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// TracingConfig selects where job spans are shipped.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
	// Endpoint is the OTLP/HTTP collector host:port. Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string            `mapstructure:"endpoint"`
	Insecure bool              `mapstructure:"insecure"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 45*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.keep_completed", scrape.DefaultKeepCompleted)
	v.SetDefault("store.badger.path", "data/jobs")
	v.SetDefault("store.postgres.table", "scrape_jobs")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("automation.timeout", 30*time.Second)
	v.SetDefault("automation.scroll_count", 2)
	v.SetDefault("automation.scroll_interval", 4*time.Second)
	v.SetDefault("automation.settle_delay", 2*time.Second)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.extract_hook", "__groupScraperExtract")
	v.SetDefault("executor.inter_target_delay", 3*time.Second)
	v.SetDefault("executor.per_host_rps", 0)
	v.SetDefault("executor.per_host_burst", 1)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 32)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 2*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("schedule.interval", 0)
	v.SetDefault("tracing.service_name", "group-scraper")
	v.SetDefault("tracing.exporter", TraceExporterNone)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Badger.Path == "" {
			return errors.New("store.badger.path is required for the badger driver")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, badger, postgres", c.Store.Driver)
	}
	if c.Store.KeepCompleted < 0 {
		return errors.New("store.keep_completed must be >= 0")
	}
	if c.Automation.Timeout <= 0 {
		return errors.New("automation.timeout must be > 0")
	}
	if c.Automation.ScrollCount < 0 {
		return errors.New("automation.scroll_count must be >= 0")
	}
	if c.Executor.InterTargetDelay < 0 {
		return errors.New("executor.inter_target_delay must be >= 0")
	}
	if c.Executor.PerHostRPS < 0 {
		return errors.New("executor.per_host_rps must be >= 0")
	}
	if c.Schedule.Interval < 0 {
		return errors.New("schedule.interval must be >= 0")
	}
	switch c.Tracing.Exporter {
	case "", TraceExporterNone, TraceExporterStdout, TraceExporterOTLP:
	default:
		return fmt.Errorf("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter)
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" || t.URL == "" {
			return fmt.Errorf("targets[%d] needs an id and a url", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
