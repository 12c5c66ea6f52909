package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	// Polling windows may name any IANA zone, including in minimal images.
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ESERVICE_MONITOR_"

// Config captures the settings required to boot the monitor.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Probing    ProbingConfig    `yaml:"probing"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Cache      CacheConfig      `yaml:"cache"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP, admin gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	AdminAddress    string        `yaml:"adminAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

// StorageConfig points at the SQLite database.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// ProbingConfig drives admission, classification and the probe scheduler.
type ProbingConfig struct {
	ToleranceMultiplier        int           `yaml:"toleranceMultiplier"`
	TimeoutThresholdMultiplier int           `yaml:"timeoutThresholdMultiplier"`
	Schedule                   string        `yaml:"schedule"`
	PageSize                   int           `yaml:"pageSize"`
	MaxWorkers                 int           `yaml:"maxWorkers"`
	ProbeTimeout               time.Duration `yaml:"probeTimeout"`
	// Location is the IANA zone polling windows are expressed in.
	Location string `yaml:"location"`
}

// StatisticsConfig tunes the telemetry aggregation.
type StatisticsConfig struct {
	MaxMonthsFactor      int           `yaml:"maxMonthsFactor"`
	PerformanceTolerance int           `yaml:"performanceTolerance"`
	FailureTolerance     int           `yaml:"failureTolerance"`
	DefaultRange         time.Duration `yaml:"defaultRange"`
	MaxRangeDays         int           `yaml:"maxRangeDays"`
}

// CacheConfig controls Valkey-backed caching of statistics responses.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	TLS           bool          `yaml:"tls"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	IOTimeout     time.Duration `yaml:"ioTimeout"`
	PoolSize      int           `yaml:"poolSize"`
	StatisticsTTL time.Duration `yaml:"statisticsTTL"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"serviceName"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			AdminAddress:    ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			RequestTimeout:  15 * time.Second,
		},
		Storage: StorageConfig{DSN: "file:eservice-monitor.db"},
		Probing: ProbingConfig{
			ToleranceMultiplier:        2,
			TimeoutThresholdMultiplier: 2,
			Schedule:                   "@every 1m",
			PageSize:                   100,
			MaxWorkers:                 16,
			ProbeTimeout:               10 * time.Second,
			Location:                   "UTC",
		},
		Statistics: StatisticsConfig{
			MaxMonthsFactor:      12,
			PerformanceTolerance: 3,
			FailureTolerance:     3,
			DefaultRange:         24 * time.Hour,
			MaxRangeDays:         366,
		},
		Cache: CacheConfig{
			KeyPrefix:     "eservice-monitor:",
			DialTimeout:   2 * time.Second,
			IOTimeout:     500 * time.Millisecond,
			PoolSize:      4,
			StatisticsTTL: 5 * time.Minute,
		},
		Tracing: TracingConfig{ServiceName: "eservice-monitor"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate rejects settings the engine cannot work with.
func (c *Config) Validate() error {
	var problems []string
	positive := map[string]int{
		"probing.toleranceMultiplier":        c.Probing.ToleranceMultiplier,
		"probing.timeoutThresholdMultiplier": c.Probing.TimeoutThresholdMultiplier,
		"probing.pageSize":                   c.Probing.PageSize,
		"probing.maxWorkers":                 c.Probing.MaxWorkers,
		"statistics.maxMonthsFactor":         c.Statistics.MaxMonthsFactor,
		"statistics.performanceTolerance":    c.Statistics.PerformanceTolerance,
		"statistics.failureTolerance":        c.Statistics.FailureTolerance,
		"statistics.maxRangeDays":            c.Statistics.MaxRangeDays,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] < 1 {
			problems = append(problems, fmt.Sprintf("%s must be at least 1, got %d", name, positive[name]))
		}
	}
	if c.Statistics.DefaultRange <= 0 {
		problems = append(problems, "statistics.defaultRange must be positive")
	}
	if c.Storage.DSN == "" {
		problems = append(problems, "storage.dsn is required")
	}
	if c.Probing.Schedule == "" {
		problems = append(problems, "probing.schedule is required")
	}
	if _, err := time.LoadLocation(c.Probing.Location); err != nil {
		problems = append(problems, fmt.Sprintf("probing.location: %v", err))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		problems = append(problems, "cache.addr is required when cache is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PollingLocation resolves Probing.Location, falling back to UTC.
func (c *Config) PollingLocation() *time.Location {
	loc, err := time.LoadLocation(c.Probing.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	str("ADMIN_ADDRESS", &cfg.Server.AdminAddress)
	str("METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	duration("GRACEFUL_TIMEOUT", &cfg.Server.GracefulTimeout)
	duration("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)

	str("STORAGE_DSN", &cfg.Storage.DSN)

	integer("TOLERANCE_MULTIPLIER", &cfg.Probing.ToleranceMultiplier)
	integer("TIMEOUT_THRESHOLD_MULTIPLIER", &cfg.Probing.TimeoutThresholdMultiplier)
	str("SCHEDULE", &cfg.Probing.Schedule)
	integer("PAGE_SIZE", &cfg.Probing.PageSize)
	integer("MAX_WORKERS", &cfg.Probing.MaxWorkers)
	duration("PROBE_TIMEOUT", &cfg.Probing.ProbeTimeout)
	str("LOCATION", &cfg.Probing.Location)

	integer("MAX_MONTHS_FACTOR", &cfg.Statistics.MaxMonthsFactor)
	integer("PERFORMANCE_TOLERANCE", &cfg.Statistics.PerformanceTolerance)
	integer("FAILURE_TOLERANCE", &cfg.Statistics.FailureTolerance)
	duration("DEFAULT_RANGE", &cfg.Statistics.DefaultRange)
	integer("MAX_RANGE_DAYS", &cfg.Statistics.MaxRangeDays)

	boolean("CACHE_ENABLED", &cfg.Cache.Enabled)
	str("CACHE_ADDR", &cfg.Cache.Addr)
	str("CACHE_USERNAME", &cfg.Cache.Username)
	str("CACHE_PASSWORD", &cfg.Cache.Password)
	integer("CACHE_DB", &cfg.Cache.DB)
	boolean("CACHE_TLS", &cfg.Cache.TLS)
	duration("CACHE_STATISTICS_TTL", &cfg.Cache.StatisticsTTL)

	str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	boolean("OTLP_INSECURE", &cfg.Tracing.Insecure)

	str("LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	return errors.Join(errs...)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
