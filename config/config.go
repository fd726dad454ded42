/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file (optional)
  3. BAKEHOUSE_* environment variables
  4. command-line flags, applied by cmd/server

ENVIRONMENT:
  BAKEHOUSE_PORT               server.port
  BAKEHOUSE_DB_DRIVER          store.driver (memory | sqlite | postgres)
  BAKEHOUSE_DB_PATH            store.path (sqlite)
  BAKEHOUSE_DATABASE_URL       store.dsn (postgres)
  BAKEHOUSE_TIMEZONE           cutoff.timezone
  BAKEHOUSE_LOG_LEVEL          log.level
  BAKEHOUSE_SCHEDULER_ENABLED  scheduler.enabled

EXAMPLE:
  server:
    port: 8080
  store:
    driver: sqlite
    path: ./data/bakehouse.db
  cutoff:
    timezone: Europe/Brussels
    hour: 18
    days_before:
      tuesday: 2
      friday: 2
  scheduler:
    sweep_interval: 5m
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/capacity"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cutoff    CutoffConfig    `yaml:"cutoff"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// CutoffConfig is the ordering deadline rule: Hour:Minute in Timezone,
// DaysBefore[weekday] days before the bake (DefaultDaysBefore otherwise).
type CutoffConfig struct {
	Timezone          string         `yaml:"timezone"`
	Hour              int            `yaml:"hour"`
	Minute            int            `yaml:"minute"`
	DaysBefore        map[string]int `yaml:"days_before"`
	DefaultDaysBefore int            `yaml:"default_days_before"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type CapacityConfig struct {
	LockTimeout        time.Duration `yaml:"lock_timeout"`
	AllocationDeadline time.Duration `yaml:"allocation_deadline"`
	Retry              RetryConfig   `yaml:"retry"`
}

type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retry         RetryConfig   `yaml:"retry"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Defaults mirrors the built-in behaviour of every component.
func Defaults() Config {
	mgr := capacity.DefaultManagerConfig()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Store: StoreConfig{Driver: DriverSQLite, Path: "bakehouse.db"},
		Cutoff: CutoffConfig{
			Timezone:          bakeday.DefaultTimezone,
			Hour:              18,
			DaysBefore:        map[string]int{"tuesday": 2, "friday": 2},
			DefaultDaysBefore: 1,
		},
		Capacity: CapacityConfig{
			LockTimeout:        mgr.LockTimeout,
			AllocationDeadline: mgr.AllocationDeadline,
			Retry: RetryConfig{
				MaxAttempts: mgr.Retry.MaxAttempts,
				BaseDelay:   mgr.Retry.BaseDelay,
				MaxDelay:    mgr.Retry.MaxDelay,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepInterval: 5 * time.Minute,
			Retry:         RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("BAKEHOUSE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BAKEHOUSE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_DB_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_DB_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_DATABASE_URL"); ok {
		c.Store.DSN = v
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_TIMEZONE"); ok {
		c.Cutoff.Timezone = v
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("BAKEHOUSE_SCHEDULER_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BAKEHOUSE_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = enabled
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path required for sqlite"))
		}
	case DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if _, err := c.CutoffPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Capacity.LockTimeout <= 0 {
		errs = append(errs, errors.New("capacity.lock_timeout must be positive"))
	}
	if c.Capacity.AllocationDeadline < c.Capacity.LockTimeout {
		errs = append(errs, errors.New("capacity.allocation_deadline must be at least lock_timeout"))
	}
	errs = append(errs, c.Capacity.Retry.validate("capacity.retry")...)
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler.sweep_interval must be positive"))
	}
	errs = append(errs, c.Scheduler.Retry.validate("scheduler.retry")...)
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func (r RetryConfig) validate(prefix string) []error {
	var errs []error
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s.max_attempts must be at least 1", prefix))
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("%s: need 0 < base_delay <= max_delay", prefix))
	}
	return errs
}

func (r RetryConfig) Capacity() capacity.RetryConfig {
	return capacity.RetryConfig{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// =============================================================================
// COMPONENT CONFIG
// =============================================================================

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// CutoffPolicy builds the bake day cutoff rules.
func (c Config) CutoffPolicy() (bakeday.CutoffPolicy, error) {
	p, err := bakeday.NewCutoffPolicy(c.Cutoff.Timezone, c.Cutoff.Hour, c.Cutoff.Minute)
	if err != nil {
		return bakeday.CutoffPolicy{}, fmt.Errorf("cutoff: %w", err)
	}
	if c.Cutoff.DefaultDaysBefore < 1 {
		return bakeday.CutoffPolicy{}, errors.New("cutoff.default_days_before must be at least 1")
	}
	p.DefaultDaysBefore = c.Cutoff.DefaultDaysBefore
	p.DaysBefore = make(map[time.Weekday]int, len(c.Cutoff.DaysBefore))
	for name, n := range c.Cutoff.DaysBefore {
		wd, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return bakeday.CutoffPolicy{}, fmt.Errorf("cutoff.days_before: unknown weekday %q", name)
		}
		if n < 1 {
			return bakeday.CutoffPolicy{}, fmt.Errorf("cutoff.days_before.%s must be at least 1", name)
		}
		p.DaysBefore[wd] = n
	}
	return p, nil
}

func (c Config) ManagerConfig() capacity.ManagerConfig {
	return capacity.ManagerConfig{
		LockTimeout:        c.Capacity.LockTimeout,
		AllocationDeadline: c.Capacity.AllocationDeadline,
		Retry:              c.Capacity.Retry.Capacity(),
	}
}

// Logger builds the zap logger: JSON in production, console in development.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
