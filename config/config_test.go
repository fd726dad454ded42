package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bakehouse/bakeday"
	"github.com/warp/bakehouse/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bakehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, bakeday.DefaultTimezone, cfg.Cutoff.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SweepInterval)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
store:
  driver: postgres
  dsn: postgres://db/bakehouse
cutoff:
  timezone: America/New_York
  hour: 20
  minute: 30
capacity:
  lock_timeout: 500ms
  retry:
    max_attempts: 5
scheduler:
  sweep_interval: 1m
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://db/bakehouse", cfg.Store.DSN)
	assert.Equal(t, 500*time.Millisecond, cfg.ManagerConfig().LockTimeout)
	assert.Equal(t, 5, cfg.ManagerConfig().Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Scheduler.SweepInterval)

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("BAKEHOUSE_PORT", "7070")
	t.Setenv("BAKEHOUSE_DB_DRIVER", "memory")
	t.Setenv("BAKEHOUSE_SCHEDULER_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "server: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("BAKEHOUSE_PORT", "eighty")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "BAKEHOUSE_PORT")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 0
	cfg.Store.Driver = "mongo"
	cfg.Cutoff.Timezone = "Mars/Olympus"
	cfg.Scheduler.Retry.MaxAttempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "server.port")
	assert.ErrorContains(t, err, "mongo")
	assert.ErrorContains(t, err, "Mars/Olympus")
	assert.ErrorContains(t, err, "scheduler.retry.max_attempts")
}

func TestCutoffPolicy_FromConfig(t *testing.T) {
	// GIVEN: Saturday bakes close three days ahead at 12:00 Brussels time
	// WHEN: Computing the cutoff for Saturday 2025-03-08
	// THEN: Wednesday 2025-03-05 12:00 CET (11:00 UTC)

	cfg := config.Defaults()
	cfg.Cutoff.Hour = 12
	cfg.Cutoff.DaysBefore = map[string]int{"Saturday": 3}

	policy, err := cfg.CutoffPolicy()
	require.NoError(t, err)
	cutoff, err := policy.CutoffFor(bakeday.NewDate(2025, time.March, 8))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.March, 5, 11, 0, 0, 0, time.UTC), cutoff.UTC())

	cfg.Cutoff.DaysBefore = map[string]int{"someday": 1}
	_, err = cfg.CutoffPolicy()
	assert.ErrorContains(t, err, "someday")
}

func TestLogger(t *testing.T) {
	cfg := config.Defaults()
	cfg.Log.Level = "debug"
	cfg.Log.Development = true
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}
