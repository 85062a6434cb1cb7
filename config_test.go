package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10, cfg.Scheduler.StealLimit)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []int{7125, 80}, cfg.Printer.MoonrakerPorts)
	assert.Equal(t, 1883, cfg.Printer.MQTTPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, filepath.IsAbs(cfg.Files.PublicDir))
	assert.Zero(t, cfg.Server.PollInterval)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  cron_secret: hunter2
  poll_interval: 30s
scheduler:
  concurrency: 4
  owner_id: u1
printer:
  status_timeout: 3s
  moonraker_ports: [7125]
files:
  public_dir: /srv/public
  temp_dir: /srv/tmp
nats:
  url: nats://localhost:4222
log:
  level: debug
  pretty: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.CronSecret)
	assert.Equal(t, 30*time.Second, cfg.Server.PollInterval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10, cfg.Scheduler.StealLimit, "unset keys keep their defaults")
	assert.Equal(t, "u1", cfg.Scheduler.OwnerID)
	assert.Equal(t, "/srv/public", cfg.Files.PublicDir)
	assert.Equal(t, "printfleet.notifications", cfg.NATS.Subject)
	assert.True(t, cfg.Log.Pretty)

	opts := cfg.PrinterOptions()
	assert.Equal(t, 3*time.Second, opts.StatusTimeout)
	assert.Equal(t, []int{7125}, opts.MoonrakerPorts)

	sc := cfg.SchedulerOptions()
	assert.Equal(t, 4, sc.Concurrency)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PRINTFLEET_CRON_SECRET", "from-env")
	t.Setenv("PRINTFLEET_PORT", "9100")
	t.Setenv("PRINTFLEET_DATABASE_DRIVER", "postgres")
	t.Setenv("PRINTFLEET_DATABASE_URL", "postgres://fleet@localhost/fleet")
	t.Setenv("PRINTFLEET_REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  cron_secret: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.CronSecret)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://fleet@localhost/fleet", cfg.Database.DSN)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: sqlite\n",
		"zero concurrency":     "scheduler:\n  concurrency: 0\n",
		"bad port":             "server:\n  port: 70000\n",
		"no moonraker ports":   "printer:\n  moonraker_ports: []\n",
		"unknown log level":    "log:\n  level: loud\n",
		"malformed yaml":       "server: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRejectsBadEnvNumber(t *testing.T) {
	t.Setenv("PRINTFLEET_REDIS_DB", "zero")
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRINTFLEET_REDIS_DB")
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(LogConfig{Level: "warn"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("printer", "alpha").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "alpha", line["printer"])
	assert.Contains(t, line, "time")
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(LogConfig{Level: "nonsense"}, &buf)

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
