package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/scheduler"
)

const envPrefix = "PRINTFLEET_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Printer   PrinterConfig   `yaml:"printer"`
	Files     FilesConfig     `yaml:"files"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
	// CronSecret, when set, is required as a bearer token on /api/cron.
	CronSecret string `yaml:"cron_secret"`
	// PollInterval runs a pass on a timer; zero leaves passes to cron.
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`
}

type SchedulerConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1,max=256"`
	StealLimit  int `yaml:"steal_limit" validate:"min=1"`
	// OwnerID limits server-triggered passes to one user.
	OwnerID string `yaml:"owner_id"`
}

type PrinterConfig struct {
	StatusTimeout   time.Duration `yaml:"status_timeout" validate:"gt=0"`
	DetectTimeout   time.Duration `yaml:"detect_timeout" validate:"gt=0"`
	MQTTTimeout     time.Duration `yaml:"mqtt_timeout" validate:"gt=0"`
	MoonrakerPorts  []int         `yaml:"moonraker_ports" validate:"min=1,dive,min=1,max=65535"`
	DefaultHTTPPort int           `yaml:"default_http_port" validate:"min=1,max=65535"`
	MQTTPort        int           `yaml:"mqtt_port" validate:"min=1,max=65535"`
}

type FilesConfig struct {
	// PublicDir backs the /models namespace of stored G-code paths.
	PublicDir string `yaml:"public_dir" validate:"required"`
	// TempDir receives injected copies before upload.
	TempDir string `yaml:"temp_dir" validate:"required"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres memory"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	// Path persists the memory store; empty keeps it in memory only.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	// Addr enables the Redis pass lock; empty uses an in-process lock.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

type NATSConfig struct {
	// URL enables publishing notifications; empty disables it.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject" validate:"required_with=URL"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

func DefaultConfig() *Config {
	popts := printer.DefaultOptions()
	sched := scheduler.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Scheduler: SchedulerConfig{
			Concurrency: sched.Concurrency,
			StealLimit:  sched.StealLimit,
		},
		Printer: PrinterConfig{
			StatusTimeout:   popts.StatusTimeout,
			DetectTimeout:   popts.ProbeTimeout,
			MQTTTimeout:     popts.MQTTConnectTimeout,
			MoonrakerPorts:  popts.MoonrakerPorts,
			DefaultHTTPPort: popts.DefaultHTTPPort,
			MQTTPort:        popts.MQTTPort,
		},
		Files: FilesConfig{
			PublicDir: "public",
			TempDir:   filepath.Join(os.TempDir(), "printfleet"),
		},
		Database: DatabaseConfig{
			Driver: "memory",
			Path:   "printfleet.json",
		},
		NATS: NATSConfig{
			Subject: "printfleet.notifications",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies .env
// and PRINTFLEET_* environment overrides, and validates the result. A
// missing file is not an error; the defaults and environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Resolve relative directories against the working directory.
	dir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.Files.PublicDir) {
		cfg.Files.PublicDir = filepath.Join(dir, cfg.Files.PublicDir)
	}
	if !filepath.IsAbs(cfg.Files.TempDir) {
		cfg.Files.TempDir = filepath.Join(dir, cfg.Files.TempDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and connection settings from the environment.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CRON_SECRET":     &c.Server.CronSecret,
		"OWNER_ID":        &c.Scheduler.OwnerID,
		"DATABASE_DRIVER": &c.Database.Driver,
		"DATABASE_URL":    &c.Database.DSN,
		"DATABASE_PATH":   &c.Database.Path,
		"PUBLIC_DIR":      &c.Files.PublicDir,
		"TEMP_DIR":        &c.Files.TempDir,
		"REDIS_ADDR":      &c.Redis.Addr,
		"REDIS_PASSWORD":  &c.Redis.Password,
		"NATS_URL":        &c.NATS.URL,
		"LOG_LEVEL":       &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":     &c.Server.Port,
		"REDIS_DB": &c.Redis.DB,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PrinterOptions maps the printer section onto client options.
func (c *Config) PrinterOptions() printer.Options {
	opts := printer.DefaultOptions()
	opts.StatusTimeout = c.Printer.StatusTimeout
	opts.ProbeTimeout = c.Printer.DetectTimeout
	opts.MQTTProbeTimeout = c.Printer.DetectTimeout
	opts.MQTTConnectTimeout = c.Printer.MQTTTimeout
	opts.MoonrakerPorts = c.Printer.MoonrakerPorts
	opts.DefaultHTTPPort = c.Printer.DefaultHTTPPort
	opts.MQTTPort = c.Printer.MQTTPort
	return opts
}

func (c *Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		Concurrency: c.Scheduler.Concurrency,
		StealLimit:  c.Scheduler.StealLimit,
	}
}
