package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/files"
	"github.com/john/printfleet/gcode"
	"github.com/john/printfleet/lock"
	"github.com/john/printfleet/metrics"
	"github.com/john/printfleet/notify"
	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/scheduler"
	"github.com/john/printfleet/server"
	"github.com/john/printfleet/store"
)

var (
	errNeedPostgres = errors.New("this command needs database.driver postgres")
	errPassRunning  = errors.New("another scheduler pass is running")
)

// fleetStore is what both store implementations offer the process.
type fleetStore interface {
	scheduler.Store
	notify.Creator
}

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg       *Config
	log       zerolog.Logger
	store     fleetStore
	gorm      *store.Gorm
	resolver  *printer.Resolver
	files     *files.Manager
	notifier  *notify.Multi
	registry  *prometheus.Registry
	collector *metrics.Collector
	sched     *scheduler.Scheduler
	closers   []func()
}

// loadApp reads the config and wires every dependency.
func loadApp() (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, stderrLogger(cfg.Log))
}

func newApp(cfg *Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	fm, err := files.NewManager(cfg.Files.PublicDir, cfg.Files.TempDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.files = fm
	a.resolver = printer.NewResolver(cfg.PrinterOptions(), log)

	a.notifier = notify.NewMulti(log, notify.NewStoreSink(a.store))
	if cfg.NATS.URL != "" {
		n, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier.Add(n)
		a.closers = append(a.closers, n.Close)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.NewCollector(a.registry)

	a.sched = scheduler.New(cfg.SchedulerOptions(), scheduler.Deps{
		Store:    a.store,
		Clients:  a.resolver,
		Files:    fm,
		Injector: gcode.NewInjector(cfg.Files.TempDir, log),
		Notifier: a.notifier,
		Metrics:  a.collector,
		Logger:   log,
	})
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Database.Driver {
	case "postgres":
		db, err := store.OpenPostgres(a.cfg.Database.DSN, a.log)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { sqlDB.Close() })
		}
		a.gorm = store.NewGorm(db)
		a.store = a.gorm
		a.log.Info().Msg("Using PostgreSQL store")
	default:
		mem, err := store.NewMemory(a.cfg.Database.Path)
		if err != nil {
			return err
		}
		a.store = mem
		a.log.Info().Str("path", a.cfg.Database.Path).Msg("Using memory store")
	}
	return nil
}

// locker returns the pass lock: Redis when configured, in-process
// otherwise.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewLocal(), nil
	}
	client, err := lock.ConnectRedis(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { client.Close() })
	a.log.Info().Str("addr", a.cfg.Redis.Addr).Msg("Using Redis pass lock")
	return lock.NewRedis(client, lock.DefaultTTL, a.log), nil
}

// withPassLock runs fn under the pass lock that serve's triggers take, so
// a one-shot command never overlaps a running pass.
func (a *app) withPassLock(ctx context.Context, fn func() error) error {
	locker, err := a.locker(ctx)
	if err != nil {
		return err
	}
	release, err := locker.TryLock(ctx, server.PassLockKey)
	if errors.Is(err, lock.ErrHeld) {
		return fmt.Errorf("%w: %w", errPassRunning, err)
	}
	if err != nil {
		return fmt.Errorf("acquiring pass lock: %w", err)
	}
	defer release()
	return fn()
}

func (a *app) migrate(ctx context.Context) error {
	if a.gorm == nil {
		return errNeedPostgres
	}
	if err := a.gorm.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
