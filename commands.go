package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/gcode"
	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/scheduler"
	"github.com/john/printfleet/server"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run passes on the configured interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Log.Level != "debug" && a.cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return err
	}

	hub := server.NewHub(a.log)
	a.notifier.Add(hub)

	scope := fleet.Scope{OwnerID: a.cfg.Scheduler.OwnerID}
	srv := server.New(server.Config{
		Host:       a.cfg.Server.Host,
		Port:       a.cfg.Server.Port,
		CronSecret: a.cfg.Server.CronSecret,
		Scope:      scope,
	}, server.Deps{
		Scheduler: a.sched,
		Detector:  a.resolver,
		Locker:    locker,
		Hub:       hub,
		Gatherer:  a.registry,
		Logger:    a.log,
	})

	a.log.Info().
		Str("addr", a.cfg.ListenAddr()).
		Str("store", a.cfg.Database.Driver).
		Dur("poll_interval", a.cfg.Server.PollInterval).
		Msg("printfleet starting")

	if a.cfg.Server.CronSecret == "" {
		a.log.Warn().Msg("No cron secret configured; cron endpoints are open")
	}

	var poller *server.Poller
	if a.cfg.Server.PollInterval > 0 {
		poller = server.NewPoller(srv, scope, a.cfg.Server.PollInterval, a.log)
		poller.Start()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if poller != nil {
			poller.Stop()
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("Shutting down")
	if poller != nil {
		poller.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRunCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scheduler pass and print its summary",
		Long: `Run one scheduler pass and print the summary as JSON. Per-printer errors
are reported in the summary and do not change the exit code. The command
refuses to start while another pass holds the pass lock; configure redis
to share that lock with a running serve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if owner == "" {
				owner = a.cfg.Scheduler.OwnerID
			}
			var sum scheduler.Summary
			err = a.withPassLock(cmd.Context(), func() error {
				sum = a.sched.ProcessPendingJobs(cmd.Context(), fleet.Scope{OwnerID: owner})
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only process printers of this user")
	return cmd
}

func newRefreshCommand() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Poll every printer and store its current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var n int
			err = a.withPassLock(cmd.Context(), func() error {
				var err error
				n, err = a.sched.RefreshStatuses(cmd.Context(), fleet.Scope{OwnerID: owner})
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d printer(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only refresh printers of this user")
	return cmd
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <address>",
		Short: "Probe an address for a Moonraker or MQTT printer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			resolver := printer.NewResolver(cfg.PrinterOptions(), stderrLogger(cfg.Log))
			return printJSON(cmd.OutOrStdout(), resolver.Detect(cmd.Context(), args[0]))
		},
	}
}

func newGCodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gcode",
		Short: "Inspect and rewrite G-code files",
	}
	cmd.AddCommand(newGCodeParseCommand(), newGCodeInjectCommand())
	return cmd
}

func newGCodeParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Print the slicer metadata of a G-code file as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading g-code: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), gcode.Parse(string(data)))
		},
	}
}

func newGCodeInjectCommand() *cobra.Command {
	var scriptPath, outDir string
	cmd := &cobra.Command{
		Use:   "inject <file>",
		Short: "Write a copy of a G-code file with an eject script spliced in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(scriptPath)
			if err != nil {
				return fmt.Errorf("reading script: %w", err)
			}
			if outDir == "" {
				cfg, err := LoadConfig(configPath)
				if err != nil {
					return err
				}
				outDir = cfg.Files.TempDir
			}

			in := gcode.NewInjector(outDir, stderrLogger(LogConfig{Level: "warn"}))
			path, err := in.Inject(args[0], string(script))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "file holding the eject G-code")
	cmd.Flags().StringVar(&outDir, "out", "", "directory for the new file (default files.temp_dir)")
	cmd.MarkFlagRequired("script")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info().Msg("Database migrated")
			return nil
		},
	}
}
