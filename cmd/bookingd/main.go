// Command bookingd runs the browser session orchestration engine: a pool of
// headless Chromium sessions executing declarative scraping workflows over
// an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/bookingd/pkg/api"
	"github.com/odvcencio/bookingd/pkg/bus"
	"github.com/odvcencio/bookingd/pkg/config"
	"github.com/odvcencio/bookingd/pkg/driver/adapters/chromium"
	"github.com/odvcencio/bookingd/pkg/logging"
	"github.com/odvcencio/bookingd/pkg/orchestrator"
	"github.com/odvcencio/bookingd/pkg/pool"
	"github.com/odvcencio/bookingd/pkg/snapshot"
	"github.com/odvcencio/bookingd/pkg/step"
	"github.com/odvcencio/bookingd/pkg/telemetry"
	"github.com/odvcencio/bookingd/pkg/workflow"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("bookingd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to bookingd.yaml (optional)")
	bind := fs.String("bind", "", "override server bind address")
	workflowDir := fs.String("workflows", "", "override workflow script directory")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("bookingd", version)
		return
	}

	if err := run(*configPath, *bind, *workflowDir); err != nil {
		fmt.Fprintln(os.Stderr, "bookingd:", err)
		os.Exit(1)
	}
}

func run(configPath, bindOverride, workflowDirOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if bindOverride != "" {
		cfg.Server.Bind = bindOverride
	}
	if workflowDirOverride != "" {
		cfg.Workflows.Dir = workflowDirOverride
	}

	log, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer log.Close()
	if cfg.Logging.Level != "" {
		log.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	registry := workflow.NewRegistry()
	if err := registry.LoadDir(cfg.Workflows.Dir); err != nil {
		// Partial loads are survivable; the valid scripts registered.
		log.Warn(logging.CategoryWorkflow, "load_failed", err.Error(), nil)
	}

	hub := telemetry.NewHub()
	defer hub.Close()

	if cfg.Workflows.Watch {
		registry.OnReload = func(file string, err error) {
			if err != nil {
				log.Warn(logging.CategoryWorkflow, "reload_failed", err.Error(), map[string]any{"file": file})
				return
			}
			log.Info(logging.CategoryWorkflow, "reloaded", file, nil)
			hub.Publish(telemetry.Event{
				Type: telemetry.EventWorkflowReloaded,
				Data: map[string]any{"file": file},
			})
		}
		if err := registry.Watch(cfg.Workflows.Dir); err != nil {
			log.Warn(logging.CategoryWorkflow, "watch_failed", err.Error(), nil)
		}
		defer registry.Stop()
	}

	runtime, err := chromium.NewRuntime(chromium.Config{
		BinPath:        cfg.Browser.BinPath,
		UserAgent:      cfg.Browser.UserAgent,
		Headless:       cfg.Browser.HeadlessEnabled(),
		NoSandbox:      cfg.Browser.NoSandboxEnabled(),
		StartupTimeout: cfg.Browser.StartupTimeout.Std(),
	})
	if err != nil {
		return err
	}

	sessions := pool.New(runtime, pool.Config{
		MaxSessions:      cfg.Pool.MaxSessions,
		MaxSessionTasks:  cfg.Pool.MaxSessionTasks,
		MaxSessionAge:    cfg.Pool.MaxSessionAge.Std(),
		StartupTimeout:   cfg.Browser.StartupTimeout.Std(),
		UnavailableAfter: cfg.Pool.UnavailableAfter,
	}, hub)
	defer sessions.Shutdown()

	monitor := pool.NewMonitor(sessions, pool.MonitorConfig{
		Interval:     cfg.Health.Interval.Std(),
		ProbeAfter:   cfg.Health.ProbeAfter.Std(),
		ProbeTimeout: cfg.Health.ProbeTimeout.Std(),
	})
	monitor.Start()
	defer monitor.Stop()

	messageBus, err := bus.New(bus.Config{URL: cfg.Bus.URL, Name: "bookingd", Timeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer messageBus.Close()

	snapshots, err := snapshot.NewStore(cfg.Snapshots.Dir)
	if err != nil {
		return err
	}

	execCfg := step.DefaultConfig()
	execCfg.DefaultTimeout = cfg.Tasks.StepTimeout.Std()
	executor := step.NewExecutor(execCfg, hub)

	orch := orchestrator.New(orchestrator.Config{
		DefaultDeadline: cfg.Tasks.DefaultDeadline.Std(),
		MaxDeadline:     cfg.Tasks.MaxDeadline.Std(),
		AcquireTimeout:  cfg.Pool.AcquireTimeout.Std(),
		ResultCapacity:  cfg.Tasks.ResultCapacity,
	}, registry, sessions, executor, snapshots, hub, messageBus, log)

	server := api.NewServer(api.Config{
		BindAddress: cfg.Server.Bind,
		Version:     version,
	}, orch, registry, sessions, snapshots, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info(logging.CategoryHTTP, "started", "", map[string]any{
		"bind":      cfg.Server.Bind,
		"workflows": registry.Count(),
		"version":   version,
	})
	return g.Wait()
}
