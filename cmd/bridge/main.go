// Package main is the entry point for the bridge: one HTTP server exposing
// workspace, container, agent and terminal endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/constellation-dev/bridge/internal/agent"
	"github.com/constellation-dev/bridge/internal/common/config"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/container"
	"github.com/constellation-dev/bridge/internal/events"
	"github.com/constellation-dev/bridge/internal/metrics"
	"github.com/constellation-dev/bridge/internal/process"
	"github.com/constellation-dev/bridge/internal/terminal"
	"github.com/constellation-dev/bridge/internal/workspace"
)

var (
	configPathFlag  = flag.String("config", "", "Directory containing config.yaml")
	printConfigFlag = flag.Bool("print-config", false, "Print the effective configuration as YAML and exit")
)

func main() {
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *printConfigFlag {
		if err := printConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Bridge exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// printConfig writes cfg as YAML. Keys come out lower-cased, which viper
// reads back unchanged.
func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// components holds everything main wires together.
type components struct {
	bus        *events.ProvidedBus
	workspaces *workspace.Store
	containers *container.Manager
	agent      *agent.Runner
	terminals  *terminal.Manager
	metrics    *metrics.Recorder
	cleanups   []func() error
}

func (c *components) close(log *logger.Logger) {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](); err != nil {
			log.Warn("Cleanup failed", zap.Error(err))
		}
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting bridge...",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("workspace_root", cfg.Workspace.Root))

	comps, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.close(log)

	return serve(ctx, cfg, comps, log)
}

func wire(ctx context.Context, cfg *config.Config, log *logger.Logger) (*components, error) {
	comps := &components{}

	// Event bus
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	comps.bus = provided
	comps.cleanups = append(comps.cleanups, busCleanup)
	log.Info("Event bus ready", zap.String("kind", provided.Kind))

	if cfg.Metrics.Enabled {
		comps.metrics = metrics.NewRecorder()
		sub, err := comps.metrics.Subscribe(provided.Bus)
		if err != nil {
			comps.close(log)
			return nil, fmt.Errorf("subscribe metrics recorder: %w", err)
		}
		comps.cleanups = append(comps.cleanups, sub.Unsubscribe)
	}

	newPublisher := func(source string) *events.Publisher {
		return events.NewPublisher(provided.Bus, source, log)
	}

	// Workspaces
	comps.workspaces, err = workspace.NewStore(workspace.Options{
		Root:         cfg.Workspace.Root,
		MaxFileBytes: cfg.Workspace.MaxFileBytes,
	}, log, newPublisher("workspace"))
	if err != nil {
		comps.close(log)
		return nil, err
	}

	runner := process.NewRunner(process.Options{
		MaxOutputBytes: cfg.Process.MaxOutputBytes,
		KillGrace:      cfg.Process.KillGraceDuration(),
	}, log)

	// Containers
	rt, err := container.NewRuntime(ctx, cfg.Container, runner, cfg.Process.MaxOutputBytes, log)
	if err != nil {
		comps.close(log)
		return nil, err
	}
	ports := container.NewPortAllocator(cfg.Container.Ports.Start, cfg.Container.Ports.End, cfg.Container.Ports.MaxAttempts)
	comps.containers = container.NewManager(rt, ports, comps.workspaces, container.Options{
		NamePrefix:     cfg.Container.NamePrefix,
		DefaultImage:   cfg.Container.DefaultImage,
		MountPath:      cfg.Container.MountPath,
		StopTimeout:    cfg.Container.StopTimeoutDuration(),
		CommandTimeout: cfg.Container.CommandTimeoutDuration(),
	}, log, newPublisher("container"))
	comps.cleanups = append(comps.cleanups, comps.containers.Close)
	log.Info("Container runtime ready", zap.String("runtime", comps.containers.RuntimeName()))

	// Agent
	comps.agent = agent.NewRunner(runner, comps.workspaces, agent.Options{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		PermissionFlag: cfg.Agent.PermissionFlag,
		Timeout:        cfg.Agent.TimeoutDuration(),
	}, log, newPublisher("agent"))

	// Terminals
	comps.terminals = terminal.NewManager(terminal.Options{
		Shell:       cfg.Terminal.Shell,
		WorkDir:     cfg.Terminal.WorkDir,
		Cols:        cfg.Terminal.Cols,
		Rows:        cfg.Terminal.Rows,
		MaxSessions: cfg.Terminal.MaxSessions,
		KillGrace:   cfg.Process.KillGraceDuration(),
	}, log, newPublisher("terminal"))

	return comps, nil
}
