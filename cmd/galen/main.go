// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command galen runs the clinical assistant service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/galenhq/galen/pkg/bus"
	"github.com/galenhq/galen/pkg/config"
	"github.com/galenhq/galen/pkg/graph"
	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/logger"
	"github.com/galenhq/galen/pkg/memory"
	"github.com/galenhq/galen/pkg/observability"
	"github.com/galenhq/galen/pkg/runtime"
	"github.com/galenhq/galen/pkg/server"
	"github.com/galenhq/galen/pkg/specialists"
	"github.com/galenhq/galen/pkg/storage"
	"github.com/galenhq/galen/pkg/tasks"
	"github.com/galenhq/galen/pkg/tools"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the assistant server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("galen version %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

type ServeCmd struct {
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return err
	}

	if c.Watch && cli.Config != "" {
		err := config.Watch(ctx, cli.Config, func(updated *config.Config) {
			slog.Info("Configuration reloaded; restart to apply server-level changes")
		})
		if err != nil {
			slog.Warn("Config watch unavailable", "error", err)
		}
	}

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTracing(shutdownCtx)
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics {
		metrics = observability.NewMetrics()
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, store); err != nil {
		return err
	}

	provider := llms.NewOpenAIProvider(cfg.LLM)
	scheduler := specialists.NewScheduler(provider, registry,
		cfg.Specialists.MaxConcurrent, cfg.Specialists.Timeout)
	engine := graph.NewEngine(graph.Config{
		LLM:           provider,
		Registry:      registry,
		Scheduler:     scheduler,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
	})

	mem, err := memory.NewService(cfg.Memory, cfg.LLM)
	if err != nil {
		return err
	}

	eventBus := bus.New()
	runner := runtime.NewRunner(store, eventBus, engine, registry, mem, metrics, cfg.Agent)
	supervisor := tasks.NewSupervisor(store, runner, cfg.Agent.WorkerCount, cfg.Agent.RetryLimit)
	supervisor.Start(ctx)

	srv := server.New(cfg.Server, store, eventBus, supervisor, metrics)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	supervisor.Stop()
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("galen"),
		kong.Description("Galen - multi-agent clinical assistant service"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
