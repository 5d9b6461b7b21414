// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the fallbackd command. It runs a task or a research
// query through the resilience layer and prints the result as JSON, or, with
// neither, keeps the health monitor and configuration watcher running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/buildinfo"
	"github.com/traylinx/fallbackd/internal/config"
	"github.com/traylinx/fallbackd/internal/coordinator"
	"github.com/traylinx/fallbackd/internal/logging"
	"github.com/traylinx/fallbackd/internal/selector"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "fallbackd.yaml"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// options are the parsed command-line flags.
type options struct {
	configPath string
	prompt     string
	query      string
	taskType   string
	strategy   string
	session    string
	private    bool
	health     bool
	version    bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.configPath, "config", DefaultConfigPath, "Configure File Path")
	fs.StringVar(&o.prompt, "prompt", "", "Run one task with this prompt")
	fs.StringVar(&o.query, "search", "", "Run one research search for this query")
	fs.StringVar(&o.taskType, "task-type", "general", "Task type used for routing")
	fs.StringVar(&o.strategy, "strategy", "", "Selection strategy (defaults to the configured one)")
	fs.StringVar(&o.session, "session", "", "Session id (random when empty)")
	fs.BoolVar(&o.private, "private", false, "Require a local provider when one is available")
	fs.BoolVar(&o.health, "health", false, "Check providers once and print the health report")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.prompt != "" && o.query != "" {
		return o, errors.New("-prompt and -search are mutually exclusive")
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(buildinfo.String())
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}
	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(opts.configPath, opts.configPath == DefaultConfigPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		log.Errorf("failed to configure logging: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts, cfg, os.Stdout)
	stop()
	log.Exit(code)
}

// run executes the selected mode and returns the process exit code.
func run(ctx context.Context, opts options, cfg *config.Config, out io.Writer) int {
	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Errorf("failed to start: %v", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("shutdown: failed to close stores")
		}
	}()
	log.WithField("version", buildinfo.Version).Debug("fallbackd: components ready")

	oneShot := opts.prompt != "" || opts.query != "" || opts.health
	if oneShot && cfg.Heartbeat.Enabled {
		if err := a.monitor.CheckAll(ctx); err != nil {
			log.WithError(err).Warn("heartbeat: initial health check interrupted")
		}
	}

	switch {
	case opts.prompt != "":
		return runTask(ctx, a, opts, out)
	case opts.query != "":
		res, err := a.coord.Search(ctx, opts.query, nil)
		if err != nil {
			log.Errorf("search failed: %v", err)
			return 1
		}
		return printJSON(out, res)
	case opts.health:
		return printJSON(out, a.coord.Health())
	default:
		return serve(ctx, a, opts.configPath)
	}
}

func runTask(ctx context.Context, a *app, opts options, out io.Writer) int {
	strategy := opts.strategy
	if strategy == "" {
		strategy = a.cfg.Strategy
	}
	payload, err := chatPayload(opts.prompt)
	if err != nil {
		log.Errorf("failed to build request: %v", err)
		return 1
	}

	outcome, err := a.coord.Run(ctx, coordinator.Task{
		SessionID:    opts.session,
		TaskType:     opts.taskType,
		Strategy:     selector.Strategy(strategy),
		Requirements: selector.Requirements{RequiresPrivacy: opts.private},
		Payload:      payload,
	})
	var maxErr *coordinator.MaxRetriesExceededError
	switch {
	case errors.As(err, &maxErr):
		log.Warn(maxErr.Error())
		printJSON(out, map[string]any{
			"error":    maxErr.Error(),
			"best":     maxErr.Best,
			"attempts": maxErr.Attempts,
		})
		return 1
	case err != nil:
		log.Errorf("task failed: %v", err)
		return 1
	}
	return printJSON(out, outcome)
}

func chatPayload(prompt string) ([]byte, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "messages.0.role", "user")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "messages.0.content", prompt)
}

// serve keeps the health monitor and config watcher running until ctx is
// done, logging a health summary every heartbeat interval.
func serve(ctx context.Context, a *app, configPath string) int {
	if a.cfg.Heartbeat.Enabled {
		if err := a.monitor.Start(ctx); err != nil {
			log.WithError(err).Warn("heartbeat: monitor not started")
		}
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := config.Watch(ctx, configPath, a.reload); err != nil {
			log.WithError(err).Warn("config: hot reload disabled")
		}
	}
	log.WithField("config", configPath).Info("fallbackd: running, press Ctrl+C to stop")

	ticker := time.NewTicker(a.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("fallbackd: shutting down")
			return 0
		case <-ticker.C:
			logHealth(a.coord.Health())
		}
	}
}

func logHealth(h coordinator.Health) {
	available := 0
	for _, p := range h.Providers {
		if p.Available {
			available++
		}
	}
	open := 0
	for _, s := range h.Breakers {
		if s.State != breaker.StateClosed {
			open++
		}
	}
	log.WithFields(log.Fields{
		"providers":     len(h.Providers),
		"available":     available,
		"open_circuits": open,
		"best_provider": h.BestProvider,
	}).Info("fallbackd: health")
}

func printJSON(out io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Errorf("failed to encode output: %v", err)
		return 1
	}
	if _, err := fmt.Fprintln(out, string(data)); err != nil {
		return 1
	}
	return 0
}
