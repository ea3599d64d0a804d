package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/VivifySoftIT/PoSync/internal/config"
	"github.com/VivifySoftIT/PoSync/internal/core"
)

const defaultConfigPath = "config/posync.yaml"

// Exit codes: 1 when the service cannot start, 2 when it ran but did not
// stop cleanly.
const (
	exitStartup  = 1
	exitShutdown = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty = defaults + environment)")
	envFile := flag.String("env", "", "Path to a .env file (default ./.env if present)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("qrscand exiting", "error", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitStartup)
	}
}

// run owns the scanner from construction to the end of its shutdown.
func run(configPath, envFile string) error {
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return &exitError{exitStartup, fmt.Errorf("load config %q: %w", configPath, err)}
	}

	scanner, err := core.NewScanner(cfg)
	if err != nil {
		return &exitError{exitStartup, fmt.Errorf("build scanner: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("qrscand up", "instance_id", cfg.InstanceID, "http_addr", cfg.HTTP.Addr)

	runErr := scanner.Run(ctx)
	switch {
	case runErr != nil:
		slog.Error("scanner stopped on its own", "error", runErr)
	case ctx.Err() != nil:
		slog.Info("signal received, draining")
	}
	stop()

	budget := scanner.ShutdownTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := scanner.Shutdown(shutdownCtx); err != nil {
		return &exitError{exitShutdown, fmt.Errorf("shutdown within %s: %w", budget, err)}
	}
	if runErr != nil {
		return &exitError{exitStartup, runErr}
	}

	slog.Info("qrscand down")
	return nil
}
