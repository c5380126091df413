// Package main implements the entry point for the Web of Needs node, the
// message processing service that hosts atoms, brokers connections between
// them and relays messages between owners, peer nodes and matchers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tyriis/webofneeds/config"
	"github.com/tyriis/webofneeds/gateway/websocket"
	"github.com/tyriis/webofneeds/metric"
	"github.com/tyriis/webofneeds/node"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wonode"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting node",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	svc, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Initialize(signalCtx); err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}
	if err := svc.Start(signalCtx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, svc.Registry())
		metricsServer.ServeHealth(svc.Health())
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	var gw *websocket.Gateway
	if cfg.Gateway.Enabled {
		gw = websocket.New(websocket.Config{Addr: cfg.Gateway.Addr}, websocket.NewBroker(svc.Client()))
		if err := gw.Start(signalCtx); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		slog.Info("Owner gateway started", "addr", cfg.Gateway.Addr)
	}

	slog.Info("Node started", "node_uri", cfg.Node.URI)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(svc, gw, metricsServer, cliCfg.ShutdownTimeout)
}

// shutdown stops the outer surfaces first so no new work arrives while the
// worker pools drain
func shutdown(
	svc *node.Service,
	gw *websocket.Gateway,
	metricsServer *metric.Server,
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)

	if gw != nil {
		if err := gw.Stop(timeout); err != nil {
			slog.Warn("Gateway shutdown failed", "error", err)
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Second
	}
	if err := svc.Stop(remaining); err != nil {
		slog.Error("Node shutdown failed", "error", err)
		return err
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(5 * time.Second); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}

	slog.Info("Node shutdown complete")
	return nil
}
