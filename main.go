// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ffutop/modbus-bridge/internal/bridge"
	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/internal/sink"
	"github.com/ffutop/modbus-bridge/internal/source"
	"github.com/ffutop/modbus-bridge/internal/state"
	"github.com/ffutop/modbus-bridge/transport/rtu"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Configuration file path.")
	listPorts := pflag.BoolP("list-ports", "l", false, "List the serial ports of this host and exit.")
	pflag.Parse()

	if *listPorts {
		if err := printPorts(); err != nil {
			fmt.Printf("Failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Load Configuration
	loader := config.NewLoader(*configFile)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus Bridge...", "config", loader.File())

	store := state.NewStore()
	seedEntities(store, cfg.Entities)
	warnMissingDevices(cfg)

	b := bridge.New(bridge.Options{
		Opener:     rtu.Open,
		Source:     source.New(store),
		Sink:       sink.New(store),
		Ports:      cfg.Ports,
		ErrorPause: cfg.ErrorPause,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Sync(ctx, cfg); err != nil {
		slog.Error("Some bindings could not be activated", "err", err)
	}
	if len(b.Devices()) == 0 {
		slog.Error("No binding is active. Exiting.")
		os.Exit(1)
	}

	loader.Watch(func(next *config.Config) {
		seedEntities(store, next.Entities)
		if err := b.Sync(ctx, next); err != nil {
			slog.Error("Configuration reload incomplete", "err", err)
		}
	})

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	b.Close()
	slog.Info("Goodbye.")
}

// seedEntities creates the configured entities that do not exist yet.
func seedEntities(store *state.Store, entities []config.EntityConfig) {
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if _, ok := store.Get(e.ID); ok {
			continue
		}
		store.Set(e.ID, e.State, e.Attributes)
	}
}

func warnMissingDevices(cfg *config.Config) {
	ports, err := rtu.ListPorts()
	if err != nil {
		slog.Debug("Serial port enumeration unavailable", "err", err)
		return
	}
	present := make(map[string]bool, len(ports))
	for _, p := range ports {
		present[p.Name] = true
	}
	seen := make(map[string]bool)
	for _, bc := range cfg.Bindings {
		if seen[bc.SerialPort] || present[bc.SerialPort] {
			continue
		}
		seen[bc.SerialPort] = true
		slog.Warn("Serial port not found on this host", "device", bc.SerialPort)
	}
}

func printPorts() error {
	ports, err := rtu.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, p := range ports {
		if p.USB {
			fmt.Printf("%s\t%s\tUSB %s:%s %s\n", p.Name, p.Description, p.VID, p.PID, p.Serial)
		} else {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		}
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
