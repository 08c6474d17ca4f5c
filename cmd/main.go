// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/fluxmq-persist/config"
	"github.com/absmach/fluxmq-persist/storage"
	"github.com/absmach/fluxmq-persist/storage/badger"
	"github.com/absmach/fluxmq-persist/storage/memory"
)

const usage = `Usage: fluxmq-persist [-config file] <command> [flags]

Commands:
  inspect   show the log position and redelivery context of a client
  append    append a message to a client's log
  clear     drop the committed offsets and redelivery context of a client
  simulate  run the redelivery loop against an in-process client
`

type command func(ctx context.Context, cfg *config.Config, store storage.Store, args []string) error

var commands = map[string]command{
	"inspect":  runInspect,
	"append":   runAppend,
	"clear":    runClear,
	"simulate": runSimulate,
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = cmd(ctx, cfg, store, flag.Args()[1:])
	stop()

	if cerr := store.Close(); cerr != nil {
		slog.Error("Failed to close storage", "error", cerr)
	}
	if err != nil {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memory.New(), nil
	case "badger":
		store, err := badger.New(badger.Config{
			Dir:                  cfg.BadgerDir,
			SyncWrites:           cfg.SyncWrites,
			CompressionThreshold: cfg.CompressionThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.BadgerDir, err)
		}
		slog.Info("Using BadgerDB storage", "dir", cfg.BadgerDir)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
