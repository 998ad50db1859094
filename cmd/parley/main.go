// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command parley inspects the local cache written by the messaging engine.
// It reads the shared database directly and prints rooms, history, and
// encryption session state without touching the network, so it is safe to
// run next to a live engine process.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aiku/parley/pkg/engine"
	"github.com/aiku/parley/pkg/engine/sqlstore"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyStore
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *engine.Config {
	return ctx.Context.Value(contextKeyConfig).(*engine.Config)
}

func getStore(ctx *cli.Context) *sqlstore.Store {
	return ctx.Context.Value(contextKeyStore).(*sqlstore.Store)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "parley", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := engine.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	store, err := sqlstore.New(ctx.Context, cfg.Database.Path, cfg.Database.Dialect)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyStore, store)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "parley",
		Usage:   "Inspect the local cache of the parley messaging engine",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
		},
		Commands: []*cli.Command{
			roomsCommand,
			messagesCommand,
			sessionsCommand,
			tailCommand,
			configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
