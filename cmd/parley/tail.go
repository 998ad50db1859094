// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"

	"github.com/aiku/parley/pkg/engine"
)

var tailCommand = &cli.Command{
	Name:      "tail",
	Usage:     "Follow new messages in a room as the engine writes them",
	ArgsUsage: "ROOM",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "lines",
			Aliases: []string{"n"},
			Usage:   "Number of existing messages to print first",
			Value:   10,
		},
	},
	Action: cmdTail,
}

func cmdTail(ctx *cli.Context) error {
	room := engine.RoomID(ctx.Args().Get(0))
	if room == "" {
		return fmt.Errorf("usage: parley tail ROOM")
	}
	cfg := getConfig(ctx)
	store := getStore(ctx)
	account := cfg.AccountID()

	msgs, err := store.Messages().LatestMessages(ctx.Context, account, room, ctx.Int("lines"))
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	var since time.Time
	for _, msg := range msgs {
		printMessage(msg)
		since = msg.Timestamp
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// SQLite appends to the -wal sidecar rather than the main file, so
	// watch the whole directory and filter by name prefix.
	dbPath := cfg.Database.Path
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	base := filepath.Base(dbPath)

	log := getLogger(ctx)
	log.Info().Str("room", string(room)).Msg("Watching for new messages")
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			newMsgs, err := store.Messages().MessagesAfter(ctx.Context, account, room, since, 0)
			if err != nil {
				return fmt.Errorf("failed to query new messages: %w", err)
			}
			for _, msg := range newMsgs {
				printMessage(msg)
				since = msg.Timestamp
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-ctx.Context.Done():
			return nil
		}
	}
}
