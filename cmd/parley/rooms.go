// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
)

var roomsCommand = &cli.Command{
	Name:    "rooms",
	Aliases: []string{"r"},
	Usage:   "List cached rooms with unread counters",
	Before:  prepareApp,
	Action:  cmdRooms,
}

func cmdRooms(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	rooms, err := getStore(ctx).Rooms().ListRooms(ctx.Context, cfg.AccountID())
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Println("No cached rooms")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tKIND\tNAME\tUNREAD\tMENTIONS")
	for _, r := range rooms {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.ID, r.Kind, name, r.UnreadCount, r.MentionCount)
	}
	return w.Flush()
}
