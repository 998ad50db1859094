// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/aiku/parley/pkg/engine"
)

var sessionsCommand = &cli.Command{
	Name:      "sessions",
	Usage:     "List encryption sessions for a user",
	ArgsUsage: "[USER]",
	Before:    prepareApp,
	Action:    cmdSessions,
}

func cmdSessions(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	user := engine.UserID(ctx.Args().Get(0))
	if user == "" {
		user = cfg.AccountID()
	}
	records, err := getStore(ctx).Sessions().GetSessions(ctx.Context, cfg.AccountID(), user)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(records) == 0 {
		fmt.Printf("No known devices for %s\n", user)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATE\tTRUST")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Device, rec.State, rec.Trust)
	}
	return w.Flush()
}
