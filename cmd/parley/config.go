// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aiku/parley/pkg/engine"
)

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "Validate or generate configuration",
	Subcommands: []*cli.Command{
		{
			Name:   "check",
			Usage:  "Validate the config file",
			Action: cmdConfigCheck,
		},
		{
			Name:   "example",
			Usage:  "Print an example config file",
			Action: cmdConfigExample,
		},
	},
}

func cmdConfigCheck(ctx *cli.Context) error {
	cfg, err := engine.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("Config OK: account %s, database %s\n", cfg.AccountID(), cfg.Database.Path)
	return nil
}

func cmdConfigExample(_ *cli.Context) error {
	fmt.Print(engine.ExampleConfig)
	return nil
}
