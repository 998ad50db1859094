// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/aiku/parley/pkg/engine"
)

var messagesCommand = &cli.Command{
	Name:      "messages",
	Aliases:   []string{"m"},
	Usage:     "Print recent messages of a room",
	ArgsUsage: "ROOM",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Number of messages to print",
			Value:   20,
		},
	},
	Action: cmdMessages,
}

func cmdMessages(ctx *cli.Context) error {
	room := engine.RoomID(ctx.Args().Get(0))
	if room == "" {
		return fmt.Errorf("usage: parley messages ROOM")
	}
	cfg := getConfig(ctx)
	msgs, err := getStore(ctx).Messages().LatestMessages(ctx.Context, cfg.AccountID(), room, ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Printf("No cached messages in %s\n", room)
		return nil
	}
	for _, msg := range msgs {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg *engine.StoredMessage) {
	body := msg.Body
	switch {
	case msg.Retracted:
		body = "[retracted]"
	case msg.DecryptionFailed:
		body = "[unable to decrypt]"
	}
	name := msg.SenderNick
	if name == "" {
		name = string(msg.Sender)
	}
	suffix := ""
	if msg.Edited {
		suffix = " (edited)"
	}
	fmt.Printf("%s <%s> %s%s\n", msg.Timestamp.Local().Format("2006-01-02 15:04:05"), name, body, suffix)
	for _, r := range msg.Reactions {
		fmt.Printf("    %s x%d\n", r.Emoji, len(r.From))
	}
}
