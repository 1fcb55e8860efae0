package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/conversation"
	"github.com/szaher/chatrelay/internal/telemetry"
)

func newAskCmd() *cobra.Command {
	var (
		userID   string
		userName string
	)

	cmd := &cobra.Command{
		Use:   "ask <message>...",
		Short: "Send one message through the relay and print the reply",
		Long:  "One-shot exchange without Telegram: load memory, call the completion API, save the exchange, print the reply.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			warnings, _ := e.cfg.Validate()
			for _, w := range warnings {
				e.logger.Warn(w)
			}

			repo, closeRepo, err := e.openRepository(cmd.Context(), nil)
			if err != nil {
				return e.redact(err)
			}
			defer closeRepo()
			assembler, err := e.newAssembler()
			if err != nil {
				return e.redact(err)
			}
			handler, err := e.newHandler(repo, assembler, nil)
			if err != nil {
				return e.redact(err)
			}

			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			in := conversation.Inbound{
				UserID:   userID,
				UserName: userName,
				Text:     strings.Join(args, " "),
			}
			if strings.HasPrefix(in.Text, "/") {
				fields := strings.Fields(in.Text)
				in.Command = strings.TrimPrefix(fields[0], "/")
				in.Text = strings.TrimSpace(strings.TrimPrefix(in.Text, fields[0]))
			}
			handler.Handle(ctx, in, &console{out: cmd.OutOrStdout()})
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "User id to load and save memory under")
	cmd.Flags().StringVar(&userName, "name", "Dost", "User display name for the system prompt")

	return cmd
}

// console is a Responder that prints replies.
type console struct {
	out io.Writer
}

func (c *console) Typing(context.Context) error { return nil }

func (c *console) Reply(_ context.Context, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}
