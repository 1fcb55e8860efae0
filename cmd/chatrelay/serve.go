package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/chatrelay/internal/prompt"
	"github.com/szaher/chatrelay/internal/server"
	"github.com/szaher/chatrelay/internal/telegram"
	"github.com/szaher/chatrelay/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot",
		Long:  "Authenticate with Telegram, long-poll for messages and answer them until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			return e.redact(e.serve(ctx))
		},
	}
}

func (e *env) serve(ctx context.Context) error {
	warnings, err := e.cfg.Validate()
	for _, w := range warnings {
		e.logger.Warn(w)
	}
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	repo, closeRepo, err := e.openRepository(ctx, metrics)
	if err != nil {
		return err
	}
	defer closeRepo()
	assembler, err := e.newAssembler()
	if err != nil {
		return err
	}
	handler, err := e.newHandler(repo, assembler, metrics)
	if err != nil {
		return err
	}

	if err := telegram.UseLogger(e.logger); err != nil {
		return err
	}
	api, err := telegram.Connect(e.cfg.Telegram.Token, e.cfg.Telegram.Debug, nil)
	if err != nil {
		return err
	}
	e.logger.Info("telegram authorized",
		"bot", api.Self.UserName,
		"provider", e.cfg.Completion.Provider,
		"model", e.cfg.Completion.Model,
		"memory_backend", e.cfg.Memory.Backend,
		"history_window", assembler.Window(),
	)

	bot := telegram.NewBot(api, handler, telegram.Options{
		PollTimeout:   e.cfg.Telegram.PollTimeout,
		MaxConcurrent: e.cfg.Telegram.MaxConcurrent,
		Logger:        e.logger,
	})

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return bot.Run(gctx)
	})
	if path := e.cfg.Prompt.PersonaFile; path != "" {
		g.Go(func() error { return prompt.WatchPersona(gctx, assembler, path, e.logger) })
	}
	if e.cfg.Ops.Addr != "" {
		ops := server.New(
			server.WithLogger(e.logger),
			server.WithMetrics(metrics.Handler()),
			server.WithVersion(version),
			server.WithToken(e.cfg.Ops.Token),
		)
		g.Go(func() error { return ops.Run(gctx, e.cfg.Ops.Addr) })
	}
	return g.Wait()
}
