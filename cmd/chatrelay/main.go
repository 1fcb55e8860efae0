// Package main is the entry point for the chatrelay bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/access"
	"github.com/szaher/chatrelay/internal/config"
	"github.com/szaher/chatrelay/internal/conversation"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/prompt"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile    string
	envFile       string
	verbose       bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Telegram chat relay with per-user memory",
		Long: `chatrelay relays Telegram messages to an OpenAI-compatible chat
completion API (xAI Grok by default), keeping a bounded per-user
conversation history in a local JSON file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "Path to .env file (ignored if missing)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newMemoryCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// env is the shared startup state for every subcommand.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	filter *secrets.RedactFilter
}

// setup loads configuration and builds a redacting JSON logger on stderr.
func setup(ctx context.Context) (*env, error) {
	level := new(slog.LevelVar)
	filter := secrets.NewRedactFilter(telemetry.NewHandler(os.Stderr, level))
	logger := slog.New(filter)

	cfg, err := config.Load(ctx, configFile,
		config.WithEnvFile(envFile),
		config.WithRedactFilter(filter),
	)
	if err != nil {
		return nil, err
	}

	level.Set(telemetry.ParseLevel(cfg.Log.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(logger)
	return &env{cfg: cfg, logger: logger, filter: filter}, nil
}

// redact scrubs known secrets from err. Bot API errors quote the request
// URL, which carries the token.
func (e *env) redact(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(e.filter.RedactString(err.Error()))
}

// openRepository returns the configured store. The returned func releases
// it.
func (e *env) openRepository(ctx context.Context, metrics memory.Metrics) (memory.Repository, func(), error) {
	opts := []memory.Option{
		memory.WithHistoryCap(e.cfg.Memory.HistoryCap),
		memory.WithLogger(e.logger),
		memory.WithMetrics(metrics),
	}
	switch {
	case e.cfg.Memory.Backend == config.BackendPostgres:
		repo, err := memory.NewPostgresRepository(ctx, e.cfg.Memory.DSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case e.cfg.Memory.Backend == config.BackendS3:
		repo, err := memory.OpenS3Repository(ctx, e.cfg.S3Location(), opts...)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case e.cfg.Memory.Path == "":
		return memory.NewInMemoryRepository(e.cfg.Memory.HistoryCap), func() {}, nil
	default:
		return memory.NewFileRepository(e.cfg.Memory.Path, opts...), func() {}, nil
	}
}

func (e *env) newAssembler() (*prompt.Assembler, error) {
	promptCfg, err := e.cfg.PromptSettings()
	if err != nil {
		return nil, err
	}
	return prompt.NewAssembler(promptCfg)
}

func (e *env) newHandler(repo memory.Repository, assembler *prompt.Assembler, metrics conversation.Recorder) (*conversation.Handler, error) {
	client, err := llm.NewClient(e.cfg.ProviderSettings())
	if err != nil {
		return nil, err
	}
	policy, err := access.Compile(e.cfg.Access.Allow)
	if err != nil {
		return nil, err
	}
	return conversation.NewHandler(conversation.Config{
		Memory:      repo,
		Assembler:   assembler,
		Client:      client,
		Model:       e.cfg.Completion.Model,
		Temperature: e.cfg.Completion.Temperature,
		MaxTokens:   e.cfg.Completion.MaxTokens,
		Replies: conversation.Replies{
			Greeting:    e.cfg.Replies.Greeting,
			Cleared:     e.cfg.Replies.Cleared,
			HTTPError:   e.cfg.Replies.HTTPError,
			Transient:   e.cfg.Replies.Transient,
			RateLimited: e.cfg.Replies.RateLimited,
		},
		Logger:  e.logger,
		Metrics: metrics,
		Access:  policy,
		Limiter: access.NewLimiter(e.cfg.Access.RatePerMinute, e.cfg.Access.Burst),
	})
}

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
