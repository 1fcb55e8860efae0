package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/internal/config"
	"github.com/szaher/chatrelay/internal/memory"
)

func newMemoryCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit stored conversation memory",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "Memory file (overrides the configured backend)")

	withRepo := func(fn func(ctx context.Context, repo memory.Repository, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			if file != "" {
				e.cfg.Memory.Backend = config.BackendFile
				e.cfg.Memory.Path = file
			}
			if (e.cfg.Memory.Backend == config.BackendFile || e.cfg.Memory.Backend == "") && e.cfg.Memory.Path == "" {
				return fmt.Errorf("no memory file configured")
			}
			repo, closeRepo, err := e.openRepository(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeRepo()
			return fn(cmd.Context(), repo, cmd.OutOrStdout(), args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List user ids with stored memory",
		Args:  cobra.NoArgs,
		RunE:  withRepo(listMemory),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Print one user's stored state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  withRepo(showMemory),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <user-id>",
		Short: "Reset one user's history and personal info",
		Args:  cobra.ExactArgs(1),
		RunE:  withRepo(clearMemory),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-info <user-id> <text>...",
		Short: "Set the personal info included in a user's system prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE:  withRepo(setInfo),
	})

	return cmd
}

func listMemory(ctx context.Context, repo memory.Repository, out io.Writer, _ []string) error {
	ids, err := repo.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		state := repo.Load(ctx, id)
		fmt.Fprintf(out, "%s\t%d turns\n", id, len(state.History))
	}
	return nil
}

func showMemory(ctx context.Context, repo memory.Repository, out io.Writer, args []string) error {
	data, err := memory.Encode(memory.Store{args[0]: repo.Load(ctx, args[0])})
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func clearMemory(ctx context.Context, repo memory.Repository, out io.Writer, args []string) error {
	if err := repo.Clear(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cleared memory for %s\n", args[0])
	return nil
}

func setInfo(ctx context.Context, repo memory.Repository, out io.Writer, args []string) error {
	info := strings.Join(args[1:], " ")
	_, err := repo.Update(ctx, args[0], func(s memory.UserState) memory.UserState {
		s.PersonalInfo = info
		return s
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Updated personal info for %s\n", args[0])
	return nil
}
