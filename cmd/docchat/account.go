package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/docchat/internal/chatapi"
	"github.com/ashureev/docchat/internal/domain"
	"github.com/spf13/cobra"
)

const statusTimeout = 15 * time.Second

// logoutCmd forgets the stored session token.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tokens, err := openTokenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeTokenStore(tokens)

		if err := newClient(cfg, tokens, slog.Default()).ClearToken(cmd.Context()); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

// statusCmd reports the stored session and its server-side history.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session and chat history per doctor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		tokens, err := openTokenStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeTokenStore(tokens)

		client := newClient(cfg, tokens, slog.Default())
		return printStatus(ctx, cmd, client)
	},
}

func printStatus(ctx context.Context, cmd *cobra.Command, client *chatapi.Client) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API:     %s\n", cfg.BaseURL)
	fmt.Fprintf(out, "Storage: %s\n", cfg.DBPath)

	token, err := client.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		fmt.Fprintln(out, "Session: none (anonymous chat starts on the next message)")
		return nil
	}
	fmt.Fprintln(out, "Session: stored")

	for _, p := range domain.Personas {
		threads, err := client.GetChats(ctx, p)
		switch {
		case errors.Is(err, chatapi.ErrNoToken):
			return nil
		case err != nil:
			fmt.Fprintf(out, "  %-20s unavailable (%v)\n", p.Title(), err)
		default:
			fmt.Fprintf(out, "  %-20s %d conversation(s)\n", p.Title(), len(threads))
		}
	}
	return nil
}
