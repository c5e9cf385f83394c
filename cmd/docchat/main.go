// DocChat - terminal and local-bridge client for the AI doctor chat service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/docchat/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose     bool
	baseURLFlag string
	dbPathFlag  string

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "docchat",
	Short: "Chat with an AI doctor from the terminal or a local bridge",
	Long: `docchat talks to the DocChat service on your behalf.

Anonymous chatting works until the free message allowance runs out; after that
the service asks you to verify a phone number with a one-time code. The session
token is kept in a local SQLite file so the next run picks up where you left off.

Run without arguments to start the interactive chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if baseURLFlag != "" {
			loaded.BaseURL = baseURLFlag
		}
		if dbPathFlag != "" {
			loaded.DBPath = dbPathFlag
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
		cfg = loaded

		setupLogger(cmd)
		return nil
	},
	RunE: runChat,
}

// setupLogger installs the default logger. The server logs JSON to stdout;
// interactive commands keep stdout for the conversation and log to stderr.
func setupLogger(cmd *cobra.Command) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cmd.Name() == serveCmd.Name() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		if !verbose {
			opts.Level = slog.LevelWarn
		}
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "Chat API base URL (overrides DOCCHAT_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Token database path, or :memory: (overrides DB_PATH)")

	rootCmd.AddCommand(serveCmd, chatCmd, logoutCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
