// Package cli provides the command-line interface for parley.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/parley/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose     bool
	serverURL   string
	socketURL   string
	tokenFlag   string
	showMetrics bool

	// Global config and logger
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Terminal client for direct and group chats",
	Long: `Parley is a terminal client for a chat backend with one-to-one and group
conversations, live delivery, and typing indicators.

Sign in with the bearer token issued by the backend (PARLEY_TOKEN, the config
file, --token, or an interactive prompt), then open the chat screen:

  parley chat
  parley chat --with 42
  parley chat --group 7`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlags(cmd)

		// The chat screen owns the terminal; log to file only.
		quiet := cmd.Name() == "chat"
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel, quiet)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = serverURL
	}
	if flags.Changed("socket") {
		cfg.SocketURL = socketURL
	}
	if flags.Changed("token") {
		cfg.Token = tokenFlag
	}
	if verbose {
		cfg.LogLevel = slog.LevelDebug
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL")
	rootCmd.PersistentFlags().StringVar(&socketURL, "socket", "", "event channel URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token (prefer PARLEY_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "print request timings on exit")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(suggestCmd)
}
