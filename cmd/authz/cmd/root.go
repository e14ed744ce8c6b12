// Package cmd holds the authz command tree.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.pilab.hu/authz/config"
	applog "go.pilab.hu/authz/log"
)

const appName = "authz"

var (
	cfg       *config.ServerConfig
	appLogger applog.Logger
)

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "authz is an OAuth 2.0 authorization server",
	Long:          `An OAuth 2.0 authorization server issuing signed authorization codes, access tokens and refresh tokens.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		appLogger = applog.NewZerologAdapter(applog.ParseLevel(cfg.LogLevel), cfg.LogPretty)
		return nil
	},
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if appLogger != nil {
			appLogger.Error(context.Background(), "command failed", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, keygenCmd, hashCmd)
}
