package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/services"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired access tokens from the configured store once",
	Long: `Runs a single expiry sweep against the configured token store and exits.
Useful with shared backends (redis, mongo) when the sweep is scheduled externally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b := newBackends(cfg, appLogger)
		defer b.Close()

		store, err := b.TokenStore(ctx)
		if err != nil {
			return err
		}

		n, err := services.NewExpirySweeper(store.AccessTokens(), cfg.SweepEvery(), time.Now, appLogger).Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		appLogger.Info(ctx, "sweep finished", applog.Fields{"removed": n})
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired access tokens\n", n)
		return nil
	},
}
