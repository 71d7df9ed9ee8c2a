package cmd

import (
	"github.com/spf13/cobra"

	"notion-bank-sync/internal/logger"
)

// syncCmd runs one sync cycle from the command line.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Fetch the transaction feed, skip already-mirrored and too-old
transactions, and post the rest to Notion. Failures are queued for retry.`,
	Run: runSync,
}

func runSync(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	app, err := buildApp(ctx)
	if err != nil {
		exitOnError(logger.New(debug), err, "failed to initialize")
	}

	result, err := app.syncer.Sync(ctx)
	exitOnError(app.log, err, "sync failed")

	app.log.Info().
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Sync summary")
	if result.Failed > 0 {
		app.log.Info().Msg("Run 'banksync retry' to retry failed transactions")
	}
}
