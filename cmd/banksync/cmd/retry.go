package cmd

import (
	"github.com/spf13/cobra"

	"notion-bank-sync/internal/logger"
)

// retryCmd re-attempts queued post failures.
var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry queued post failures",
	Long: `Re-attempt every queued transaction not marked permanent. Successful
retries leave the queue; the rest stay with an incremented retry count.`,
	Run: runRetry,
}

func runRetry(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	app, err := buildApp(ctx)
	if err != nil {
		exitOnError(logger.New(debug), err, "failed to initialize")
	}

	result, err := app.syncer.RetryFailed(ctx)
	exitOnError(app.log, err, "retry pass failed")

	app.log.Info().
		Int("succeeded", result.Succeeded).
		Int("still_failed", result.StillFailed).
		Msg("Retry summary")
}
