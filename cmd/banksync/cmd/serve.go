package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"notion-bank-sync/internal/api"
	"notion-bank-sync/internal/logger"
)

// serveCmd runs the HTTP server exposing the OAuth callback and the sync
// and retry triggers.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP server",
	Long: `Run the HTTP server exposing:

  GET  /            status
  GET  /health      health check
  GET  /auth        OAuth authorization URL
  GET  /callback    OAuth redirect target
  POST /auth/exchange  exchange the captured code for tokens
  POST /sync        run one sync cycle
  POST /retry-failed   retry queued failures`,
	Run: runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	app, err := buildApp(ctx)
	if err != nil {
		exitOnError(logger.New(debug), err, "failed to initialize")
	}

	server := api.NewServer(app.syncer, app.feed, app.log)

	app.log.Info().Str("addr", app.cfg.ListenAddr).Msg("Starting HTTP server")
	err = http.ListenAndServe(app.cfg.ListenAddr, server.Router())
	exitOnError(app.log, err, "HTTP server stopped")
}
