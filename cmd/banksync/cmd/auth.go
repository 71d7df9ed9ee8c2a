package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"notion-bank-sync/internal/logger"
)

// authCmd prints the OAuth authorization URL. The redirect is captured by
// the running server's /callback endpoint.
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Print the feed authorization URL",
	Long: `Print the OAuth authorization URL for the transaction feed.

Open it in a browser, authorize, and let the running 'banksync serve'
instance capture the redirect; then POST /auth/exchange to store tokens.`,
	Run: runAuth,
}

func runAuth(cmd *cobra.Command, args []string) {
	app, err := buildApp(cmd.Context())
	if err != nil {
		exitOnError(logger.New(debug), err, "failed to initialize")
	}

	fmt.Println("Visit this URL to authorize:")
	fmt.Println(app.feed.AuthURL(uuid.NewString()))
}
