// Package cmd provides the banksync CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notion-bank-sync/internal/category"
	"notion-bank-sync/internal/config"
	"notion-bank-sync/internal/exchange"
	"notion-bank-sync/internal/logger"
	"notion-bank-sync/internal/notion"
	"notion-bank-sync/internal/state"
	"notion-bank-sync/internal/syncer"
	"notion-bank-sync/internal/truelayer"

	"github.com/rs/zerolog"
)

var (
	envFile string
	debug   bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "banksync",
	Short: "Mirror a bank transaction feed into Notion",
	Long: `banksync polls a bank account's transaction feed and mirrors each
transaction, exactly once, into Notion databases, enriched with a
category and an amount normalized to the base currency.

Posts that fail are queued durably and can be retried.

Example:
  banksync auth
  banksync sync
  banksync retry
  banksync serve`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file (default: ./.env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(authCmd)
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	feed   *truelayer.Client
	syncer *syncer.Service
}

// buildApp loads configuration and wires the pipeline.
func buildApp(ctx context.Context) (*app, error) {
	log := logger.New(debug)

	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	ledger, err := state.OpenLedger(cfg.LedgerPath())
	if err != nil {
		return nil, err
	}
	queue := state.NewQueue(cfg.QueuePath())

	var embedder category.Embedder
	if emb, err := category.NewGenAIEmbedder(ctx); err != nil {
		log.Warn().Err(err).Msg("Embedding provider unavailable, classification falls back to keywords only")
	} else {
		embedder = emb
	}
	classifier := category.NewClassifier(cfg.Categories, embedder, log)

	normalizer := exchange.NewNormalizer(cfg.BaseCurrency, cfg.RateCachePath(), exchange.NewFrankfurterClient(), log)
	store := notion.NewClient(cfg.Notion.Token)
	feed := truelayer.NewClient(cfg.TrueLayer, cfg.TokensPath(), log)

	return &app{
		cfg:    cfg,
		log:    log,
		feed:   feed,
		syncer: syncer.New(feed, store, classifier, normalizer, ledger, queue, cfg, log),
	}, nil
}

// exitOnError logs err and exits with a non-zero status.
func exitOnError(log zerolog.Logger, err error, msg string) {
	if err != nil {
		log.Error().Err(err).Msg(msg)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
