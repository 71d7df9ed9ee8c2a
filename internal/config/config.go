// Package config loads configuration from environment variables and .env
// files, including the category/account relation tables. Tables are
// validated at load time: a category label without a relation identifier is
// a startup error, not a post-time surprise.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"notion-bank-sync/internal/category"
)

// State file names under DataDir. The shapes of these files are fixed for
// compatibility with existing deployments.
const (
	tokensFile    = "tokens.json"
	ledgerFile    = "logged_transactions.json"
	rateCacheFile = "exchange_rates_cache.json"
	queueFile     = "failed_transactions.json"
)

// Account bucket names used for routing.
const (
	BucketPrimary = "PRIMARY"
	BucketSavings = "SAVINGS"
)

// TrueLayerConfig holds the feed/OAuth settings.
type TrueLayerConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Provider     string
	AuthBase     string
	APIBase      string
}

// NotionConfig holds record-store settings.
type NotionConfig struct {
	Token        string
	ExpensesDBID string
	IncomeDBID   string
}

// Config is the full application configuration.
type Config struct {
	TrueLayer TrueLayerConfig
	Notion    NotionConfig

	BaseCurrency string
	CutoffDate   time.Time
	DataDir      string
	ListenAddr   string

	// AccountIDs maps routing buckets (PRIMARY, SAVINGS) to record-store
	// relation identifiers.
	AccountIDs map[string]string
	// ExpenseCategoryIDs / IncomeCategoryIDs map category labels to
	// record-store relation identifiers.
	ExpenseCategoryIDs map[string]string
	IncomeCategoryIDs  map[string]string

	// Categories are the keyword tables driving classification.
	Categories category.Tables
}

// Load reads configuration from the environment, optionally loading a .env
// file first, and validates it.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	} else {
		// .env in the working directory is optional.
		_ = godotenv.Load()
	}

	cutoffStr := getEnvOrDefault("CUTOFF_DATE", "2024-01-01")
	cutoff, err := time.ParseInLocation("2006-01-02", cutoffStr, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("config.Load: invalid CUTOFF_DATE %q: %w", cutoffStr, err)
	}

	tables := category.DefaultTables()
	if path := os.Getenv("CATEGORIES_FILE"); path != "" {
		tables, err = category.LoadTables(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	cfg := &Config{
		TrueLayer: TrueLayerConfig{
			ClientID:     os.Getenv("TL_CLIENT_ID"),
			ClientSecret: os.Getenv("TL_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("TL_REDIRECT_URI"),
			Provider:     getEnvOrDefault("TL_PROVIDER", "uk-ob-revolut"),
			AuthBase:     getEnvOrDefault("TL_AUTH_BASE", "https://auth.truelayer.com"),
			APIBase:      getEnvOrDefault("TL_API_BASE", "https://api.truelayer.com"),
		},
		Notion: NotionConfig{
			Token:        os.Getenv("NOTION_TOKEN"),
			ExpensesDBID: os.Getenv("EXPENSES_DB_ID"),
			IncomeDBID:   os.Getenv("INCOME_DB_ID"),
		},
		BaseCurrency: getEnvOrDefault("BASE_CURRENCY", "USD"),
		CutoffDate:   cutoff,
		DataDir:      getEnvOrDefault("DATA_DIR", "./data"),
		ListenAddr:   getEnvOrDefault("LISTEN_ADDR", ":8000"),
		AccountIDs: map[string]string{
			BucketPrimary: os.Getenv("PRIMARY_ACCOUNT_ID"),
			BucketSavings: os.Getenv("SAVINGS_ACCOUNT_ID"),
		},
		ExpenseCategoryIDs: categoryIDsFromEnv(tables.Expenses, false),
		IncomeCategoryIDs:  categoryIDsFromEnv(tables.Income, true),
		Categories:         tables,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks that the record store is reachable on paper: credentials
// and database IDs are set, and every category label resolves to a relation
// identifier, the default label included.
func (c *Config) Validate() error {
	if c.Notion.Token == "" {
		return fmt.Errorf("NOTION_TOKEN is required")
	}
	if c.Notion.ExpensesDBID == "" || c.Notion.IncomeDBID == "" {
		return fmt.Errorf("EXPENSES_DB_ID and INCOME_DB_ID are required")
	}
	if err := validateCategoryIDs(c.Categories.Expenses, c.ExpenseCategoryIDs, "expense"); err != nil {
		return err
	}
	if err := validateCategoryIDs(c.Categories.Income, c.IncomeCategoryIDs, "income"); err != nil {
		return err
	}
	return nil
}

func validateCategoryIDs(rules []category.Rule, ids map[string]string, kind string) error {
	if ids[category.DefaultLabel] == "" {
		return fmt.Errorf("%s category %q has no relation ID (set %s)", kind, category.DefaultLabel, categoryEnvName(category.DefaultLabel, kind == "income"))
	}
	for _, r := range rules {
		if ids[r.Label] == "" {
			return fmt.Errorf("%s category %q has no relation ID (set %s)", kind, r.Label, categoryEnvName(r.Label, kind == "income"))
		}
	}
	return nil
}

// TokensPath is the OAuth token file location.
func (c *Config) TokensPath() string { return filepath.Join(c.DataDir, tokensFile) }

// LedgerPath is the dedup identifier set location.
func (c *Config) LedgerPath() string { return filepath.Join(c.DataDir, ledgerFile) }

// RateCachePath is the exchange-rate cache location.
func (c *Config) RateCachePath() string { return filepath.Join(c.DataDir, rateCacheFile) }

// QueuePath is the failure queue location.
func (c *Config) QueuePath() string { return filepath.Join(c.DataDir, queueFile) }

// categoryIDsFromEnv resolves each label's relation ID from its
// CATEGORY_<LABEL>_ID variable. The income default keeps its historical
// CATEGORY_OTHER_INCOME_ID name.
func categoryIDsFromEnv(rules []category.Rule, income bool) map[string]string {
	ids := make(map[string]string, len(rules)+1)
	for _, r := range rules {
		ids[r.Label] = os.Getenv(categoryEnvName(r.Label, income))
	}
	if _, ok := ids[category.DefaultLabel]; !ok {
		ids[category.DefaultLabel] = os.Getenv(categoryEnvName(category.DefaultLabel, income))
	}
	return ids
}

func categoryEnvName(label string, income bool) string {
	if income && label == category.DefaultLabel {
		return "CATEGORY_OTHER_INCOME_ID"
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, label)
	return "CATEGORY_" + sanitized + "_ID"
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
