package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// State files and the feed both carry amounts as JSON numbers; keep
	// round-trips byte-compatible with the existing data files.
	decimal.MarshalJSONWithoutQuotes = true
}

// Transaction is one raw transaction as delivered by the feed. The sign of
// Amount encodes direction: money in is positive, money out is negative.
// Immutable once fetched; exchange handling copies it per leg.
type Transaction struct {
	ID          string          `json:"transaction_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ShortID returns the first 12 characters of the transaction ID, the form
// used in log lines.
func (t Transaction) ShortID() string {
	if len(t.ID) > 12 {
		return t.ID[:12]
	}
	return t.ID
}

// Account is the feed account a transaction belongs to. Passed through to
// routing; not owned by the pipeline.
type Account struct {
	ID          string `json:"account_id"`
	DisplayName string `json:"display_name"`
	AccountType string `json:"account_type"`
	Currency    string `json:"currency"`
}
