// Package exchange converts transaction amounts into the configured base
// currency using per-day historical rates. Lookups degrade through a
// persistent cache, the live rate service, a static fallback table, and
// finally passthrough: normalization is best-effort and never fails.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FallbackRates are last-known approximate rates to the base currency, used
// when the rate service is unreachable and nothing is cached.
var FallbackRates = map[string]string{
	"USD": "1.0",
	"EUR": "1.1",
	"GBP": "1.27",
	"CHF": "1.14",
	"CAD": "0.74",
	"AUD": "0.65",
	"JPY": "0.0067",
	"CNY": "0.14",
	"INR": "0.012",
	"MXN": "0.058",
	"BRL": "0.20",
}

// Normalizer converts amounts to the base currency. A cached rate for a
// (currency, base, date) key is treated as exact for that date and never
// re-fetched.
type Normalizer struct {
	base      string
	source    RateSource
	cachePath string
	mem       *cache.Cache
	fallback  map[string]decimal.Decimal
	now       func() time.Time
	log       zerolog.Logger
}

// NewNormalizer builds a normalizer backed by the JSON rate cache at
// cachePath. A missing cache file starts empty; a corrupt one is discarded.
func NewNormalizer(base, cachePath string, source RateSource, log zerolog.Logger) *Normalizer {
	n := &Normalizer{
		base:      base,
		source:    source,
		cachePath: cachePath,
		mem:       cache.New(cache.NoExpiration, 0),
		fallback:  make(map[string]decimal.Decimal, len(FallbackRates)),
		now:       time.Now,
		log:       log,
	}
	for cur, rate := range FallbackRates {
		n.fallback[cur] = decimal.RequireFromString(rate)
	}
	n.loadCache()
	return n
}

// Base returns the base currency code.
func (n *Normalizer) Base() string { return n.base }

// Normalize converts a positive amount in the given currency, as of a
// transaction date, into the base currency rounded half-even to 2 places.
// Rounding happens once, at the final step.
func (n *Normalizer) Normalize(ctx context.Context, amount decimal.Decimal, currency string, asOf time.Time) decimal.Decimal {
	if currency == n.base {
		return amount
	}

	date := asOf.UTC()
	// Historical rate services do not serve future dates.
	if today := n.now().UTC(); date.After(today) {
		date = today
	}
	key := n.cacheKey(currency, date)

	if cached, ok := n.mem.Get(key); ok {
		return amount.Mul(cached.(decimal.Decimal)).RoundBank(2)
	}

	rate, err := n.source.Rate(ctx, date, currency, n.base)
	if err == nil {
		n.mem.Set(key, rate, cache.NoExpiration)
		n.persistCache()
		return amount.Mul(rate).RoundBank(2)
	}
	n.log.Warn().Err(err).Str("currency", currency).Msg("Live rate lookup failed")

	if fallback, ok := n.fallback[currency]; ok {
		n.log.Warn().Str("currency", currency).Str("rate", fallback.String()).Msg("Using static fallback rate")
		return amount.Mul(fallback).RoundBank(2)
	}

	n.log.Warn().Str("currency", currency).Msg("No rate available, returning amount unconverted")
	return amount
}

func (n *Normalizer) cacheKey(currency string, date time.Time) string {
	return fmt.Sprintf("%s_%s_%s", currency, n.base, date.Format("2006-01-02"))
}

// loadCache reads the persistent rate cache, a JSON map of
// "FROM_TO_YYYY-MM-DD" to a decimal rate string.
func (n *Normalizer) loadCache() {
	data, err := os.ReadFile(n.cachePath)
	if err != nil {
		return
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		n.log.Warn().Err(err).Str("path", n.cachePath).Msg("Discarding unreadable rate cache")
		return
	}
	for key, raw := range entries {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		n.mem.Set(key, rate, cache.NoExpiration)
	}
}

// persistCache writes every in-memory rate back to the cache file
// (write-through). Failures are logged, not propagated.
func (n *Normalizer) persistCache() {
	entries := make(map[string]string, n.mem.ItemCount())
	for key, item := range n.mem.Items() {
		entries[key] = item.Object.(decimal.Decimal).String()
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		n.log.Warn().Err(err).Msg("Could not encode rate cache")
		return
	}
	if err := writeFileAtomic(n.cachePath, data); err != nil {
		n.log.Warn().Err(err).Str("path", n.cachePath).Msg("Could not save rate cache")
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
