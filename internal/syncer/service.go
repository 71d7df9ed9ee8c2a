// Package syncer is the posting pipeline: it reconciles the transaction feed
// against the dedup ledger, enriches each candidate with a category and a
// normalized amount, posts it to the record store, and routes failures into
// the durable retry queue.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"notion-bank-sync/internal/config"
	"notion-bank-sync/internal/domain"
	"notion-bank-sync/internal/notion"
	"notion-bank-sync/internal/retry"
	"notion-bank-sync/internal/state"
)

// Feed delivers raw transactions from the bank aggregator.
type Feed interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
}

// Categorizer assigns a category label to a description.
type Categorizer interface {
	Categorize(ctx context.Context, description string, isIncome bool) string
}

// Normalizer converts amounts into the base currency.
type Normalizer interface {
	Normalize(ctx context.Context, amount decimal.Decimal, currency string, asOf time.Time) decimal.Decimal
	Base() string
}

// SyncResult are the counters of one sync run.
type SyncResult struct {
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	TotalProcessed int `json:"total_processed"`
}

// RetryResult are the counters of one retry pass.
type RetryResult struct {
	Succeeded   int `json:"succeeded"`
	StillFailed int `json:"still_failed"`
}

// PostOptions tweak a single post. The zero value infers direction from the
// amount sign and routes to the default account bucket.
type PostOptions struct {
	// IsIncome forces the direction instead of inferring it.
	IsIncome *bool
	// ForceAccountID overrides account-bucket routing with an explicit
	// record-store relation ID.
	ForceAccountID string
	// OverrideAmount skips currency normalization, for legs whose amount
	// was already converted.
	OverrideAmount *decimal.Decimal
}

// Service wires the pipeline together. State files assume a single writer,
// so sync and retry runs are serialized with a mutex.
type Service struct {
	feed       Feed
	store      notion.PageCreator
	classifier Categorizer
	normalizer Normalizer
	ledger     *state.Ledger
	queue      *state.Queue
	cfg        *config.Config
	log        zerolog.Logger

	mu         sync.Mutex
	now        func() time.Time
	postPolicy retry.Policy
}

// New builds a sync service.
func New(feed Feed, store notion.PageCreator, classifier Categorizer, normalizer Normalizer, ledger *state.Ledger, queue *state.Queue, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		feed:       feed,
		store:      store,
		classifier: classifier,
		normalizer: normalizer,
		ledger:     ledger,
		queue:      queue,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		// Inline retry covers transport failures only; application
		// responses are classified and queued instead.
		postPolicy: retry.DefaultPolicy(retry.IsTransient),
	}
}

// Sync runs one reconciliation cycle: fetch the feed, skip what the ledger
// or the age cutoff rules out, post the rest. One transaction's failure
// never aborts the run; the batch completes and reports aggregate counts.
func (s *Service) Sync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult

	accounts, err := s.feed.ListAccounts(ctx)
	if err != nil {
		return res, fmt.Errorf("Sync: %w", err)
	}
	s.log.Info().Int("accounts", len(accounts)).Msg("Fetched feed accounts")

	processedExchanges := make(map[string]struct{})
	var handledIDs []string

	for _, account := range accounts {
		log := s.log.With().Str("account", account.DisplayName).Str("currency", account.Currency).Logger()

		txns, err := s.feed.ListTransactions(ctx, account.ID)
		if err != nil {
			log.Error().Err(err).Msg("Fetching transactions failed, skipping account")
			continue
		}
		log.Info().Int("transactions", len(txns)).Msg("Fetched transactions")

		for _, tx := range txns {
			if s.ledger.Has(tx.ID) {
				res.Skipped++
				continue
			}
			if !tx.Timestamp.After(s.cfg.CutoffDate) {
				res.Skipped++
				continue
			}

			if IsExchange(tx.Description) {
				key := ExchangeKey(tx.Description, tx.Timestamp)
				if _, done := processedExchanges[key]; done {
					// The pair's other feed row; its exchange was already
					// posted, so it counts as handled.
					log.Debug().Str("tx", tx.ShortID()).Msg("Exchange pair already processed")
					res.Skipped++
					handledIDs = append(handledIDs, tx.ID)
					continue
				}
				processedExchanges[key] = struct{}{}

				if s.postExchange(ctx, tx, account) {
					res.Successful++
				} else {
					res.Failed++
				}
			} else {
				isIncome := tx.Amount.Sign() >= 0
				if s.Post(ctx, tx, account, PostOptions{IsIncome: &isIncome}) {
					res.Successful++
				} else {
					res.Failed++
				}
			}
			handledIDs = append(handledIDs, tx.ID)
		}
	}

	if err := s.ledger.MarkAll(handledIDs); err != nil {
		return res, fmt.Errorf("Sync: persisting ledger: %w", err)
	}

	res.TotalProcessed = res.Successful + res.Failed
	s.log.Info().
		Int("successful", res.Successful).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("Sync completed")
	return res, nil
}

// postExchange materializes one exchange row as two linked records: the
// expense leg in the source currency and the income leg in the destination
// currency. Both legs are attempted; either leg's failure enters the queue
// without blocking the other.
func (s *Service) postExchange(ctx context.Context, tx domain.Transaction, account domain.Account) bool {
	pair, parsed := ParseExchange(tx.Description)
	if !parsed {
		s.log.Warn().Str("tx", tx.ShortID()).Str("description", tx.Description).Msg("Exchange description did not match the grammar, using the feed currency for both legs")
	}
	abs := tx.Amount.Abs()

	expenseTx := tx
	expenseTx.Amount = abs.Neg()
	expenseTx.Currency = legCurrency(pair.From, tx)

	incomeTx := tx
	incomeTx.Amount = abs
	incomeTx.Currency = legCurrency(pair.To, tx)

	expense := s.Post(ctx, expenseTx, account, PostOptions{IsIncome: boolPtr(false)})
	income := s.Post(ctx, incomeTx, account, PostOptions{IsIncome: boolPtr(true)})
	return expense && income
}

// legCurrency resolves one leg's currency: the parsed code when the grammar
// named it, otherwise the feed row's own currency.
func legCurrency(parsed string, tx domain.Transaction) string {
	if parsed != "" {
		return parsed
	}
	return tx.Currency
}

// Post enriches one transaction and submits it to the record store. It never
// returns an error: business misses degrade to defaults, and any submission
// failure is classified, queued, and reported as false. Dedup is the
// caller's responsibility.
func (s *Service) Post(ctx context.Context, tx domain.Transaction, account domain.Account, opts PostOptions) bool {
	ok, errInfo := s.postOnce(ctx, tx, account, opts)
	if ok {
		return true
	}

	isIncome := s.resolveDirection(tx, opts)
	rec := state.FailedTransaction{
		Transaction: tx,
		Account:     account,
		IsIncome:    isIncome,
		Error:       errInfo,
		Timestamp:   s.now().Format(time.RFC3339),
	}
	if err := s.queue.Append(rec); err != nil {
		s.log.Error().Err(err).Str("tx", tx.ShortID()).Msg("Could not queue failed transaction")
	} else {
		s.log.Warn().Str("tx", tx.ShortID()).Str("error_type", errInfo.Type).Int("status", errInfo.StatusCode).Msg("Transaction queued for retry")
	}
	return false
}

// postOnce is the post step shared by the sync and retry paths: build the
// record and submit it, without touching the queue.
func (s *Service) postOnce(ctx context.Context, tx domain.Transaction, account domain.Account, opts PostOptions) (bool, state.ErrorInfo) {
	isIncome := s.resolveDirection(tx, opts)

	databaseID := s.cfg.Notion.ExpensesDBID
	if isIncome {
		databaseID = s.cfg.Notion.IncomeDBID
	}

	categoryLabel := s.classifier.Categorize(ctx, tx.Description, isIncome)
	categoryID := s.resolveCategoryID(categoryLabel, isIncome)
	accountID := s.resolveAccountID(tx, opts)

	amount := tx.Amount.Abs()
	var converted decimal.Decimal
	if opts.OverrideAmount != nil {
		converted = *opts.OverrideAmount
	} else {
		converted = s.normalizer.Normalize(ctx, amount, tx.Currency, tx.Timestamp)
	}

	props := s.buildProperties(tx, converted, accountID, categoryID, isIncome)

	err := retry.Do(ctx, s.postPolicy, func() error {
		_, err := s.store.CreatePage(ctx, databaseID, props)
		return err
	})
	if err != nil {
		return false, notion.Classify(err, s.now())
	}

	s.log.Info().
		Str("tx", tx.ShortID()).
		Str("description", tx.Description).
		Str("amount", converted.String()+" "+s.normalizer.Base()).
		Str("category", categoryLabel).
		Bool("income", isIncome).
		Msg("Posted transaction")
	return true, state.ErrorInfo{}
}

// resolveDirection infers income vs expense when the caller did not decide.
// An exchange's conventional sign may represent either leg, so "exchanged
// to" descriptions treat only a strictly positive amount as income.
func (s *Service) resolveDirection(tx domain.Transaction, opts PostOptions) bool {
	if opts.IsIncome != nil {
		return *opts.IsIncome
	}
	if strings.Contains(strings.ToLower(tx.Description), "exchanged to") {
		return tx.Amount.Sign() > 0
	}
	return tx.Amount.Sign() >= 0
}

// resolveAccountID routes a transaction to a destination account bucket: an
// explicit override wins, vault/savings markers route to the savings bucket,
// everything else lands in the primary bucket.
func (s *Service) resolveAccountID(tx domain.Transaction, opts PostOptions) string {
	if opts.ForceAccountID != "" {
		return opts.ForceAccountID
	}
	desc := strings.ToLower(tx.Description)
	if strings.Contains(desc, "vault") || strings.Contains(desc, "savings") {
		if id := s.cfg.AccountIDs[config.BucketSavings]; id != "" {
			return id
		}
	}
	return s.cfg.AccountIDs[config.BucketPrimary]
}

// resolveCategoryID maps a label to its relation ID, falling back to the
// default category's ID for labels with no mapping.
func (s *Service) resolveCategoryID(label string, isIncome bool) string {
	ids := s.cfg.ExpenseCategoryIDs
	if isIncome {
		ids = s.cfg.IncomeCategoryIDs
	}
	if id := ids[label]; id != "" {
		return id
	}
	return ids["Other"]
}

// buildProperties assembles the destination record payload.
func (s *Service) buildProperties(tx domain.Transaction, amount decimal.Decimal, accountID, categoryID string, isIncome bool) notionapi.Properties {
	date := tx.Timestamp.UTC()
	day := notionapi.Date(time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC))

	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Title: []notionapi.RichText{
				{
					Type: notionapi.ObjectTypeText,
					Text: &notionapi.Text{Content: tx.Description},
				},
			},
		},
		"Amount": notionapi.NumberProperty{
			Number: amount.InexactFloat64(),
		},
		"Date": notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &day},
		},
	}

	if accountID != "" {
		props["Account"] = notionapi.RelationProperty{
			Relation: []notionapi.Relation{{ID: notionapi.PageID(accountID)}},
		}
	}
	if categoryID != "" {
		props["Category"] = notionapi.RelationProperty{
			Relation: []notionapi.Relation{{ID: notionapi.PageID(categoryID)}},
		}
	}

	if !isIncome {
		props["Month"] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: date.Month().String()},
		}
		props["Year"] = notionapi.SelectProperty{
			Select: notionapi.Option{Name: fmt.Sprintf("%d", date.Year())},
		}
	}
	return props
}

// RetryFailed re-attempts every queued record not marked permanent and
// rewrites the queue so it reflects exactly the still-outstanding failures.
func (s *Service) RetryFailed(ctx context.Context) (RetryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res RetryResult

	records, err := s.queue.ListPending()
	if err != nil {
		return res, fmt.Errorf("RetryFailed: %w", err)
	}
	if len(records) == 0 {
		s.log.Info().Msg("No failed transactions to retry")
		return res, nil
	}
	s.log.Info().Int("pending", len(records)).Msg("Retrying failed transactions")

	stillFailed := make([]state.FailedTransaction, 0, len(records))
	for _, rec := range records {
		if !rec.Error.Retryable() {
			stillFailed = append(stillFailed, rec)
			continue
		}

		ok, errInfo := s.postOnce(ctx, rec.Transaction, rec.Account, PostOptions{IsIncome: &rec.IsIncome})
		if ok {
			res.Succeeded++
			continue
		}
		rec.RetryCount++
		rec.LastRetry = s.now().Format(time.RFC3339)
		rec.Error = errInfo
		stillFailed = append(stillFailed, rec)
	}

	if err := s.queue.ReplaceAll(stillFailed); err != nil {
		return res, fmt.Errorf("RetryFailed: %w", err)
	}

	res.StillFailed = len(stillFailed)
	s.log.Info().Int("succeeded", res.Succeeded).Int("still_failed", res.StillFailed).Msg("Retry pass completed")
	return res, nil
}

func boolPtr(b bool) *bool { return &b }
