package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notion-bank-sync/internal/config"
	"notion-bank-sync/internal/domain"
	"notion-bank-sync/internal/logger"
	"notion-bank-sync/internal/state"
)

var (
	fixedNow = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	cutoff   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type fakeFeed struct {
	accounts    []domain.Account
	accountsErr error
	txns        map[string][]domain.Transaction
	txErr       map[string]error
}

func (f *fakeFeed) ListAccounts(context.Context) ([]domain.Account, error) {
	return f.accounts, f.accountsErr
}

func (f *fakeFeed) ListTransactions(_ context.Context, accountID string) ([]domain.Transaction, error) {
	if err := f.txErr[accountID]; err != nil {
		return nil, err
	}
	return f.txns[accountID], nil
}

type createCall struct {
	databaseID string
	props      notionapi.Properties
}

// fakeStore records every CreatePage call and fails pages whose title is in
// failWith.
type fakeStore struct {
	calls    []createCall
	failWith map[string]error
}

func (f *fakeStore) CreatePage(_ context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error) {
	f.calls = append(f.calls, createCall{databaseID: databaseID, props: props})
	if err := f.failWith[pageTitle(props)]; err != nil {
		return nil, err
	}
	return &notionapi.Page{}, nil
}

func pageTitle(props notionapi.Properties) string {
	title, ok := props["Name"].(notionapi.TitleProperty)
	if !ok || len(title.Title) == 0 || title.Title[0].Text == nil {
		return ""
	}
	return title.Title[0].Text.Content
}

type fakeCategorizer struct{}

func (fakeCategorizer) Categorize(_ context.Context, _ string, _ bool) string { return "Other" }

// fakeNormalizer doubles the amount so converted and raw values are
// distinguishable, and records the currency of every call.
type fakeNormalizer struct {
	currencies []string
}

func (f *fakeNormalizer) Normalize(_ context.Context, amount decimal.Decimal, currency string, _ time.Time) decimal.Decimal {
	f.currencies = append(f.currencies, currency)
	return amount.Mul(decimal.NewFromInt(2))
}

func (f *fakeNormalizer) Base() string { return "USD" }

func testConfig() *config.Config {
	return &config.Config{
		Notion: config.NotionConfig{
			Token:        "secret",
			ExpensesDBID: "db-expenses",
			IncomeDBID:   "db-income",
		},
		BaseCurrency: "USD",
		CutoffDate:   cutoff,
		AccountIDs: map[string]string{
			config.BucketPrimary: "acct-primary",
			config.BucketSavings: "acct-savings",
		},
		ExpenseCategoryIDs: map[string]string{"Other": "cat-other", "Transfer": "cat-transfer"},
		IncomeCategoryIDs:  map[string]string{"Other": "cat-other-in", "Transfer": "cat-transfer-in"},
	}
}

type harness struct {
	svc   *Service
	feed  *fakeFeed
	store *fakeStore
	norm  *fakeNormalizer
	queue *state.Queue
}

func newHarness(t *testing.T, feed *fakeFeed, store *fakeStore) *harness {
	t.Helper()
	dir := t.TempDir()

	ledger, err := state.OpenLedger(filepath.Join(dir, "logged_transactions.json"))
	require.NoError(t, err)
	queue := state.NewQueue(filepath.Join(dir, "failed_transactions.json"))
	norm := &fakeNormalizer{}

	svc := New(feed, store, fakeCategorizer{}, norm, ledger, queue, testConfig(), logger.NewNop())
	svc.now = func() time.Time { return fixedNow }
	return &harness{svc: svc, feed: feed, store: store, norm: norm, queue: queue}
}

func tx(id, desc, amount, currency string, ts time.Time) domain.Transaction {
	return domain.Transaction{
		ID:          id,
		Amount:      decimal.RequireFromString(amount),
		Currency:    currency,
		Description: desc,
		Timestamp:   ts,
	}
}

var account = domain.Account{ID: "acc-1", DisplayName: "Current", Currency: "USD"}

func TestSync_PostsEachTransactionOnce(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {
				tx("tx-1", "Coffee shop", "-4.50", "USD", fixedNow.Add(-time.Hour)),
				tx("tx-2", "Salary March", "2500.00", "USD", fixedNow.Add(-2*time.Hour)),
			},
		},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Successful: 2, Failed: 0, Skipped: 0, TotalProcessed: 2}, res)
	require.Len(t, store.calls, 2)
	assert.Equal(t, "db-expenses", store.calls[0].databaseID)
	assert.Equal(t, "db-income", store.calls[1].databaseID)

	// A second cycle over the same feed must not touch the store again.
	res, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Skipped: 2}, res)
	assert.Len(t, store.calls, 2)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSync_SkipsTransactionsAtOrBeforeCutoff(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {
				tx("tx-old", "Ancient charge", "-10", "USD", cutoff.Add(-24*time.Hour)),
				tx("tx-edge", "On the cutoff", "-10", "USD", cutoff),
				tx("tx-new", "Fresh charge", "-10", "USD", cutoff.Add(time.Hour)),
			},
		},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Successful)
	require.Len(t, store.calls, 1)
	assert.Equal(t, "Fresh charge", pageTitle(store.calls[0].props))
}

func TestSync_TemporaryFailureIsQueuedAndMarkedHandled(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-1", "Coffee shop", "-4.50", "USD", fixedNow.Add(-time.Hour))},
		},
	}
	store := &fakeStore{failWith: map[string]error{
		"Coffee shop": &notionapi.Error{Status: 503, Message: "overloaded"},
	}}
	h := newHarness(t, feed, store)

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Failed: 1, TotalProcessed: 1}, res)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	rec := pending[0]
	assert.Equal(t, "tx-1", rec.Transaction.ID)
	assert.Equal(t, state.ErrorTemporary, rec.Error.Type)
	assert.Equal(t, 503, rec.Error.StatusCode)
	assert.False(t, rec.IsIncome)
	assert.True(t, rec.Error.Retryable())

	// Handled even though it failed: the retry path owns it now.
	res, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Skipped: 1}, res)
	assert.Len(t, store.calls, 1)
}

func TestSync_PermanentFailureIsQueuedAsNonRetryable(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-1", "Bad payload", "-4.50", "USD", fixedNow.Add(-time.Hour))},
		},
	}
	store := &fakeStore{failWith: map[string]error{
		"Bad payload": &notionapi.Error{Status: 400, Message: "validation_error"},
	}}
	h := newHarness(t, feed, store)

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, state.ErrorPermanent, pending[0].Error.Type)
	assert.False(t, pending[0].Error.Retryable())
}

func TestSync_AccountFetchFailureSkipsOnlyThatAccount(t *testing.T) {
	broken := domain.Account{ID: "acc-2", DisplayName: "Broken", Currency: "EUR"}
	feed := &fakeFeed{
		accounts: []domain.Account{broken, account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-1", "Coffee shop", "-4.50", "USD", fixedNow.Add(-time.Hour))},
		},
		txErr: map[string]error{"acc-2": errors.New("feed unavailable")},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Len(t, store.calls, 1)
}

func TestSync_ExchangePostsTwoLegsOnce(t *testing.T) {
	at := fixedNow.Add(-time.Hour)
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {
				tx("tx-out", "Exchanged from USD to EUR", "-100.00", "USD", at),
				// The pair's other feed row, seconds later.
				tx("tx-in", "Exchanged from USD to EUR", "92.00", "EUR", at.Add(10*time.Second)),
			},
		},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Skipped)

	require.Len(t, store.calls, 2, "one exchange becomes exactly two records")
	assert.Equal(t, "db-expenses", store.calls[0].databaseID)
	assert.Equal(t, "db-income", store.calls[1].databaseID)
	assert.Equal(t, []string{"USD", "EUR"}, h.norm.currencies, "each leg converts from its own currency")

	// Both feed rows are in the ledger; a second cycle does nothing.
	res, err = h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Skipped: 2}, res)
	assert.Len(t, store.calls, 2)
}

func TestSync_ExchangeLegFailureQueuesOnlyThatLeg(t *testing.T) {
	at := fixedNow.Add(-time.Hour)
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-out", "Exchanged from USD to EUR", "-100.00", "USD", at)},
		},
	}
	h := newHarness(t, feed, &fakeStore{})

	// Fail only the income leg's store call.
	calls := 0
	h.svc.store = createPageFunc(func(ctx context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error) {
		calls++
		if databaseID == "db-income" {
			return nil, &notionapi.Error{Status: 503}
		}
		return &notionapi.Page{}, nil
	})

	res, err := h.svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Failed: 1, TotalProcessed: 1}, res)
	assert.Equal(t, 2, calls, "the expense leg's success must not be blocked")

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsIncome)
}

// createPageFunc adapts a function to the store interface.
type createPageFunc func(ctx context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error)

func (f createPageFunc) CreatePage(ctx context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error) {
	return f(ctx, databaseID, props)
}

func TestSync_NormalizedAmountIsPosted(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-1", "Coffee shop", "-4.50", "EUR", fixedNow.Add(-time.Hour))},
		},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, store.calls, 1)
	num, ok := store.calls[0].props["Amount"].(notionapi.NumberProperty)
	require.True(t, ok)
	assert.InDelta(t, 9.0, num.Number, 1e-9, "the doubled fake-normalized absolute amount")
}

func TestSync_VaultDescriptionsRouteToSavings(t *testing.T) {
	feed := &fakeFeed{
		accounts: []domain.Account{account},
		txns: map[string][]domain.Transaction{
			"acc-1": {tx("tx-1", "To EUR Vault", "-50", "USD", fixedNow.Add(-time.Hour))},
		},
	}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	_, err := h.svc.Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, store.calls, 1)
	rel, ok := store.calls[0].props["Account"].(notionapi.RelationProperty)
	require.True(t, ok)
	require.Len(t, rel.Relation, 1)
	assert.Equal(t, notionapi.PageID("acct-savings"), rel.Relation[0].ID)
}

func TestRetryFailed_Convergence(t *testing.T) {
	feed := &fakeFeed{accounts: []domain.Account{account}}
	store := &fakeStore{failWith: map[string]error{
		"Still broken": &notionapi.Error{Status: 503},
	}}
	h := newHarness(t, feed, store)

	at := fixedNow.Add(-24 * time.Hour)
	seed := []state.FailedTransaction{
		{
			Transaction: tx("tx-perm", "Rejected forever", "-10", "USD", at),
			Account:     account,
			Error:       state.ErrorInfo{Type: state.ErrorPermanent, StatusCode: 400},
		},
		{
			Transaction: tx("tx-ok", "Recovers now", "-20", "USD", at),
			Account:     account,
			Error:       state.ErrorInfo{Type: state.ErrorTemporary, StatusCode: 503},
		},
		{
			Transaction: tx("tx-bad", "Still broken", "-30", "USD", at),
			Account:     account,
			Error:       state.ErrorInfo{Type: state.ErrorTemporary, StatusCode: 503},
			RetryCount:  1,
		},
	}
	require.NoError(t, h.queue.ReplaceAll(seed))

	res, err := h.svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Succeeded: 1, StillFailed: 2}, res)

	// Only retryable records hit the store.
	assert.Len(t, store.calls, 2)

	pending, err := h.queue.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, "tx-perm", pending[0].Transaction.ID)
	assert.Equal(t, 0, pending[0].RetryCount, "permanent records are untouched")

	assert.Equal(t, "tx-bad", pending[1].Transaction.ID)
	assert.Equal(t, 2, pending[1].RetryCount)
	assert.Equal(t, fixedNow.Format(time.RFC3339), pending[1].LastRetry)
	assert.Equal(t, state.ErrorTemporary, pending[1].Error.Type, "the error reflects the fresh attempt")
}

func TestRetryFailed_EmptyQueueIsANoop(t *testing.T) {
	feed := &fakeFeed{accounts: []domain.Account{account}}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	res, err := h.svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryResult{}, res)
	assert.Empty(t, store.calls)
}

func TestRetryFailed_UsesStoredDirection(t *testing.T) {
	feed := &fakeFeed{accounts: []domain.Account{account}}
	store := &fakeStore{}
	h := newHarness(t, feed, store)

	// Direction was resolved at queue time; the amount sign alone would say
	// expense.
	require.NoError(t, h.queue.Append(state.FailedTransaction{
		Transaction: tx("tx-1", "Exchanged from USD to EUR", "-100", "EUR", fixedNow.Add(-24*time.Hour)),
		Account:     account,
		IsIncome:    true,
		Error:       state.ErrorInfo{Type: state.ErrorTemporary, StatusCode: 503},
	}))

	res, err := h.svc.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Succeeded: 1}, res)
	require.Len(t, store.calls, 1)
	assert.Equal(t, "db-income", store.calls[0].databaseID)
}

func TestResolveDirection(t *testing.T) {
	h := newHarness(t, &fakeFeed{}, &fakeStore{})

	income := true
	assert.True(t, h.svc.resolveDirection(tx("a", "anything", "-5", "USD", fixedNow), PostOptions{IsIncome: &income}))

	// Sign inference for plain transactions.
	assert.True(t, h.svc.resolveDirection(tx("a", "Salary", "100", "USD", fixedNow), PostOptions{}))
	assert.True(t, h.svc.resolveDirection(tx("a", "Zero adj", "0", "USD", fixedNow), PostOptions{}))
	assert.False(t, h.svc.resolveDirection(tx("a", "Coffee", "-5", "USD", fixedNow), PostOptions{}))

	// Exchange phrasing treats only strictly positive amounts as income.
	assert.False(t, h.svc.resolveDirection(tx("a", "Exchanged to EUR", "0", "USD", fixedNow), PostOptions{}))
	assert.True(t, h.svc.resolveDirection(tx("a", "Exchanged to EUR", "1", "USD", fixedNow), PostOptions{}))
}

func TestBuildProperties_ExpenseCarriesMonthAndYear(t *testing.T) {
	h := newHarness(t, &fakeFeed{}, &fakeStore{})
	at := time.Date(2025, 3, 10, 23, 45, 0, 0, time.UTC)

	props := h.svc.buildProperties(tx("a", "Coffee", "-5", "USD", at), decimal.RequireFromString("5"), "acct-primary", "cat-other", false)
	month, ok := props["Month"].(notionapi.SelectProperty)
	require.True(t, ok)
	assert.Equal(t, "March", month.Select.Name)
	year, ok := props["Year"].(notionapi.SelectProperty)
	require.True(t, ok)
	assert.Equal(t, "2025", year.Select.Name)

	income := h.svc.buildProperties(tx("a", "Salary", "5", "USD", at), decimal.RequireFromString("5"), "acct-primary", "cat-other-in", true)
	assert.NotContains(t, income, "Month")
	assert.NotContains(t, income, "Year")
}
