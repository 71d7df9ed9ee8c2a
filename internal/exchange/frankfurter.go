package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"notion-bank-sync/internal/retry"
)

const defaultFrankfurterURL = "https://api.frankfurter.app"

// RateSource looks up the exchange rate between two currencies as of a
// calendar date. Implementations must not serve future dates.
type RateSource interface {
	Rate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error)
}

// StatusError is a non-2xx response from the rate service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rate service returned status %d", e.StatusCode)
}

// FrankfurterClient fetches historical rates from the Frankfurter API.
type FrankfurterClient struct {
	baseURL string
	httpc   *http.Client
	policy  retry.Policy
}

// NewFrankfurterClient creates a rate client with the default endpoint and a
// 10 second request timeout.
func NewFrankfurterClient() *FrankfurterClient {
	return &FrankfurterClient{
		baseURL: defaultFrankfurterURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		policy:  retry.DefaultPolicy(rateRetryable),
	}
}

// rateRetryable retries transport failures and server-side errors; client
// errors from the rate service are final.
func rateRetryable(err error) bool {
	if retry.IsTransient(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return false
}

// Rate fetches the from→to rate for the given date, retrying with backoff.
func (c *FrankfurterClient) Rate(ctx context.Context, date time.Time, from, to string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, date.Format("2006-01-02"), url.Values{
		"from": {from},
		"to":   {to},
	}.Encode())

	var rate decimal.Decimal
	err := retry.Do(ctx, c.policy, func() error {
		var err error
		rate, err = c.fetch(ctx, endpoint, to)
		return err
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("Rate %s->%s @ %s: %w", from, to, date.Format("2006-01-02"), err)
	}
	return rate, nil
}

func (c *FrankfurterClient) fetch(ctx context.Context, endpoint, to string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, &StatusError{StatusCode: resp.StatusCode}
	}

	var body struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decoding rate response: %w", err)
	}
	rate, ok := body.Rates[to]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("rate response missing %s", to)
	}
	return rate, nil
}
