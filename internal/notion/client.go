// Package notion wraps the Notion API client used as the record store and
// owns the classification of its failures into the retry taxonomy.
package notion

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jomei/notionapi"
	"golang.org/x/time/rate"
)

// requestTimeout bounds every record-store call.
const requestTimeout = 30 * time.Second

// PageCreator is the single record-store operation the pipeline needs.
// The interface enables mocking in orchestrator tests.
type PageCreator interface {
	CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
}

// Client is the concrete PageCreator backed by the official Notion SDK,
// throttled to stay under Notion's published request limit.
type Client struct {
	client  *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a rate-limited Notion client with the provided API token.
func NewClient(token string) *Client {
	return &Client{
		client: notionapi.NewClient(
			notionapi.Token(token),
			notionapi.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		),
		// Notion allows an average of 3 requests per second.
		limiter: rate.NewLimiter(rate.Limit(3), 3),
	}
}

// CreatePage creates a new page in a Notion database with the given properties.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}

	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := c.client.Page.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}
