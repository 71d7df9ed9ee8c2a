package state

import (
	"encoding/json"
	"fmt"
	"os"

	"notion-bank-sync/internal/domain"
)

// Error kinds recorded in the failure queue. "permanent" records are kept
// but excluded from automatic retry.
const (
	ErrorTemporary  = "temporary"
	ErrorPermanent  = "permanent"
	ErrorTimeout    = "timeout"
	ErrorConnection = "connection"
	ErrorUnknown    = "unknown"
	ErrorCritical   = "critical"
)

// ErrorInfo describes why a post failed. AttemptTime is RFC 3339.
type ErrorInfo struct {
	Type         string `json:"error_type"`
	StatusCode   int    `json:"status_code,omitempty"`
	ResponseText string `json:"response_text,omitempty"`
	Message      string `json:"message,omitempty"`
	AttemptTime  string `json:"attempt_time"`
}

// Retryable reports whether this failure is eligible for automatic retry.
func (e ErrorInfo) Retryable() bool {
	return e.Type != ErrorPermanent
}

// FailedTransaction is one queued post failure, carrying everything needed
// to re-attempt it: the original transaction, its account context, and the
// resolved direction.
type FailedTransaction struct {
	Transaction domain.Transaction `json:"transaction"`
	Account     domain.Account     `json:"account"`
	IsIncome    bool               `json:"is_income"`
	Error       ErrorInfo          `json:"error"`
	Timestamp   string             `json:"timestamp"`
	RetryCount  int                `json:"retry_count"`
	LastRetry   string             `json:"last_retry,omitempty"`
}

// Queue is the durable failure queue, a JSON array of FailedTransaction
// records rewritten in full on every mutation.
type Queue struct {
	path string
}

// NewQueue returns a queue backed by the file at path. The file is created
// on first append.
func NewQueue(path string) *Queue {
	return &Queue{path: path}
}

// ListPending returns all queued records in file order. A missing file is an
// empty queue; a corrupt file is treated as empty so one bad write cannot
// wedge the retry path forever.
func (q *Queue) ListPending() ([]FailedTransaction, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}

	var records []FailedTransaction
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil
	}
	return records, nil
}

// Append adds one record to the end of the queue.
func (q *Queue) Append(rec FailedTransaction) error {
	records, err := q.ListPending()
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	records = append(records, rec)
	if err := q.ReplaceAll(records); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

// ReplaceAll rewrites the queue so it reflects exactly the given records.
// Used at the end of a retry pass.
func (q *Queue) ReplaceAll(records []FailedTransaction) error {
	if records == nil {
		records = []FailedTransaction{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("ReplaceAll: %w", err)
	}
	if err := writeFileAtomic(q.path, data); err != nil {
		return fmt.Errorf("ReplaceAll: %w", err)
	}
	return nil
}
