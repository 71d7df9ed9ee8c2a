package notion

import (
	"errors"
	"time"

	"github.com/jomei/notionapi"

	"notion-bank-sync/internal/retry"
	"notion-bank-sync/internal/state"
)

// maxResponseText caps how much of an API error body is stored in the
// failure queue.
const maxResponseText = 500

// IsTemporaryStatus reports whether an HTTP status is a transient server
// condition (rate limit or 5xx-class) worth an automatic retry later.
func IsTemporaryStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsPermanentStatus reports whether an HTTP status is a client/validation
// failure that no retry will fix.
func IsPermanentStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 422:
		return true
	}
	return false
}

// Classify maps a failed record-store call onto the failure-queue taxonomy.
// API responses are classified by status; transport failures by kind; any
// other error is recorded as critical.
func Classify(err error, at time.Time) state.ErrorInfo {
	info := state.ErrorInfo{AttemptTime: at.Format(time.RFC3339)}

	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		info.StatusCode = apiErr.Status
		info.ResponseText = truncate(apiErr.Message, maxResponseText)
		switch {
		case IsTemporaryStatus(apiErr.Status):
			info.Type = state.ErrorTemporary
		case IsPermanentStatus(apiErr.Status):
			info.Type = state.ErrorPermanent
		default:
			info.Type = state.ErrorUnknown
		}
		return info
	}

	switch {
	case retry.IsTimeout(err):
		info.Type = state.ErrorTimeout
		info.Message = "Request timed out after retries"
	case retry.IsConnection(err):
		info.Type = state.ErrorConnection
		info.Message = "Connection failed after retries"
	default:
		info.Type = state.ErrorCritical
		info.Message = err.Error()
	}
	return info
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
