package syncer

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExchangePair names the two currencies of an exchange transaction. Either
// side may be empty when the description only names one leg.
type ExchangePair struct {
	From string
	To   string
}

// The feed phrases exchanges in a handful of recognizable ways. Anything
// else is reported as unparseable rather than guessed at.
var (
	reExchangeFromTo = regexp.MustCompile(`(?i)\bexchanged from ([a-z]{3}) to ([a-z]{3})\b`)
	reExchangeCurTo  = regexp.MustCompile(`(?i)\b([a-z]{3}) exchanged to ([a-z]{3})\b`)
	reExchangeTo     = regexp.MustCompile(`(?i)\bexchanged to ([a-z]{3})\b`)
	reExchangeFrom   = regexp.MustCompile(`(?i)\bexchanged from ([a-z]{3})\b`)
)

// IsExchange reports whether a description marks a currency exchange, one
// feed record that the pipeline materializes as two linked records.
func IsExchange(description string) bool {
	desc := strings.ToLower(description)
	return strings.Contains(desc, "exchanged to") || strings.Contains(desc, "exchanged from")
}

// ParseExchange extracts the source and destination currencies from an
// exchange description. The grammar recognizes exactly four phrasings:
//
//	exchanged from CUR to CUR
//	CUR exchanged to CUR
//	exchanged to CUR
//	exchanged from CUR
//
// Currency codes are three letters, returned upper-cased. ok is false when
// none of the phrasings match.
func ParseExchange(description string) (ExchangePair, bool) {
	if m := reExchangeFromTo.FindStringSubmatch(description); m != nil {
		return ExchangePair{From: strings.ToUpper(m[1]), To: strings.ToUpper(m[2])}, true
	}
	if m := reExchangeCurTo.FindStringSubmatch(description); m != nil {
		return ExchangePair{From: strings.ToUpper(m[1]), To: strings.ToUpper(m[2])}, true
	}
	if m := reExchangeTo.FindStringSubmatch(description); m != nil {
		return ExchangePair{To: strings.ToUpper(m[1])}, true
	}
	if m := reExchangeFrom.FindStringSubmatch(description); m != nil {
		return ExchangePair{From: strings.ToUpper(m[1])}, true
	}
	return ExchangePair{}, false
}

// ExchangeKey groups the two feed rows of one exchange. Both sides share a
// description and land within the same minute, so the key is deterministic
// over the normalized description and the minute-truncated timestamp.
func ExchangeKey(description string, ts time.Time) string {
	minute := ts.UTC().Truncate(time.Minute)
	norm := strings.ToLower(strings.TrimSpace(description))
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(norm+"_"+minute.Format(time.RFC3339)))
	return fmt.Sprintf("exchange_%s_%s", minute.Format("2006-01-02"), id)
}
