// Package category assigns a spending/income category to a transaction
// description. Keyword rules are checked first; when none match, the
// description is compared against per-category averaged keyword embeddings
// and the best match above a fixed threshold wins.
package category

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// DefaultLabel is returned when nothing else matches. Its relation ID
	// must always be resolvable.
	DefaultLabel = "Other"
	// TransferLabel is forced for structurally identifiable transfers and
	// exchanges regardless of direction.
	TransferLabel = "Transfer"

	similarityThreshold = 0.2
)

// transferMarkers short-circuit classification: transfers have ambiguous
// semantic content but recognizable phrasing.
var transferMarkers = []string{"exchanged to", "exchanged from", "vault", "transfer"}

// Embedder produces one embedding vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Classifier is a pure function over its tables once constructed. Categorize
// never fails: a description that cannot be classified is a normal case
// mapped to DefaultLabel.
type Classifier struct {
	tables   Tables
	embedder Embedder
	log      zerolog.Logger

	once        sync.Once
	expenseVecs []labelVector
	incomeVecs  []labelVector
	vecErr      error
}

type labelVector struct {
	label string
	vec   []float32
}

// NewClassifier builds a classifier over the given tables. embedder may be
// nil, in which case the semantic fallback is skipped entirely.
func NewClassifier(tables Tables, embedder Embedder, log zerolog.Logger) *Classifier {
	return &Classifier{tables: tables, embedder: embedder, log: log}
}

// Categorize maps a description to a category label for the given direction.
func (c *Classifier) Categorize(ctx context.Context, description string, isIncome bool) string {
	if strings.TrimSpace(description) == "" {
		return DefaultLabel
	}
	desc := strings.ToLower(strings.TrimSpace(description))

	for _, marker := range transferMarkers {
		if strings.Contains(desc, marker) {
			return TransferLabel
		}
	}

	rules := c.tables.Expenses
	if isIncome {
		rules = c.tables.Income
	}
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(desc, kw) {
				return rule.Label
			}
		}
	}

	return c.categorizeSemantically(ctx, desc, isIncome)
}

// categorizeSemantically compares the description embedding against each
// category's averaged keyword embedding. Any provider failure degrades to
// DefaultLabel.
func (c *Classifier) categorizeSemantically(ctx context.Context, desc string, isIncome bool) string {
	if c.embedder == nil {
		return DefaultLabel
	}

	c.once.Do(func() { c.buildCategoryVectors(ctx) })
	if c.vecErr != nil {
		return DefaultLabel
	}
	vectors := c.expenseVecs
	if isIncome {
		vectors = c.incomeVecs
	}
	if len(vectors) == 0 {
		return DefaultLabel
	}

	embedded, err := c.embedder.Embed(ctx, []string{desc})
	if err != nil || len(embedded) == 0 {
		c.log.Warn().Err(err).Msg("Description embedding failed, using default category")
		return DefaultLabel
	}
	descVec := embedded[0]

	best, bestScore := "", 0.0
	for _, lv := range vectors {
		score := cosineSimilarity(descVec, lv.vec)
		if score > bestScore {
			best, bestScore = lv.label, score
		}
	}
	if bestScore > similarityThreshold {
		return best
	}
	return DefaultLabel
}

// buildCategoryVectors embeds every keyword of both tables in one batch and
// averages them per category. Runs once per classifier.
func (c *Classifier) buildCategoryVectors(ctx context.Context) {
	c.expenseVecs, c.vecErr = c.embedTable(ctx, c.tables.Expenses)
	if c.vecErr != nil {
		c.log.Warn().Err(c.vecErr).Msg("Building expense category embeddings failed")
		return
	}
	c.incomeVecs, c.vecErr = c.embedTable(ctx, c.tables.Income)
	if c.vecErr != nil {
		c.log.Warn().Err(c.vecErr).Msg("Building income category embeddings failed")
	}
}

func (c *Classifier) embedTable(ctx context.Context, rules []Rule) ([]labelVector, error) {
	var texts []string
	for _, r := range rules {
		texts = append(texts, r.Keywords...)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	var out []labelVector
	i := 0
	for _, r := range rules {
		if len(r.Keywords) == 0 {
			continue
		}
		avg := averageVectors(vecs[i : i+len(r.Keywords)])
		i += len(r.Keywords)
		if avg != nil {
			out = append(out, labelVector{label: r.Label, vec: avg})
		}
	}
	return out, nil
}

func averageVectors(vecs [][]float32) []float32 {
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil
	}
	avg := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range avg {
			avg[i] += v[i]
		}
	}
	n := float32(len(vecs))
	for i := range avg {
		avg[i] /= n
	}
	return avg
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
