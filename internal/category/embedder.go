package category

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultEmbeddingModel is the model used for keyword and description
// embeddings.
const DefaultEmbeddingModel = "text-embedding-004"

// GenAIEmbedder implements Embedder on top of the GenAI embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates an embedder using ambient credentials
// (GEMINI_API_KEY or application default credentials).
func NewGenAIEmbedder(ctx context.Context) (*GenAIEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGenAIEmbedder: create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: DefaultEmbeddingModel}, nil
}

// Embed returns one vector per input text, in input order.
func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: t}},
		})
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
