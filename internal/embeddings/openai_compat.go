package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// CompatClient talks to any server exposing the OpenAI /embeddings endpoint
// (Ollama, LM Studio, vLLM, text-embeddings-inference).
type CompatClient struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewCompatClient creates a client for baseURL (e.g. http://localhost:11434/v1).
// apiKey may be empty for local servers.
func NewCompatClient(baseURL, apiKey, model string) *CompatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	return &CompatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
	}
}

// GetEmbeddings encodes all texts in one request.
func (c *CompatClient) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("compat embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("compat embeddings: index %d out of range", d.Index)
		}

		out[d.Index] = d.Embedding
	}

	return out, nil
}

var _ Client = (*CompatClient)(nil)
