// Package googleai provides a thin wrapper around the Google Gen AI SDK for batch embeddings (Gemini API).
package googleai

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/genai"

	"github.com/redoracle/tgsentinel/internal/embeddings"
)

var (
	// ErrInvalidDims is returned when dimensions is out of range.
	ErrInvalidDims = errors.New("googleai: embedding dimensions out of range")
	// ErrNoEmbeddingInResponse is returned when the API response contains fewer embeddings than inputs.
	ErrNoEmbeddingInResponse = errors.New("googleai: missing embedding in response")
)

const defaultModel = "gemini-embedding-001"

// Client calls the Gemini embeddings API via the Google Gen AI SDK.
type Client struct {
	client     *genai.Client
	model      string
	dimensions int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions sets OutputDimensionality. 0 keeps the model default.
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithModel sets the embedding model name (e.g. gemini-embedding-001). Empty uses default.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// NewClient creates a Gemini embeddings client.
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("googleai client: %w", err)
	}

	client := &Client{
		client: genaiClient,
		model:  defaultModel,
	}
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// GetEmbeddings encodes all texts in one EmbedContent call; one Content per text.
func (c *Client) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embeddings.ValidateTexts(texts); err != nil {
		return nil, err
	}

	if c.dimensions < 0 || c.dimensions > math.MaxInt32 {
		return nil, ErrInvalidDims
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var cfg *genai.EmbedContentConfig

	if c.dimensions > 0 {
		//nolint:gosec // G115: c.dimensions is bounded above by math.MaxInt32
		dimInt32 := int32(c.dimensions)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dimInt32}
	}

	resp, err := c.client.Models.EmbedContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding: %w", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNoEmbeddingInResponse, len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		vec := make([]float32, len(emb.Values))
		copy(vec, emb.Values)
		out[i] = vec
	}

	return out, nil
}

var _ embeddings.Client = (*Client)(nil)
