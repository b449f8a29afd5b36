// Package openai provides a thin wrapper around the official OpenAI Go SDK for batch embeddings.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/redoracle/tgsentinel/internal/embeddings"
)

var (
	// ErrNoEmbeddingInResponse is returned when the API response contains fewer embeddings than inputs.
	ErrNoEmbeddingInResponse = errors.New("openai: missing embedding in response")
	// ErrDimensionMismatch is returned when a response embedding length does not match configured dimensions.
	ErrDimensionMismatch = errors.New("openai: embedding dimension mismatch")
)

const defaultModel = openaisdk.EmbeddingModelTextEmbedding3Small

// Client calls the OpenAI embeddings API via the official SDK.
type Client struct {
	sdk        openaisdk.Client
	model      string
	dimensions int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithDimensions requests shortened embeddings (text-embedding-3 models only). 0 keeps the model default.
func WithDimensions(dim int) ClientOption {
	return func(c *Client) {
		c.dimensions = dim
	}
}

// WithModel sets the embedding model name. Empty uses text-embedding-3-small.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// NewClient creates an OpenAI embeddings client using the official SDK.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		sdk:   openaisdk.NewClient(option.WithAPIKey(apiKey)),
		model: string(defaultModel),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// GetEmbeddings encodes all texts in a single API call and returns vectors in input order.
func (c *Client) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if err := embeddings.ValidateTexts(texts); err != nil {
		return nil, err
	}

	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openaisdk.EmbeddingModel(c.model),
	}
	if c.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(c.dimensions))
	}

	resp, err := c.sdk.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embedding: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNoEmbeddingInResponse, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))

	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("openai embedding: index %d out of range", idx)
		}

		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(d.Embedding), c.dimensions)
		}

		vec := make([]float32, len(d.Embedding))
		for i := range d.Embedding {
			vec[i] = float32(d.Embedding[i])
		}

		out[idx] = vec
	}

	return out, nil
}

var _ embeddings.Client = (*Client)(nil)
