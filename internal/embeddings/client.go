// Package embeddings defines the text encoder contract and the encoders that do
// not need a vendor SDK of their own: a deterministic hash encoder and a client
// for OpenAI-compatible local servers.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput is returned when no texts, or an empty text, are passed.
	ErrEmptyInput = errors.New("embeddings: input text is empty")
	// ErrCountMismatch is returned when a provider returns a different number of vectors than texts.
	ErrCountMismatch = errors.New("embeddings: unexpected number of embeddings returned")
)

// Client encodes texts into fixed-length vectors. Implementations must return
// one vector per input text, in input order.
type Client interface {
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// GetEmbedding encodes a single text through c.
func GetEmbedding(ctx context.Context, c Client, text string) ([]float32, error) {
	vecs, err := c.GetEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d, want 1", ErrCountMismatch, len(vecs))
	}

	return vecs[0], nil
}

// ValidateTexts rejects an empty batch or any empty text.
func ValidateTexts(texts []string) error {
	if len(texts) == 0 {
		return ErrEmptyInput
	}

	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d", ErrEmptyInput, i)
		}
	}

	return nil
}
