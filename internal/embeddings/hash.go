package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	vec "github.com/redoracle/tgsentinel/pkg/embeddings"
)

// HashClient produces deterministic unit vectors from a SHA-256 expansion of
// the text. Identical texts map to identical vectors, which makes it usable
// offline and in tests; it carries no semantic meaning.
type HashClient struct {
	dimensions int
}

// NewHashClient creates a hash encoder with the given dimensions.
func NewHashClient(dimensions int) *HashClient {
	if dimensions <= 0 {
		dimensions = 384
	}

	return &HashClient{dimensions: dimensions}
}

// GetEmbeddings returns one deterministic vector per text.
func (c *HashClient) GetEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = c.embed(text)
	}

	return out, nil
}

func (c *HashClient) embed(text string) []float32 {
	embedding := make([]float32, c.dimensions)

	var (
		block   [sha256.Size]byte
		counter uint32
	)

	// Re-hash text||counter for every 32 bytes so long vectors do not repeat.
	for i := range embedding {
		pos := i % sha256.Size
		if pos == 0 {
			buf := make([]byte, 0, len(text)+4)
			buf = append(buf, text...)
			buf = binary.BigEndian.AppendUint32(buf, counter)
			block = sha256.Sum256(buf)
			counter++
		}

		embedding[i] = (float32(block[pos]) / 127.5) - 1.0
	}

	vec.NormalizeL2(embedding)

	return embedding
}

var _ Client = (*HashClient)(nil)
