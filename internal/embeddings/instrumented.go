package embeddings

import (
	"context"
	"time"

	"github.com/redoracle/tgsentinel/internal/observability"
)

// InstrumentedClient records call counts and latency of the wrapped Client.
type InstrumentedClient struct {
	next    Client
	metrics observability.EncoderMetrics
}

// WithMetrics wraps c. A nil metrics returns c unchanged.
func WithMetrics(c Client, metrics observability.EncoderMetrics) Client {
	if metrics == nil {
		return c
	}

	return &InstrumentedClient{next: c, metrics: metrics}
}

// GetEmbeddings forwards to the wrapped client and records the outcome.
func (c *InstrumentedClient) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := c.next.GetEmbeddings(ctx, texts)
	c.metrics.RecordEncode(ctx, len(texts), time.Since(start), err)

	return vecs, err
}
