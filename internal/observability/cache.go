package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics records the centroid cache lifecycle: an entry is built on a
// first-use miss and afterwards only replaced by an explicit recompute.
type CacheMetrics interface {
	RecordHit(ctx context.Context, cacheName string)
	RecordMiss(ctx context.Context, cacheName string)
	RecordReplace(ctx context.Context, cacheName string)
}

type cacheMetrics struct {
	hits         metric.Int64Counter
	misses       metric.Int64Counter
	replacements metric.Int64Counter
}

// NewCacheMetrics returns (nil, nil) when meter is nil.
func NewCacheMetrics(meter metric.Meter) (CacheMetrics, error) {
	if meter == nil {
		//nolint:nilnil // callers check for nil when metrics are disabled
		return nil, nil
	}

	m := &cacheMetrics{}

	counters := []struct {
		name string
		desc string
		dst  *metric.Int64Counter
	}{
		{MetricNameCacheHits, "Scores served from cached centroids.", &m.hits},
		{MetricNameCacheMisses, "Scores that built centroids on first use of a profile.", &m.misses},
		{MetricNameCacheReplacements, "Cached centroids replaced by a recompute.", &m.replacements},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	return m, nil
}

func cacheAttrs(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String(AttrCache, NormalizeCacheName(name)))
}

func (c *cacheMetrics) RecordHit(ctx context.Context, cacheName string) {
	c.hits.Add(ctx, 1, cacheAttrs(cacheName))
}

func (c *cacheMetrics) RecordMiss(ctx context.Context, cacheName string) {
	c.misses.Add(ctx, 1, cacheAttrs(cacheName))
}

func (c *cacheMetrics) RecordReplace(ctx context.Context, cacheName string) {
	c.replacements.Add(ctx, 1, cacheAttrs(cacheName))
}
