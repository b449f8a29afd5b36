// Package semantic scores message text against interest profiles using
// weighted positive and negative centroids.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/observability"
	"github.com/redoracle/tgsentinel/pkg/cache"
	vec "github.com/redoracle/tgsentinel/pkg/embeddings"
)

const (
	// NegativeMargin is the negative-centroid similarity above which a penalty applies.
	NegativeMargin = 0.3
	// DefaultFeedbackSampleWeight is used for feedback samples stored without a weight.
	DefaultFeedbackSampleWeight = 0.4

	centroidCacheName = "centroids"
)

// Encoder turns texts into vectors in one call.
type Encoder interface {
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// ProfileSource reads interest profile definitions.
type ProfileSource interface {
	Interest(ctx context.Context, id string) (*models.InterestProfile, error)
}

// SnapshotStore persists computed centroids for diagnostics. Optional.
type SnapshotStore interface {
	SaveCentroids(ctx context.Context, snap *models.CentroidSnapshot) error
}

// Centroids is the cached scoring state of one interest profile.
type Centroids struct {
	ProfileID       string
	Positive        []float32
	Negative        []float32
	PositiveVectors [][]float32
	NegativeCount   int
	PositiveWeight  float64
	NegativeWeight  float64
	ComputedAt      time.Time
}

// Result is the outcome of scoring one text against one profile.
type Result struct {
	Score              float64 `json:"score"`
	BestMatch          float64 `json:"best_match"`
	PositiveSimilarity float64 `json:"positive_similarity"`
	NegativeSimilarity float64 `json:"negative_similarity"`
	Penalty            float64 `json:"penalty"`
}

// Scorer computes bounded similarity scores. Scoring only ever reads cached
// centroids; Recompute is the single path that replaces them.
type Scorer struct {
	encoder        Encoder
	profiles       ProfileSource
	centroids      *cache.LoaderCache[string, *Centroids]
	snapshots      SnapshotStore
	feedbackWeight float64
	cacheMetrics   observability.CacheMetrics
	logger         *slog.Logger
}

// ScorerParams configures Scorer. Snapshots, CacheMetrics and Logger may be nil.
type ScorerParams struct {
	Encoder              Encoder
	Profiles             ProfileSource
	CacheSize            int
	FeedbackSampleWeight float64
	Snapshots            SnapshotStore
	CacheMetrics         observability.CacheMetrics
	Logger               *slog.Logger
}

// NewScorer creates a Scorer with an LRU centroid cache.
func NewScorer(p ScorerParams) (*Scorer, error) {
	size := p.CacheSize
	if size <= 0 {
		size = 512
	}

	centroids, err := cache.NewLoaderCache[string, *Centroids](size, func(id string) string { return id })
	if err != nil {
		return nil, fmt.Errorf("create centroid cache: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	weight := p.FeedbackSampleWeight
	if weight <= 0 {
		weight = DefaultFeedbackSampleWeight
	}

	return &Scorer{
		encoder:        p.Encoder,
		profiles:       p.Profiles,
		centroids:      centroids,
		snapshots:      p.Snapshots,
		feedbackWeight: weight,
		cacheMetrics:   p.CacheMetrics,
		logger:         logger,
	}, nil
}

// Score encodes text and scores it against profileID's cached centroids.
// A profile that has never been computed is built once on first use.
func (s *Scorer) Score(ctx context.Context, text, profileID string) (Result, error) {
	c, hit, err := s.centroids.GetWithStats(ctx, profileID, s.build)
	if err != nil {
		return Result{}, fmt.Errorf("load centroids: %w", err)
	}

	if s.cacheMetrics != nil {
		if hit {
			s.cacheMetrics.RecordHit(ctx, centroidCacheName)
		} else {
			s.cacheMetrics.RecordMiss(ctx, centroidCacheName)
		}
	}

	vecs, err := s.encoder.GetEmbeddings(ctx, []string{text})
	if err != nil {
		return Result{}, apperrors.NewEncoderFailureError(err)
	}

	if len(vecs) != 1 {
		return Result{}, apperrors.NewEncoderFailureError(fmt.Errorf("got %d vectors for 1 text", len(vecs)))
	}

	return ScoreVector(c, vecs[0])
}

// ScoreVector scores an already encoded message vector against c.
func ScoreVector(c *Centroids, v []float32) (Result, error) {
	var res Result

	if c.Positive != nil {
		sim, err := vec.CosineSimilarity(v, c.Positive)
		if err != nil {
			return Result{}, err
		}

		res.PositiveSimilarity = sim
	}

	raw := res.PositiveSimilarity * c.PositiveWeight

	if c.Negative != nil {
		sim, err := vec.CosineSimilarity(v, c.Negative)
		if err != nil {
			return Result{}, err
		}

		res.NegativeSimilarity = sim
		if sim > NegativeMargin {
			res.Penalty = (sim - NegativeMargin) * c.NegativeWeight
			raw -= res.Penalty
		}
	}

	res.Score = clamp01((raw + 1.0) / 2.0)

	for _, sample := range c.PositiveVectors {
		sim, err := vec.CosineSimilarity(v, sample)
		if err != nil {
			return Result{}, err
		}

		res.BestMatch = math.Max(res.BestMatch, sim)
	}

	res.BestMatch = clamp01(res.BestMatch)

	return res, nil
}

// Recompute rebuilds profileID's centroids from its current samples and
// replaces the cached entry before returning.
func (s *Scorer) Recompute(ctx context.Context, profileID string) (*Centroids, error) {
	c, err := s.build(ctx, profileID)
	if err != nil {
		return nil, err
	}

	s.centroids.Put(profileID, c)

	if s.cacheMetrics != nil {
		s.cacheMetrics.RecordReplace(ctx, centroidCacheName)
	}

	if s.snapshots != nil {
		snap := &models.CentroidSnapshot{
			ProfileID:     profileID,
			Positive:      c.Positive,
			Negative:      c.Negative,
			PositiveCount: len(c.PositiveVectors),
			NegativeCount: c.NegativeCount,
			ComputedAt:    c.ComputedAt,
		}
		if err := s.snapshots.SaveCentroids(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "semantic: save centroid snapshot failed", "profile_id", profileID, "error", err)
		}
	}

	return c, nil
}

// Cached returns the cached centroids for profileID, if any.
func (s *Scorer) Cached(profileID string) (*Centroids, bool) {
	return s.centroids.Peek(profileID)
}

// Forget drops a profile from the cache (e.g. after it was deleted).
func (s *Scorer) Forget(profileID string) {
	s.centroids.Invalidate(profileID)
}

func (s *Scorer) build(ctx context.Context, profileID string) (*Centroids, error) {
	p, err := s.profiles.Interest(ctx, profileID)
	if err != nil {
		return nil, err
	}

	posTexts, posWeights := s.weighted(p.PositiveSamples, p.FeedbackPositive)
	negTexts, negWeights := s.weighted(p.NegativeSamples, p.FeedbackNegative)

	c := &Centroids{
		ProfileID:      profileID,
		PositiveWeight: p.EffectivePositiveWeight(),
		NegativeWeight: p.EffectiveNegativeWeight(),
		ComputedAt:     time.Now().UTC(),
	}

	all := make([]string, 0, len(posTexts)+len(negTexts))
	all = append(all, posTexts...)
	all = append(all, negTexts...)

	if len(all) == 0 {
		s.logger.WarnContext(ctx, "semantic: profile has no samples", "profile_id", profileID)

		return c, nil
	}

	vecs, err := s.encoder.GetEmbeddings(ctx, all)
	if err != nil {
		return nil, apperrors.NewEncoderFailureError(err)
	}

	if len(vecs) != len(all) {
		return nil, apperrors.NewEncoderFailureError(fmt.Errorf("got %d vectors for %d texts", len(vecs), len(all)))
	}

	posVecs := vecs[:len(posTexts)]
	negVecs := vecs[len(posTexts):]

	if len(posVecs) > 0 {
		if c.Positive, err = vec.WeightedCentroid(posVecs, posWeights); err != nil {
			return nil, fmt.Errorf("positive centroid: %w", err)
		}

		c.PositiveVectors = posVecs
	}

	if len(negVecs) > 0 {
		if c.Negative, err = vec.WeightedCentroid(negVecs, negWeights); err != nil {
			return nil, fmt.Errorf("negative centroid: %w", err)
		}

		c.NegativeCount = len(negVecs)
	}

	s.logger.DebugContext(ctx, "semantic: centroids built",
		"profile_id", profileID,
		"positive_samples", len(posTexts),
		"negative_samples", len(negTexts),
	)

	return c, nil
}

// weighted lists curated samples at weight 1.0 followed by feedback samples at their own weight.
func (s *Scorer) weighted(curated []string, feedback []models.WeightedSample) ([]string, []float64) {
	texts := make([]string, 0, len(curated)+len(feedback))
	weights := make([]float64, 0, len(curated)+len(feedback))

	for _, t := range curated {
		if t == "" {
			continue
		}

		texts = append(texts, t)
		weights = append(weights, 1.0)
	}

	for _, fs := range feedback {
		if fs.Text == "" {
			continue
		}

		w := fs.Weight
		if w <= 0 {
			w = s.feedbackWeight
		}

		texts = append(texts, fs.Text)
		weights = append(weights, w)
	}

	return texts, weights
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
