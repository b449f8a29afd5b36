package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// tableEncoder returns fixed vectors per text.
type tableEncoder struct {
	vectors map[string][]float32
	calls   atomic.Int32
	err     error
}

func (e *tableEncoder) GetEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)

	if e.err != nil {
		return nil, e.err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}

		out[i] = v
	}

	return out, nil
}

type mapProfiles map[string]*models.InterestProfile

func (m mapProfiles) Interest(_ context.Context, id string) (*models.InterestProfile, error) {
	p, ok := m[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("interest profile", id)
	}

	return p.Clone(), nil
}

type snapshotRecorder struct {
	saved []*models.CentroidSnapshot
}

func (r *snapshotRecorder) SaveCentroids(_ context.Context, snap *models.CentroidSnapshot) error {
	r.saved = append(r.saved, snap)

	return nil
}

func newTestScorer(t *testing.T, enc Encoder, profiles mapProfiles) *Scorer {
	t.Helper()

	s, err := NewScorer(ScorerParams{Encoder: enc, Profiles: profiles, CacheSize: 8})
	require.NoError(t, err)

	return s
}

func TestScore_exactSingleSampleMatch(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"btc etf approved": {1, 0, 0},
	}}
	profiles := mapProfiles{"crypto": {ID: "crypto", PositiveSamples: []string{"btc etf approved"}}}

	s := newTestScorer(t, enc, profiles)

	res, err := s.Score(context.Background(), "btc etf approved", "crypto")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Score, 1e-6)
	assert.InDelta(t, 1.0, res.BestMatch, 1e-6)
	assert.Zero(t, res.Penalty)
}

func TestScore_orthogonalIsHalf(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"sample": {1, 0},
		"other":  {0, 1},
	}}
	s := newTestScorer(t, enc, mapProfiles{"p": {ID: "p", PositiveSamples: []string{"sample"}}})

	res, err := s.Score(context.Background(), "other", "p")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, 1e-6)
	assert.InDelta(t, 0.0, res.BestMatch, 1e-6)
}

func TestScore_negativePenaltyAboveMargin(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"pos": {1, 0},
		"neg": {0, 1},
		"msg": {0.6, 0.8},
	}}
	profiles := mapProfiles{"p": {
		ID:              "p",
		PositiveSamples: []string{"pos"},
		NegativeSamples: []string{"neg"},
		NegativeWeight:  0.5,
	}}
	s := newTestScorer(t, enc, profiles)

	res, err := s.Score(context.Background(), "msg", "p")
	require.NoError(t, err)

	// raw = 0.6*1.0 - (0.8-0.3)*0.5 = 0.35
	assert.InDelta(t, 0.8, res.NegativeSimilarity, 1e-6)
	assert.InDelta(t, 0.25, res.Penalty, 1e-6)
	assert.InDelta(t, (0.35+1)/2, res.Score, 1e-6)
}

func TestScore_noPenaltyAtOrBelowMargin(t *testing.T) {
	c := &Centroids{
		Positive:       []float32{1, 0},
		Negative:       []float32{0, 1},
		PositiveWeight: 1.0,
		NegativeWeight: 10,
	}

	res, err := ScoreVector(c, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, res.Penalty)
	assert.InDelta(t, 1.0, res.Score, 1e-6)
}

func TestScore_clampedToUnitInterval(t *testing.T) {
	c := &Centroids{
		Positive:       []float32{1, 0},
		Negative:       []float32{-1, 0},
		PositiveWeight: 1.0,
		NegativeWeight: 5,
	}

	res, err := ScoreVector(c, []float32{-1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
}

func TestScore_buildsOnceThenServesFromCache(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{"a": {1, 0}, "b": {0, 1}}}
	s := newTestScorer(t, enc, mapProfiles{"p": {ID: "p", PositiveSamples: []string{"a"}}})

	_, err := s.Score(context.Background(), "b", "p")
	require.NoError(t, err)
	_, err = s.Score(context.Background(), "b", "p")
	require.NoError(t, err)

	// One build call plus one encode per Score.
	assert.Equal(t, int32(3), enc.calls.Load())
}

func TestRecompute_replacesCachedCentroids(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"old": {1, 0},
		"new": {0, 1},
	}}
	profiles := mapProfiles{"p": {ID: "p", PositiveSamples: []string{"old"}}}
	rec := &snapshotRecorder{}

	s, err := NewScorer(ScorerParams{Encoder: enc, Profiles: profiles, Snapshots: rec})
	require.NoError(t, err)

	before, err := s.Score(context.Background(), "new", "p")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, before.Score, 1e-6)

	profiles["p"].FeedbackPositive = []models.WeightedSample{{Text: "new", Weight: 0.4}}
	profiles["p"].PositiveSamples = nil

	_, err = s.Recompute(context.Background(), "p")
	require.NoError(t, err)

	after, err := s.Score(context.Background(), "new", "p")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, after.Score, 1e-6)

	require.Len(t, rec.saved, 1)
	assert.Equal(t, "p", rec.saved[0].ProfileID)
	assert.Equal(t, 1, rec.saved[0].PositiveCount)
	assert.Equal(t, 0, rec.saved[0].NegativeCount)
}

type cacheCounts struct {
	hits, misses, replaces int
}

func (c *cacheCounts) RecordHit(context.Context, string)     { c.hits++ }
func (c *cacheCounts) RecordMiss(context.Context, string)    { c.misses++ }
func (c *cacheCounts) RecordReplace(context.Context, string) { c.replaces++ }

func TestScorer_cacheMetricsFollowLifecycle(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{"a": {1, 0}, "q": {1, 0}}}
	profiles := mapProfiles{"p": {ID: "p", PositiveSamples: []string{"a"}}}
	counts := &cacheCounts{}

	s, err := NewScorer(ScorerParams{Encoder: enc, Profiles: profiles, CacheMetrics: counts})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = s.Score(ctx, "q", "p")
	require.NoError(t, err)
	_, err = s.Score(ctx, "q", "p")
	require.NoError(t, err)
	_, err = s.Recompute(ctx, "p")
	require.NoError(t, err)
	_, err = s.Score(ctx, "q", "p")
	require.NoError(t, err)

	assert.Equal(t, cacheCounts{hits: 2, misses: 1, replaces: 1}, *counts)
}

func TestRecompute_snapshotCountsEveryNegativeSample(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"good":  {1, 0},
		"spam":  {0, 1},
		"scam":  {0, 1},
		"noise": {0, 1},
	}}
	profiles := mapProfiles{"p": {
		ID:               "p",
		PositiveSamples:  []string{"good"},
		NegativeSamples:  []string{"spam", "scam"},
		FeedbackNegative: []models.WeightedSample{{Text: "noise", Weight: 0.4}},
	}}
	rec := &snapshotRecorder{}

	s, err := NewScorer(ScorerParams{Encoder: enc, Profiles: profiles, Snapshots: rec})
	require.NoError(t, err)

	c, err := s.Recompute(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 3, c.NegativeCount)

	require.Len(t, rec.saved, 1)
	assert.Equal(t, 1, rec.saved[0].PositiveCount)
	assert.Equal(t, 3, rec.saved[0].NegativeCount)
}

func TestRecompute_weightsFeedbackBelowCurated(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{
		"curated":  {1, 0},
		"feedback": {0, 1},
	}}
	profiles := mapProfiles{"p": {
		ID:               "p",
		PositiveSamples:  []string{"curated"},
		FeedbackPositive: []models.WeightedSample{{Text: "feedback", Weight: 0.4}},
	}}
	s := newTestScorer(t, enc, profiles)

	c, err := s.Recompute(context.Background(), "p")
	require.NoError(t, err)
	assert.Greater(t, c.Positive[0], c.Positive[1])
	assert.Len(t, c.PositiveVectors, 2)
}

func TestScore_encoderFailure(t *testing.T) {
	enc := &tableEncoder{err: errors.New("model offline")}
	s := newTestScorer(t, enc, mapProfiles{"p": {ID: "p", PositiveSamples: []string{"x"}}})

	_, err := s.Score(context.Background(), "x", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrEncoderFailure)
}

func TestScore_unknownProfile(t *testing.T) {
	s := newTestScorer(t, &tableEncoder{}, mapProfiles{})

	_, err := s.Score(context.Background(), "x", "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestScore_emptyProfileScoresNeutral(t *testing.T) {
	enc := &tableEncoder{vectors: map[string][]float32{"x": {1, 0}}}
	s := newTestScorer(t, enc, mapProfiles{"p": {ID: "p"}})

	res, err := s.Score(context.Background(), "x", "p")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, 1e-9)
}
