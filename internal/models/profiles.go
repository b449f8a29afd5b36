package models

import "time"

// Defaults applied when an interest profile leaves its weights unset.
const (
	DefaultPositiveWeight = 1.0
	DefaultNegativeWeight = 0.15
)

// WeightedSample is a feedback-derived training sample.
type WeightedSample struct {
	Text    string    `yaml:"text" json:"text"`
	Weight  float64   `yaml:"weight" json:"weight"`
	AddedAt time.Time `yaml:"added_at,omitempty" json:"added_at,omitempty"`
}

// InterestProfile is a semantic profile scored against sample centroids.
// Curated samples carry weight 1.0; feedback samples carry their own weight.
type InterestProfile struct {
	ID               string           `yaml:"id" json:"id"`
	Name             string           `yaml:"name,omitempty" json:"name,omitempty"`
	Threshold        float64          `yaml:"threshold" json:"threshold"`
	PositiveWeight   float64          `yaml:"positive_weight,omitempty" json:"positive_weight,omitempty"`
	NegativeWeight   float64          `yaml:"negative_weight,omitempty" json:"negative_weight,omitempty"`
	PositiveSamples  []string         `yaml:"positive_samples,omitempty" json:"positive_samples,omitempty"`
	NegativeSamples  []string         `yaml:"negative_samples,omitempty" json:"negative_samples,omitempty"`
	FeedbackPositive []WeightedSample `yaml:"feedback_positive,omitempty" json:"feedback_positive,omitempty"`
	FeedbackNegative []WeightedSample `yaml:"feedback_negative,omitempty" json:"feedback_negative,omitempty"`
}

// EffectivePositiveWeight returns PositiveWeight or its default when unset.
func (p *InterestProfile) EffectivePositiveWeight() float64 {
	if p.PositiveWeight <= 0 {
		return DefaultPositiveWeight
	}

	return p.PositiveWeight
}

// EffectiveNegativeWeight returns NegativeWeight or its default when unset.
func (p *InterestProfile) EffectiveNegativeWeight() float64 {
	if p.NegativeWeight <= 0 {
		return DefaultNegativeWeight
	}

	return p.NegativeWeight
}

// FeedbackSamples returns the feedback sample list for category.
func (p *InterestProfile) FeedbackSamples(category SampleCategory) []WeightedSample {
	if category == SampleNegative {
		return p.FeedbackNegative
	}

	return p.FeedbackPositive
}

// SetFeedbackSamples replaces the feedback sample list for category.
func (p *InterestProfile) SetFeedbackSamples(category SampleCategory, samples []WeightedSample) {
	if category == SampleNegative {
		p.FeedbackNegative = samples

		return
	}

	p.FeedbackPositive = samples
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (p *InterestProfile) Clone() *InterestProfile {
	c := *p
	c.PositiveSamples = append([]string(nil), p.PositiveSamples...)
	c.NegativeSamples = append([]string(nil), p.NegativeSamples...)
	c.FeedbackPositive = append([]WeightedSample(nil), p.FeedbackPositive...)
	c.FeedbackNegative = append([]WeightedSample(nil), p.FeedbackNegative...)

	return &c
}

// AlertProfile is a keyword profile gated by MinScore.
type AlertProfile struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	MinScore float64  `yaml:"min_score" json:"min_score"`
}

// Clone returns a deep copy.
func (p *AlertProfile) Clone() *AlertProfile {
	c := *p
	c.Keywords = append([]string(nil), p.Keywords...)

	return &c
}
