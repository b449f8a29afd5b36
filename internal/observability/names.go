// Package observability provides OpenTelemetry metrics and tracing for the calibration engine.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameFeedbackEvents       = "calibration_feedback_events_total"
	MetricNameRecommendations      = "calibration_recommendations_total"
	MetricNameBatches              = "calibration_batches_total"
	MetricNameBatchProfiles        = "calibration_batch_profiles_total"
	MetricNameBatchDuration        = "calibration_batch_duration_seconds"
	MetricNameQueuePersistFailures = "calibration_queue_persist_failures_total"
	MetricNameCacheHits            = "calibration_cache_hits_total"
	MetricNameCacheMisses          = "calibration_cache_misses_total"
	MetricNameCacheReplacements    = "calibration_cache_replacements_total"
	MetricNameEncoderCalls         = "calibration_encoder_calls_total"
	MetricNameEncoderTexts         = "calibration_encoder_texts_total"
	MetricNameEncoderDuration      = "calibration_encoder_duration_seconds"
	MetricNameHTTPRequests         = "http.server.request_count"
	MetricNameHTTPDuration         = "http.server.duration"
	MetricNameRequestBodyTooLarge  = "http_request_body_too_large_total"
)

// Attribute keys.
const (
	AttrProfileType = "profile_type"
	AttrLabel       = "label"
	AttrAction      = "action"
	AttrOutcome     = "outcome"
	AttrTrigger     = "trigger"
	AttrStatus      = "status"
	AttrCache       = "cache"
)

// AllowedActions for calibration_recommendations_total.
var AllowedActions = map[string]bool{
	"raise_threshold":     true,
	"raise_min_score":     true,
	"add_negative_sample": true,
	"add_positive_sample": true,
}

// AllowedOutcomes for calibration_recommendations_total.
var AllowedOutcomes = map[string]bool{
	"applied":      true,
	"queued":       true,
	"duplicate":    true,
	"drift_capped": true,
	"failed":       true,
	"skipped":      true,
}

// AllowedCacheNames for the cache hit/miss counters.
var AllowedCacheNames = map[string]bool{
	"centroids": true,
}

// normalize returns v if allowed, otherwise fallback.
func normalize(v string, allowed map[string]bool, fallback string) string {
	if allowed[v] {
		return v
	}

	return fallback
}

// NormalizeProfileType returns interest or alert, otherwise "unknown".
func NormalizeProfileType(v string) string {
	switch v {
	case "interest", "alert":
		return v
	default:
		return "unknown"
	}
}

// NormalizeLabel returns up or down, otherwise "unknown".
func NormalizeLabel(v string) string {
	switch v {
	case "up", "down":
		return v
	default:
		return "unknown"
	}
}

// NormalizeTrigger returns automatic or manual, otherwise "unknown".
func NormalizeTrigger(v string) string {
	switch v {
	case "automatic", "manual":
		return v
	default:
		return "unknown"
	}
}

// NormalizeCacheName returns name if it is a known cache, otherwise "other".
func NormalizeCacheName(name string) string {
	return normalize(name, AllowedCacheNames, "other")
}
