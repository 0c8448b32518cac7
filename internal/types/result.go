package types

import "time"

// ResultKind discriminates the two detection result variants.
type ResultKind int

const (
	// KindClassification is a whole-frame safety verdict with no spatial extent.
	KindClassification ResultKind = iota
	// KindRegions is a set of axis-aligned boxes in normalized coordinates.
	KindRegions
)

// CategoryScore is one (label, probability) pair from a classifier.
type CategoryScore struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Region is a single detected sensitive region.
type Region struct {
	Rect       NormalizedRect `json:"rect"`
	Label      string         `json:"label,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// DetectionResult is the tagged union produced by a detector backend.
// Exactly one variant is populated, selected by Kind. Results are replaced
// as whole values, never mutated in place, so readers need no locking.
type DetectionResult struct {
	Kind      ResultKind
	Timestamp time.Time

	// Classification variant
	IsSafe  bool
	Scores  []CategoryScore
	Primary string

	// Regions variant
	Regions []Region
}

// SafeClassification returns the fail-open default for the classification
// variant. The primary label records why the backend gave no verdict
// ("Error", "Loading").
func SafeClassification(primary string) DetectionResult {
	return DetectionResult{
		Kind:      KindClassification,
		Timestamp: time.Now(),
		IsSafe:    true,
		Primary:   primary,
	}
}

// EmptyRegions returns the fail-open default for the region variant.
func EmptyRegions() DetectionResult {
	return DetectionResult{
		Kind:      KindRegions,
		Timestamp: time.Now(),
	}
}

// Unsafe reports whether this result calls for any occlusion at all.
func (r *DetectionResult) Unsafe() bool {
	switch r.Kind {
	case KindClassification:
		return !r.IsSafe
	case KindRegions:
		return len(r.Regions) > 0
	}
	return false
}

// TopScore returns the highest category probability, or 0 when no scores
// are present.
func (r *DetectionResult) TopScore() float64 {
	top := 0.0
	for _, s := range r.Scores {
		if s.Probability > top {
			top = s.Probability
		}
	}
	return top
}

// ProcessingStats is derived once per completed inference round-trip.
// Ephemeral: recomputed every time, never accumulated.
type ProcessingStats struct {
	// Source identifies the stream side the round-trip belongs to
	Source string `json:"source"`
	// FramesPerSecond is the effective inference rate (1000 / LatencyMS)
	FramesPerSecond float64 `json:"fps"`
	// LatencyMS is the inference round-trip duration in milliseconds
	LatencyMS float64 `json:"latency_ms"`
	// Severity is round(topProbability*100) for an unsafe classification,
	// the region count for a region set, 0 otherwise
	Severity int `json:"severity"`
}
