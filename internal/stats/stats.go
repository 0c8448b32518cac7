// Package stats derives per-round-trip processing statistics. Values are
// recomputed from each inference round-trip and never accumulated.
package stats

import (
	"log/slog"
	"math"
	"time"

	"github.com/gary-y/safestream/internal/types"
)

// Reporter consumes one ProcessingStats per completed inference
// round-trip. Never invoked for dropped frames or while a request is in
// flight.
type Reporter interface {
	Report(stats types.ProcessingStats)
}

// Compute derives stats from one round-trip. A zero round-trip duration
// reports 0 fps, not infinity.
func Compute(source string, result types.DetectionResult, roundTrip time.Duration) types.ProcessingStats {
	latencyMS := float64(roundTrip.Milliseconds())

	var fps float64
	if latencyMS > 0 {
		fps = 1000 / latencyMS
	}

	return types.ProcessingStats{
		Source:          source,
		FramesPerSecond: fps,
		LatencyMS:       latencyMS,
		Severity:        severity(result),
	}
}

// severity is round(topProbability*100) for an unsafe classification, the
// region count for a region set, 0 otherwise.
func severity(result types.DetectionResult) int {
	switch result.Kind {
	case types.KindClassification:
		if result.IsSafe {
			return 0
		}
		return int(math.Round(result.TopScore() * 100))
	case types.KindRegions:
		return len(result.Regions)
	}
	return 0
}

// FuncReporter adapts a function to the Reporter interface
type FuncReporter func(types.ProcessingStats)

func (f FuncReporter) Report(s types.ProcessingStats) { f(s) }

// LogReporter writes stats to the debug log
type LogReporter struct{}

func (LogReporter) Report(s types.ProcessingStats) {
	slog.Debug("inference round-trip",
		"source", s.Source,
		"fps", float64(int(s.FramesPerSecond*100))/100,
		"latency_ms", s.LatencyMS,
		"severity", s.Severity,
	)
}

// Multi fans one report out to several reporters
func Multi(reporters ...Reporter) Reporter {
	return FuncReporter(func(s types.ProcessingStats) {
		for _, r := range reporters {
			r.Report(s)
		}
	})
}
