// Package detector wraps the inference backends behind one adapter
// contract: a single asynchronous round-trip per frame, no retry, no
// internal queueing. Backend failures degrade fail-open (treat content as
// safe) rather than freezing the pipeline.
package detector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gary-y/safestream/internal/types"
)

// ErrNotReady is returned by a backend that has not finished loading its
// model. Callers fail open rather than block on readiness.
var ErrNotReady = errors.New("detector: model not ready")

// Detector analyzes one frame and returns a DetectionResult.
// Implementations perform exactly one backend round-trip per call.
type Detector interface {
	// Kind reports which result variant this backend produces
	Kind() types.ResultKind
	// Analyze runs a single inference round-trip for the frame
	Analyze(ctx context.Context, frame types.Frame) (types.DetectionResult, error)
	// Close releases backend resources
	Close() error
}

// failOpen wraps a Detector so that every backend failure resolves to the
// safe default for its variant. Errors are logged, never propagated; a
// backend outage degrades to "unshielded" rather than a stuck pipeline.
type failOpen struct {
	inner Detector
}

// FailOpen returns d wrapped with fail-open error handling. The pipeline
// always runs detectors through this wrapper.
func FailOpen(d Detector) Detector {
	return &failOpen{inner: d}
}

func (f *failOpen) Kind() types.ResultKind { return f.inner.Kind() }

func (f *failOpen) Analyze(ctx context.Context, frame types.Frame) (types.DetectionResult, error) {
	result, err := f.inner.Analyze(ctx, frame)
	if err == nil {
		return result, nil
	}

	slog.Warn("detector backend failed, failing open",
		"error", err,
		"source", frame.Source,
		"trace_id", frame.TraceID,
	)

	if f.inner.Kind() == types.KindRegions {
		return types.EmptyRegions(), nil
	}
	if errors.Is(err, ErrNotReady) {
		return types.SafeClassification("Loading"), nil
	}
	return types.SafeClassification("Error"), nil
}

func (f *failOpen) Close() error { return f.inner.Close() }
