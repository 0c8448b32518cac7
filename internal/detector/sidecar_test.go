package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/gary-y/safestream/internal/types"
)

func newTestSidecar(t *testing.T) *SidecarDetector {
	t.Helper()
	d, err := NewSidecarDetector(SidecarConfig{
		Command:    "run_worker.sh",
		ModelPath:  "model.onnx",
		Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("NewSidecarDetector failed: %v", err)
	}
	return d
}

// TestSidecarNotReady verifies requests before the ready handshake return
// ErrNotReady instead of blocking on the worker.
func TestSidecarNotReady(t *testing.T) {
	d := newTestSidecar(t)

	_, err := d.Analyze(context.Background(), types.Frame{Width: 64, Height: 48})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady before handshake, got %v", err)
	}
}

// TestSidecarToResult verifies region mapping: corner canonicalization
// and the confidence floor.
func TestSidecarToResult(t *testing.T) {
	d := newTestSidecar(t)

	resp := sidecarResponse{
		ID: 1,
		Regions: []sidecarRegion{
			{YMin: 0.1, XMin: 0.2, YMax: 0.5, XMax: 0.6, Label: "exposed", Confidence: 0.9},
			{YMin: 0.5, XMin: 0.6, YMax: 0.1, XMax: 0.2, Label: "swapped", Confidence: 0.8},
			{YMin: 0.0, XMin: 0.0, YMax: 0.3, XMax: 0.3, Label: "weak", Confidence: 0.2},
		},
	}

	result := d.toResult(resp)

	if result.Kind != types.KindRegions {
		t.Fatalf("Expected regions variant, got %v", result.Kind)
	}
	if len(result.Regions) != 2 {
		t.Fatalf("Expected 2 regions after confidence filter, got %d", len(result.Regions))
	}

	first := result.Regions[0].Rect
	if first.X != 0.2 || first.Y != 0.1 {
		t.Errorf("Expected origin (0.2,0.1), got (%v,%v)", first.X, first.Y)
	}

	// Swapped corners from the backend must come out identical to the
	// well-formed region
	if result.Regions[1].Rect != first {
		t.Errorf("Swapped corners not canonicalized: %+v != %+v", result.Regions[1].Rect, first)
	}
}

// TestSidecarCloseBeforeStart verifies Close is a no-op when the worker
// was never spawned.
func TestSidecarCloseBeforeStart(t *testing.T) {
	d := newTestSidecar(t)
	if err := d.Close(); err != nil {
		t.Errorf("Close before start must succeed, got %v", err)
	}
}
