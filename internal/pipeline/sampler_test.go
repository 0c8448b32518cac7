package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gary-y/safestream/internal/stats"
	"github.com/gary-y/safestream/internal/types"
)

// gateDetector blocks each Analyze until released, counting calls
type gateDetector struct {
	calls   atomic.Int64
	release chan struct{}
	result  types.DetectionResult
}

func newGateDetector(result types.DetectionResult) *gateDetector {
	return &gateDetector{release: make(chan struct{}), result: result}
}

func (d *gateDetector) Kind() types.ResultKind { return d.result.Kind }

func (d *gateDetector) Analyze(ctx context.Context, frame types.Frame) (types.DetectionResult, error) {
	d.calls.Add(1)
	select {
	case <-d.release:
	case <-ctx.Done():
		return types.DetectionResult{}, ctx.Err()
	}
	return d.result, nil
}

func (d *gateDetector) Close() error { return nil }

func unsafeResult() types.DetectionResult {
	return types.DetectionResult{
		Kind:    types.KindClassification,
		IsSafe:  false,
		Primary: "Porn",
		Scores:  []types.CategoryScore{{Label: "Porn", Probability: 0.9}},
	}
}

func testFrame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Timestamp: time.Now(), Width: 640, Height: 480, Source: "local"}
}

func waitReported(t *testing.T, reported <-chan types.ProcessingStats) types.ProcessingStats {
	t.Helper()
	select {
	case s := <-reported:
		return s
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for round-trip report")
		return types.ProcessingStats{}
	}
}

// TestSingleFlight verifies at most one inference is in flight: frames
// arriving while a request is pending are dropped, not queued.
func TestSingleFlight(t *testing.T) {
	det := newGateDetector(unsafeResult())
	s := New(Config{Source: "local", Detector: det, MinInterval: 1 * time.Millisecond})
	s.Activate()

	ctx := context.Background()
	s.Observe(ctx, testFrame(1))

	// The first frame is in flight; these must all be dropped
	time.Sleep(5 * time.Millisecond)
	for seq := uint64(2); seq <= 10; seq++ {
		s.Observe(ctx, testFrame(seq))
	}

	if got := det.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 in-flight call, got %d", got)
	}
	if s.State() != StateSubmitting {
		t.Errorf("Expected submitting state, got %v", s.State())
	}

	close(det.release)
}

// TestMinIntervalThrottle verifies submissions respect the minimum gap
// even when the detector responds instantly.
func TestMinIntervalThrottle(t *testing.T) {
	det := newGateDetector(unsafeResult())
	close(det.release) // never block

	reported := make(chan types.ProcessingStats, 16)
	s := New(Config{
		Source:      "local",
		Detector:    det,
		MinInterval: 100 * time.Millisecond,
		Reporter:    stats.FuncReporter(func(ps types.ProcessingStats) { reported <- ps }),
	})
	s.Activate()

	ctx := context.Background()
	s.Observe(ctx, testFrame(1))
	waitReported(t, reported)

	// Well inside the interval: must be dropped
	s.Observe(ctx, testFrame(2))
	s.Observe(ctx, testFrame(3))
	if got := det.calls.Load(); got != 1 {
		t.Errorf("Expected 1 call inside the interval, got %d", got)
	}

	// After the interval elapses the next frame submits
	time.Sleep(110 * time.Millisecond)
	s.Observe(ctx, testFrame(4))
	waitReported(t, reported)
	if got := det.calls.Load(); got != 2 {
		t.Errorf("Expected 2 calls after the interval, got %d", got)
	}
}

// TestStaleResultRejected verifies a response arriving after Deactivate
// is discarded by the epoch guard instead of landing in the new state.
func TestStaleResultRejected(t *testing.T) {
	det := newGateDetector(unsafeResult())
	s := New(Config{Source: "local", Detector: det, MinInterval: 1 * time.Millisecond})
	s.Activate()

	s.Observe(context.Background(), testFrame(1))
	time.Sleep(5 * time.Millisecond)

	// Shield turned off while the request is in flight
	s.Deactivate()
	s.Activate()

	close(det.release)
	time.Sleep(20 * time.Millisecond)

	if s.Latest() != nil {
		t.Error("Stale response must not be committed after deactivation")
	}
}

// TestDeactivateClearsResult verifies turning the shield off immediately
// drops the held verdict, so the renderer stops painting at once.
func TestDeactivateClearsResult(t *testing.T) {
	det := newGateDetector(unsafeResult())
	close(det.release)

	reported := make(chan types.ProcessingStats, 1)
	s := New(Config{
		Source:      "local",
		Detector:    det,
		MinInterval: 1 * time.Millisecond,
		Reporter:    stats.FuncReporter(func(ps types.ProcessingStats) { reported <- ps }),
	})
	s.Activate()

	s.Observe(context.Background(), testFrame(1))
	waitReported(t, reported)

	if s.Latest() == nil {
		t.Fatal("Expected a committed result before deactivation")
	}

	s.Deactivate()
	if s.Latest() != nil {
		t.Error("Deactivate must clear the committed result")
	}
	if s.State() != StateIdle {
		t.Errorf("Expected idle state after deactivation, got %v", s.State())
	}
}

// TestInactiveObserve verifies frames observed while inactive update the
// display frame but never reach the detector.
func TestInactiveObserve(t *testing.T) {
	det := newGateDetector(unsafeResult())
	s := New(Config{Source: "local", Detector: det, MinInterval: 1 * time.Millisecond})

	s.Observe(context.Background(), testFrame(7))

	if det.calls.Load() != 0 {
		t.Error("Inactive sampler must not submit")
	}
	frame := s.LastFrame()
	if frame == nil || frame.Seq != 7 {
		t.Error("Inactive sampler must still track the last frame for display")
	}
	if w, h := s.Dimensions(); w != 640 || h != 480 {
		t.Errorf("Expected dimensions 640x480, got %dx%d", w, h)
	}
}

// TestRunConsumesChannel verifies Run ticks on frame arrival and stops
// when the stream closes.
func TestRunConsumesChannel(t *testing.T) {
	det := newGateDetector(unsafeResult())
	close(det.release)

	reported := make(chan types.ProcessingStats, 1)
	s := New(Config{
		Source:      "local",
		Detector:    det,
		MinInterval: 1 * time.Millisecond,
		Reporter:    stats.FuncReporter(func(ps types.ProcessingStats) { reported <- ps }),
	})
	s.Activate()

	frames := make(chan types.Frame, 4)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), frames)
		close(done)
	}()

	frames <- testFrame(1)
	waitReported(t, reported)

	if s.Latest() == nil {
		t.Error("Expected a committed result after one round-trip")
	}

	close(frames)
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not return after the stream closed")
	}
}
