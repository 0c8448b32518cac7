// Package pipeline implements the rate-limited capture→infer loop that
// feeds the overlay renderer.
//
// Philosophy (shared with the frame distribution layer): drop frames,
// never queue. Only the latest detection result is retained; a fresh frame
// arriving while a request is in flight is simply skipped.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gary-y/safestream/internal/detector"
	"github.com/gary-y/safestream/internal/stats"
	"github.com/gary-y/safestream/internal/types"
)

// State describes the sampler's scheduling state
type State int

const (
	// StateIdle: shield inactive, nothing is submitted and no result is held
	StateIdle State = iota
	// StateWaiting: active, eligible to submit once the interval elapses
	StateWaiting
	// StateSubmitting: a single inference round-trip is in flight
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateSubmitting:
		return "submitting"
	}
	return "unknown"
}

// Config configures a per-side sampler
type Config struct {
	// Source names the stream side ("local", "remote") for stats and logs
	Source string
	// Detector runs the inference round-trips. Wrap with detector.FailOpen
	// so backend failures never surface here.
	Detector detector.Detector
	// MinInterval is the minimum gap between submissions
	MinInterval time.Duration
	// Reporter receives one ProcessingStats per completed round-trip
	Reporter stats.Reporter
}

// Sampler drives the capture→infer loop for one stream side. Every frame
// arrival is a scheduling tick; actual submissions are throttled by
// MinInterval and the single-flight invariant. The latest result is stored
// as a whole value behind an atomic pointer, so the renderer reads it
// without locking and without ever waiting on inference.
type Sampler struct {
	cfg Config

	active   atomic.Bool
	inFlight atomic.Bool
	// epoch invalidates in-flight responses across Deactivate. A response
	// is applied only if the epoch it was submitted under is still current.
	epoch  atomic.Uint64
	latest atomic.Pointer[types.DetectionResult]
	// lastFrame is the most recently observed video frame, kept for the
	// renderer to composite against. Shared read-only.
	lastFrame atomic.Pointer[types.Frame]

	mu         sync.Mutex
	lastSubmit time.Time

	wg sync.WaitGroup
}

// New creates a sampler. It starts deactivated.
func New(cfg Config) *Sampler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 200 * time.Millisecond
	}
	if cfg.Reporter == nil {
		cfg.Reporter = stats.LogReporter{}
	}
	return &Sampler{cfg: cfg}
}

// Run consumes the stream's frame channel until it closes or ctx is
// cancelled. Each received frame is one scheduling tick.
func (s *Sampler) Run(ctx context.Context, frames <-chan types.Frame) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case frame, ok := <-frames:
			if !ok {
				s.wg.Wait()
				return
			}
			s.Observe(ctx, frame)
		}
	}
}

// Observe is one scheduling tick. Submits the frame iff the sampler is
// active, no request is in flight, and the minimum interval has elapsed.
// Otherwise the frame is dropped, never queued.
func (s *Sampler) Observe(ctx context.Context, frame types.Frame) {
	s.lastFrame.Store(&frame)

	if !s.active.Load() {
		return
	}
	if s.inFlight.Load() {
		return
	}

	s.mu.Lock()
	if time.Since(s.lastSubmit) < s.cfg.MinInterval {
		s.mu.Unlock()
		return
	}
	s.lastSubmit = time.Now()
	s.mu.Unlock()

	s.submit(ctx, frame)
}

// submit runs one asynchronous round-trip under the current epoch
func (s *Sampler) submit(ctx context.Context, frame types.Frame) {
	s.inFlight.Store(true)
	epoch := s.epoch.Load()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		start := time.Now()
		result, err := s.cfg.Detector.Analyze(ctx, frame)
		roundTrip := time.Since(start)

		s.inFlight.Store(false)

		if err != nil {
			// Detector is fail-open wrapped; an error here means the
			// context died mid-flight. Discard.
			slog.Debug("inference aborted", "source", s.cfg.Source, "error", err)
			return
		}

		// Liveness check: a response that arrives after Deactivate (or
		// after a reactivation) must not land in the new state.
		if !s.active.Load() || s.epoch.Load() != epoch {
			slog.Debug("stale inference result discarded",
				"source", s.cfg.Source,
				"trace_id", frame.TraceID,
			)
			return
		}

		s.latest.Store(&result)
		s.cfg.Reporter.Report(stats.Compute(s.cfg.Source, result, roundTrip))
	}()
}

// Activate enables the shield for this side
func (s *Sampler) Activate() {
	s.active.Store(true)
}

// Deactivate stops new submissions and clears the stored result so the
// renderer never paints a shield for content the pipeline can no longer
// vouch for. An in-flight request is not cancelled; its response is
// discarded by the epoch guard.
func (s *Sampler) Deactivate() {
	s.active.Store(false)
	s.epoch.Add(1)
	s.latest.Store(nil)
}

// Active reports whether the shield is enabled for this side
func (s *Sampler) Active() bool {
	return s.active.Load()
}

// Latest returns the most recent committed result, or nil. The returned
// value is immutable; results are replaced whole, never mutated.
func (s *Sampler) Latest() *types.DetectionResult {
	if !s.active.Load() {
		return nil
	}
	return s.latest.Load()
}

// State returns the current scheduling state
func (s *Sampler) State() State {
	if !s.active.Load() {
		return StateIdle
	}
	if s.inFlight.Load() {
		return StateSubmitting
	}
	return StateWaiting
}

// LastFrame returns the most recently observed frame, or nil before the
// first tick. Available regardless of activation so the plain view keeps
// rendering when the shield is off.
func (s *Sampler) LastFrame() *types.Frame {
	return s.lastFrame.Load()
}

// Dimensions returns the pixel size of the most recently observed frame
func (s *Sampler) Dimensions() (width, height int) {
	if f := s.lastFrame.Load(); f != nil {
		return f.Width, f.Height
	}
	return 0, 0
}
