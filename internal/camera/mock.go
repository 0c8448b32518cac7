package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gary-y/safestream/internal/types"
)

// MockProvider grants synthetic camera streams for testing. Set Err to
// simulate a permission or device failure.
type MockProvider struct {
	Width  int
	Height int
	FPS    int
	Mirror bool
	// Err, when non-nil, is returned by Acquire instead of a stream
	Err error

	mu       sync.Mutex
	acquired int
}

// Acquire implements Provider
func (p *MockProvider) Acquire(ctx context.Context) (MediaStream, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()

	width, height, fps := p.Width, p.Height, p.FPS
	if width == 0 {
		width = 640
	}
	if height == 0 {
		height = 480
	}
	if fps == 0 {
		fps = 15
	}

	s := newMockStream(width, height, fps, p.Mirror)
	s.start()
	return s, nil
}

// Acquired returns how many streams this provider has granted
func (p *MockProvider) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// MockStream generates synthetic frames for testing. It carries a video and
// an audio track so track-stopping behavior is observable.
type MockStream struct {
	id     string
	width  int
	height int
	fps    int
	mirror bool

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup
	tracks   []*Track

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
	stopOnce      sync.Once
}

func newMockStream(width, height, fps int, mirror bool) *MockStream {
	s := &MockStream{
		id:       uuid.New().String(),
		width:    width,
		height:   height,
		fps:      fps,
		mirror:   mirror,
		framesCh: make(chan types.Frame, 10),
		stopCh:   make(chan struct{}),
	}
	s.tracks = []*Track{
		NewTrack(TrackVideo, s.id+"-video", nil),
		NewTrack(TrackAudio, s.id+"-audio", nil),
	}
	return s
}

func (s *MockStream) start() {
	s.mu.Lock()
	s.isRunning = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.generateFrames()
}

// ID implements MediaStream
func (s *MockStream) ID() string { return s.id }

// Frames implements MediaStream
func (s *MockStream) Frames() <-chan types.Frame { return s.framesCh }

// Tracks implements MediaStream
func (s *MockStream) Tracks() []*Track { return s.tracks }

// Stop implements MediaStream: halts the generator and every track
func (s *MockStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		close(s.framesCh)

		for _, t := range s.tracks {
			t.Stop()
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	})
}

// Stats implements MediaStream
func (s *MockStream) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fpsReal float64
	if s.isRunning && s.framesEmitted > 0 {
		elapsed := time.Since(s.startTime).Seconds()
		if elapsed > 0 {
			fpsReal = float64(s.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:  s.framesEmitted,
		FPSTarget:   s.fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", s.width, s.height),
		IsConnected: s.isRunning,
	}
}

// generateFrames generates black RGB24 frames at the target FPS
func (s *MockStream) generateFrames() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			frame := s.createFrame()
			select {
			case s.framesCh <- frame:
				s.mu.Lock()
				s.framesEmitted++
				s.mu.Unlock()
			case <-s.stopCh:
				return
			default:
				// Consumer slow: drop, never queue
			}
		}
	}
}

func (s *MockStream) createFrame() types.Frame {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      make([]byte, s.width*s.height*3),
		Source:    "local",
		TraceID:   uuid.New().String(),
		Mirrored:  s.mirror,
	}
}

var _ MediaStream = (*MockStream)(nil)
var _ Provider = (*MockProvider)(nil)
