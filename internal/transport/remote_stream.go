package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/types"
)

// remoteStream materializes the far end's media as a MediaStream. Fed by
// the transport's media subscription; owned by the transport, torn down
// with the call.
type remoteStream struct {
	id     string
	frames chan types.Frame
	track  *camera.Track

	frameCount uint64
	dropped    uint64
	started    time.Time
	width      atomic.Int64
	height     atomic.Int64

	// mu orders push against Stop so the frame channel is never closed
	// between a producer's liveness check and its send.
	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	onStop   func()
}

func newRemoteStream(id string, onStop func()) *remoteStream {
	s := &remoteStream{
		id:      id,
		frames:  make(chan types.Frame, 10),
		started: time.Now(),
		onStop:  onStop,
	}
	s.track = camera.NewTrack(camera.TrackVideo, id+"-video", nil)
	return s
}

// push forwards one decoded frame, dropping when the consumer is behind
func (s *remoteStream) push(frame types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.width.Store(int64(frame.Width))
	s.height.Store(int64(frame.Height))
	select {
	case s.frames <- frame:
		atomic.AddUint64(&s.frameCount, 1)
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *remoteStream) ID() string                 { return s.id }
func (s *remoteStream) Frames() <-chan types.Frame { return s.frames }
func (s *remoteStream) Tracks() []*camera.Track    { return []*camera.Track{s.track} }

func (s *remoteStream) Stats() types.StreamStats {
	count := atomic.LoadUint64(&s.frameCount)
	var fpsReal float64
	if elapsed := time.Since(s.started).Seconds(); elapsed > 0 {
		fpsReal = float64(count) / elapsed
	}
	return types.StreamStats{
		FrameCount:  count,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", s.width.Load(), s.height.Load()),
		IsConnected: s.track.Live(),
	}
}

func (s *remoteStream) Stop() {
	s.stopOnce.Do(func() {
		s.track.Stop()
		s.mu.Lock()
		s.closed = true
		close(s.frames)
		s.mu.Unlock()
		if s.onStop != nil {
			s.onStop()
		}
	})
}

var _ camera.MediaStream = (*remoteStream)(nil)
