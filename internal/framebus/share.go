package framebus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/types"
)

// SharedStream adapts a single-consumer MediaStream into one that hands an
// independent frame feed to every Frames() caller. The underlying stream
// is consumed exactly once; each feed follows the bus drop policy.
type SharedStream struct {
	inner camera.MediaStream
	bus   *Bus

	nextSub  atomic.Uint64
	stopOnce sync.Once
	done     chan struct{}
}

// Share wraps stream for multi-consumer use and starts the pump
func Share(stream camera.MediaStream) *SharedStream {
	s := &SharedStream{
		inner: stream,
		bus:   New(),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *SharedStream) pump() {
	defer s.bus.Close()
	defer close(s.done)

	for frame := range s.inner.Frames() {
		s.bus.Publish(frame)
	}
}

// ID implements camera.MediaStream
func (s *SharedStream) ID() string { return s.inner.ID() }

// Frames implements camera.MediaStream. Each call returns a fresh
// independent feed; feeds close when the stream stops.
func (s *SharedStream) Frames() <-chan types.Frame {
	id := fmt.Sprintf("feed-%d", s.nextSub.Add(1))
	ch, err := s.bus.Subscribe(id, 10)
	if err != nil {
		// Bus already closed: return an empty, closed feed
		closed := make(chan types.Frame)
		close(closed)
		return closed
	}
	return ch
}

// Tracks implements camera.MediaStream
func (s *SharedStream) Tracks() []*camera.Track { return s.inner.Tracks() }

// Stats implements camera.MediaStream
func (s *SharedStream) Stats() types.StreamStats { return s.inner.Stats() }

// Stop implements camera.MediaStream: stops the source, which drains the
// pump and closes every feed.
func (s *SharedStream) Stop() {
	s.stopOnce.Do(func() {
		s.inner.Stop()
		<-s.done
	})
}

var _ camera.MediaStream = (*SharedStream)(nil)
