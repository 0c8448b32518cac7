package transport

import (
	"sync"
	"testing"

	"github.com/gary-y/safestream/internal/types"
)

// TestRemoteStreamStopDuringDelivery verifies tearing a stream down while
// frames are still arriving drops them silently; late deliveries must not
// hit a closed channel.
func TestRemoteStreamStopDuringDelivery(t *testing.T) {
	s := newRemoteStream("remote-test", nil)
	frame := types.Frame{Width: 4, Height: 4, Data: make([]byte, 4*4*3), Source: "remote"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.push(frame)
		}
	}()

	s.Stop()
	wg.Wait()

	// A straggler after stop is a no-op
	s.push(frame)

	// Buffered frames drain, then the feed closes
	for range s.Frames() {
	}
	if s.Stats().IsConnected {
		t.Error("Track still live after Stop")
	}
}
