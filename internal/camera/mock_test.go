package camera

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestMockStreamProducesFrames verifies frames flow with the configured
// geometry and the mirror flag applied at capture.
func TestMockStreamProducesFrames(t *testing.T) {
	p := &MockProvider{Width: 320, Height: 240, FPS: 60, Mirror: true}
	stream, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer stream.Stop()

	select {
	case frame := <-stream.Frames():
		if frame.Width != 320 || frame.Height != 240 {
			t.Errorf("Expected 320x240, got %dx%d", frame.Width, frame.Height)
		}
		if len(frame.Data) != 320*240*3 {
			t.Errorf("Expected RGB24 payload of %d bytes, got %d", 320*240*3, len(frame.Data))
		}
		if !frame.Mirrored {
			t.Error("Expected frames mirrored at capture")
		}
		if frame.Source != "local" {
			t.Errorf("Expected source local, got %q", frame.Source)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

// TestMockStreamStop verifies Stop halts every track, closes the frame
// channel and is idempotent.
func TestMockStreamStop(t *testing.T) {
	p := &MockProvider{FPS: 60}
	stream, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	tracks := stream.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("Expected video and audio tracks, got %d", len(tracks))
	}
	for _, track := range tracks {
		if !track.Live() {
			t.Errorf("Track %s not live before stop", track.ID)
		}
	}

	stream.Stop()
	stream.Stop() // Idempotent

	for _, track := range tracks {
		if track.Live() {
			t.Errorf("Track %s still live after stop", track.ID)
		}
	}

	// Frame channel must drain and close
	deadline := time.After(1 * time.Second)
	for {
		select {
		case _, ok := <-stream.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Frame channel not closed after stop")
		}
	}
}

// TestMockProviderFailure verifies a simulated permission failure
// surfaces from Acquire.
func TestMockProviderFailure(t *testing.T) {
	want := errors.New("permission denied")
	p := &MockProvider{Err: want}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, want) {
		t.Errorf("Expected permission error, got %v", err)
	}
	if p.Acquired() != 0 {
		t.Error("Failed acquire must not count as granted")
	}
}

// TestMockStreamStats verifies stream statistics reflect activity.
func TestMockStreamStats(t *testing.T) {
	p := &MockProvider{Width: 320, Height: 240, FPS: 60}
	stream, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer stream.Stop()

	<-stream.Frames()

	stats := stream.Stats()
	if !stats.IsConnected {
		t.Error("Expected connected stream")
	}
	if stats.Resolution != "320x240" {
		t.Errorf("Expected resolution 320x240, got %q", stats.Resolution)
	}
	if stats.FrameCount == 0 {
		t.Error("Expected nonzero frame count")
	}
}
