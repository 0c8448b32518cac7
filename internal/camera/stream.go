// Package camera owns local media acquisition and the MediaStream contract
// shared with the transport layer's remote streams.
package camera

import (
	"context"
	"sync"

	"github.com/gary-y/safestream/internal/types"
)

// TrackKind identifies the media kind of a track
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Track is one constituent media track of a stream. Stopping a stream must
// stop every track, never just drop the reference, otherwise the capture
// device stays active.
type Track struct {
	Kind TrackKind
	ID   string

	mu      sync.Mutex
	stopped bool
	onStop  func()
}

// NewTrack creates a track. onStop runs once, on the first Stop call.
func NewTrack(kind TrackKind, id string, onStop func()) *Track {
	return &Track{Kind: kind, ID: id, onStop: onStop}
}

// Stop halts the track. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.onStop
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Live reports whether the track is still active
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// MediaStream is an opaque handle to a live audio/video source. Owned
// exclusively by whichever component acquired it: the camera provider owns
// the local one, the transport layer owns the remote one.
type MediaStream interface {
	// ID returns the stream's unique identifier
	ID() string
	// Frames returns the channel of decoded frames. Closed on Stop.
	Frames() <-chan types.Frame
	// Tracks returns the constituent media tracks
	Tracks() []*Track
	// Stats returns stream statistics
	Stats() types.StreamStats
	// Stop halts every constituent track and the producing pipeline.
	// Idempotent.
	Stop()
}

// Provider acquires the local camera. Acquisition may block on a device
// permission prompt, hence the context.
type Provider interface {
	Acquire(ctx context.Context) (MediaStream, error)
}
