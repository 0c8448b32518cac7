// Package transport defines the peer signaling/media collaborator consumed
// by the call lifecycle manager, plus an MQTT-backed implementation and an
// in-memory loopback for tests.
//
// Connection establishment, stream multiplexing and delivery guarantees
// live behind these interfaces; nothing in this package decides call
// policy.
package transport

import (
	"context"

	"github.com/gary-y/safestream/internal/camera"
)

// Transport opens signaling endpoints
type Transport interface {
	// Open connects to the signaling layer and returns a local endpoint.
	// The endpoint's identifier may be assigned asynchronously; wait on
	// Ready before advertising it.
	Open(ctx context.Context) (Endpoint, error)
}

// Endpoint is one addressable party on the signaling layer
type Endpoint interface {
	// ID returns the endpoint identifier. Valid once Ready is closed.
	ID() string
	// Ready is closed when the signaling layer has assigned the identifier
	Ready() <-chan struct{}
	// PlaceCall initiates an outbound call to peerID, offering the local
	// stream. The returned call is live immediately; the remote stream
	// arrives asynchronously once the far end answers and starts sending.
	PlaceCall(ctx context.Context, peerID string, local camera.MediaStream) (Call, error)
	// Incoming delivers inbound calls awaiting an Answer
	Incoming() <-chan Call
	// Errors delivers transport-level failures (signaling connection lost)
	Errors() <-chan error
	// Close tears down the endpoint and every live call
	Close() error
}

// Call is one active or pending peer connection
type Call interface {
	// PeerID identifies the far end
	PeerID() string
	// Answer accepts an inbound call with the given local stream.
	// No-op with error on an outbound call.
	Answer(local camera.MediaStream) error
	// RemoteStream delivers the far end's media stream once it starts
	// sending. The transport owns the delivered stream.
	RemoteStream() <-chan camera.MediaStream
	// Done is closed when the call ends for any reason
	Done() <-chan struct{}
	// Err reports why the call ended: nil for a clean close (hangup on
	// either side), non-nil for an in-call failure
	Err() error
	// Close hangs up locally. Idempotent.
	Close() error
}
