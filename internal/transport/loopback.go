package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gary-y/safestream/internal/camera"
)

// Loopback is an in-memory signaling hub for tests: endpoints address each
// other by name and exchange stream handles directly.
type Loopback struct {
	mu        sync.Mutex
	endpoints map[string]*loopEndpoint
}

// NewLoopback creates an empty hub
func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[string]*loopEndpoint)}
}

// Transport returns a Transport whose endpoint registers under id
func (l *Loopback) Transport(id string) Transport {
	return &loopTransport{hub: l, id: id}
}

type loopTransport struct {
	hub *Loopback
	id  string
}

func (t *loopTransport) Open(ctx context.Context) (Endpoint, error) {
	ep := &loopEndpoint{
		hub:      t.hub,
		id:       t.id,
		ready:    make(chan struct{}),
		incoming: make(chan Call, 4),
		errors:   make(chan error, 4),
	}

	t.hub.mu.Lock()
	if _, exists := t.hub.endpoints[t.id]; exists {
		t.hub.mu.Unlock()
		return nil, fmt.Errorf("transport: endpoint %q already registered", t.id)
	}
	t.hub.endpoints[t.id] = ep
	t.hub.mu.Unlock()

	close(ep.ready) // loopback IDs are assigned synchronously
	return ep, nil
}

type loopEndpoint struct {
	hub      *Loopback
	id       string
	ready    chan struct{}
	incoming chan Call
	errors   chan error

	mu     sync.Mutex
	closed bool
}

func (e *loopEndpoint) ID() string             { return e.id }
func (e *loopEndpoint) Ready() <-chan struct{} { return e.ready }
func (e *loopEndpoint) Incoming() <-chan Call  { return e.incoming }
func (e *loopEndpoint) Errors() <-chan error   { return e.errors }

func (e *loopEndpoint) PlaceCall(ctx context.Context, peerID string, local camera.MediaStream) (Call, error) {
	e.hub.mu.Lock()
	peer := e.hub.endpoints[peerID]
	e.hub.mu.Unlock()

	if peer == nil {
		return nil, fmt.Errorf("transport: no such peer %q", peerID)
	}

	caller := newLoopCall(peerID, local, true)
	callee := newLoopCall(e.id, nil, false)
	caller.other, callee.other = callee, caller

	select {
	case peer.incoming <- callee:
	default:
		return nil, fmt.Errorf("transport: peer %q not accepting calls", peerID)
	}

	return caller, nil
}

func (e *loopEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.hub.mu.Lock()
	delete(e.hub.endpoints, e.id)
	e.hub.mu.Unlock()
	return nil
}

// InjectError delivers a transport-level error to the endpoint (test helper)
func (e *loopEndpoint) InjectError(err error) {
	e.errors <- err
}

type loopCall struct {
	peerID   string
	outbound bool
	local    camera.MediaStream
	remote   chan camera.MediaStream
	done     chan struct{}
	other    *loopCall

	mu       sync.Mutex
	err      error
	answered bool
	closed   bool
}

func newLoopCall(peerID string, local camera.MediaStream, outbound bool) *loopCall {
	return &loopCall{
		peerID:   peerID,
		outbound: outbound,
		local:    local,
		remote:   make(chan camera.MediaStream, 1),
		done:     make(chan struct{}),
	}
}

func (c *loopCall) PeerID() string { return c.peerID }

func (c *loopCall) Answer(local camera.MediaStream) error {
	if c.outbound {
		return fmt.Errorf("transport: cannot answer an outbound call")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: call already ended")
	}
	if c.answered {
		c.mu.Unlock()
		return fmt.Errorf("transport: call already answered")
	}
	c.answered = true
	c.local = local
	c.mu.Unlock()

	// Hand each side the other's stream
	if c.other.local != nil {
		c.remote <- c.other.local
	}
	if local != nil {
		c.other.remote <- local
	}
	return nil
}

func (c *loopCall) RemoteStream() <-chan camera.MediaStream { return c.remote }
func (c *loopCall) Done() <-chan struct{}                   { return c.done }

func (c *loopCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *loopCall) Close() error {
	c.end(nil)
	if c.other != nil {
		c.other.end(nil)
	}
	return nil
}

// Fail ends the call on both sides with an in-call error (test helper)
func (c *loopCall) Fail(err error) {
	c.end(err)
	if c.other != nil {
		c.other.end(err)
	}
}

func (c *loopCall) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

var _ Endpoint = (*loopEndpoint)(nil)
var _ Call = (*loopCall)(nil)
