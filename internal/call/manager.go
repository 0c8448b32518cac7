// Package call owns the call lifecycle: camera acquisition, dialing,
// answering and teardown, driven by transport events.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/framebus"
	"github.com/gary-y/safestream/internal/transport"
	"github.com/gary-y/safestream/internal/types"
)

// Status is the call lifecycle state
type Status string

const (
	StatusIdle            Status = "idle"
	StatusAcquiringCamera Status = "acquiring_camera"
	StatusConnecting      Status = "connecting"
	StatusConnected       Status = "connected"
	StatusEnded           Status = "ended"
)

// Handlers receives lifecycle notifications. Nil fields are skipped.
type Handlers struct {
	OnStatus       func(Status)
	OnLocalStream  func(camera.MediaStream)
	OnRemoteStream func(camera.MediaStream)
	OnIncoming     func(peerID string)
	OnError        func(error)
}

// Config configures a Manager
type Config struct {
	Provider   camera.Provider
	Endpoint   transport.Endpoint
	AutoAnswer bool
	// Cooldown is the Ended to Idle delay after a full hangup.
	Cooldown time.Duration
	Handlers Handlers
}

// Manager drives one endpoint through the call lifecycle. One active
// call at a time: a second inbound offer while busy is declined.
type Manager struct {
	provider   camera.Provider
	endpoint   transport.Endpoint
	autoAnswer bool
	cooldown   time.Duration
	handlers   Handlers

	// acquireMu serializes camera acquisition so a concurrent answer and
	// dial share one stream instead of racing Acquire.
	acquireMu sync.Mutex

	mu        sync.Mutex
	status    Status
	local     *framebus.SharedStream
	active    transport.Call
	pending   transport.Call
	cooldownT *time.Timer
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("call: camera provider is required")
	}
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("call: transport endpoint is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	return &Manager{
		provider:   cfg.Provider,
		endpoint:   cfg.Endpoint,
		autoAnswer: cfg.AutoAnswer,
		cooldown:   cfg.Cooldown,
		handlers:   cfg.Handlers,
		status:     StatusIdle,
	}, nil
}

// Run dispatches transport events until the context is cancelled.
// Blocking: run in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.HangUp()
			return
		case c, ok := <-m.endpoint.Incoming():
			if !ok {
				return
			}
			m.handleIncoming(ctx, c)
		case err, ok := <-m.endpoint.Errors():
			if !ok {
				return
			}
			m.handleTransportError(err)
		}
	}
}

// Status returns the current lifecycle state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LocalStream returns the live local stream, or nil before StartCamera
func (m *Manager) LocalStream() camera.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return nil
	}
	return m.local
}

// StartCamera acquires the local camera if not already live. Safe to
// call repeatedly.
func (m *Manager) StartCamera(ctx context.Context) (camera.MediaStream, error) {
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	m.mu.Lock()
	if m.local != nil {
		s := m.local
		m.mu.Unlock()
		return s, nil
	}
	prev := m.status
	m.mu.Unlock()

	m.setStatus(StatusAcquiringCamera)

	raw, err := m.provider.Acquire(ctx)
	if err != nil {
		m.setStatus(prev)
		lerr := types.NewError(types.ErrCameraAccess, err)
		m.notifyError(lerr)
		return nil, lerr
	}

	shared := framebus.Share(raw)
	m.mu.Lock()
	m.local = shared
	m.mu.Unlock()
	m.setStatus(prev)

	if m.handlers.OnLocalStream != nil {
		m.handlers.OnLocalStream(shared)
	}
	slog.Info("camera acquired", "stream_id", shared.ID())
	return shared, nil
}

// StopCamera releases the local camera, ending any active call first.
// Identical to HangUp in this model: camera-off means nothing to call with.
func (m *Manager) StopCamera() {
	m.HangUp()
}

// Call dials a peer, acquiring the camera first if needed
func (m *Manager) Call(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return types.Errorf(types.ErrCall, "already in a call")
	}
	m.mu.Unlock()

	local, err := m.StartCamera(ctx)
	if err != nil {
		return err
	}

	m.setStatus(StatusConnecting)
	c, err := m.endpoint.PlaceCall(ctx, peerID, local)
	if err != nil {
		m.setStatus(StatusIdle)
		lerr := types.NewError(types.ErrCall, err)
		m.notifyError(lerr)
		return lerr
	}

	m.adopt(c)
	return nil
}

// Answer accepts the pending inbound call. Only meaningful when
// auto-answer is off and an offer has arrived.
func (m *Manager) Answer(ctx context.Context) error {
	m.mu.Lock()
	c := m.pending
	m.pending = nil
	m.mu.Unlock()
	if c == nil {
		return types.Errorf(types.ErrCall, "no pending call")
	}
	return m.answer(ctx, c)
}

// Decline rejects the pending inbound call
func (m *Manager) Decline() {
	m.mu.Lock()
	c := m.pending
	m.pending = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// HangUp is the full local hangup: ends the call, releases the camera,
// and lingers in ended until the cooldown returns the state to idle.
// With no call to end it drops straight back to idle.
func (m *Manager) HangUp() {
	if m.teardown(false) {
		m.setStatus(StatusEnded)
		m.startCooldown()
		return
	}
	m.setStatus(StatusIdle)
}

func (m *Manager) handleIncoming(ctx context.Context, c transport.Call) {
	m.mu.Lock()
	busy := m.active != nil || m.pending != nil
	m.mu.Unlock()
	if busy {
		slog.Info("declining offer while busy", "peer_id", c.PeerID())
		c.Close()
		return
	}

	if !m.autoAnswer {
		m.mu.Lock()
		m.pending = c
		m.mu.Unlock()
		if m.handlers.OnIncoming != nil {
			m.handlers.OnIncoming(c.PeerID())
		}
		return
	}

	if err := m.answer(ctx, c); err != nil {
		slog.Error("auto-answer failed", "peer_id", c.PeerID(), "error", err)
	}
}

// answer acquires the camera if needed and accepts the call. A camera
// failure closes the offer rather than leaving the caller ringing.
func (m *Manager) answer(ctx context.Context, c transport.Call) error {
	local, err := m.StartCamera(ctx)
	if err != nil {
		c.Close()
		return err
	}

	m.setStatus(StatusConnecting)
	if err := c.Answer(local); err != nil {
		c.Close()
		m.setStatus(StatusIdle)
		lerr := types.NewError(types.ErrCall, err)
		m.notifyError(lerr)
		return lerr
	}

	m.adopt(c)
	return nil
}

// adopt registers the call as active and watches it to completion. A
// call that slipped in while this one was being set up is closed rather
// than silently overwritten.
func (m *Manager) adopt(c transport.Call) {
	m.mu.Lock()
	displaced := m.active
	m.active = c
	if m.cooldownT != nil {
		m.cooldownT.Stop()
		m.cooldownT = nil
	}
	m.mu.Unlock()

	if displaced != nil {
		displaced.Close()
	}
	go m.watch(c)
}

func (m *Manager) watch(c transport.Call) {
	for {
		select {
		case rs, ok := <-c.RemoteStream():
			if !ok {
				continue
			}
			m.setStatus(StatusConnected)
			if m.handlers.OnRemoteStream != nil {
				m.handlers.OnRemoteStream(rs)
			}
		case <-c.Done():
			m.onCallDone(c)
			return
		}
	}
}

// onCallDone handles the far end going away: a soft end. The call fields
// are cleared through the shared teardown primitive with the camera kept,
// so the user keeps their preview, and after a cooldown the state returns
// to idle.
func (m *Manager) onCallDone(c transport.Call) {
	m.mu.Lock()
	if m.active != c {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.mu.Unlock()

	if err := c.Err(); err != nil {
		m.notifyError(err)
	}

	m.teardown(true)
	m.setStatus(StatusEnded)
	m.startCooldown()
}

// handleTransportError is the other soft-end path: the call is torn down,
// the camera is left untouched.
func (m *Manager) handleTransportError(err error) {
	slog.Warn("transport fault", "error", err)
	m.notifyError(err)

	if m.teardown(true) {
		m.setStatus(StatusEnded)
		m.startCooldown()
	}
}

func (m *Manager) startCooldown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldownT != nil {
		m.cooldownT.Stop()
	}
	m.cooldownT = time.AfterFunc(m.cooldown, func() {
		m.mu.Lock()
		stillEnded := m.status == StatusEnded
		m.cooldownT = nil
		m.mu.Unlock()
		if stillEnded {
			m.setStatus(StatusIdle)
		}
	})
}

// teardown ends the active call and, unless keepCamera, releases the
// local stream. Reports whether there was any call to end.
func (m *Manager) teardown(keepCamera bool) bool {
	m.mu.Lock()
	c := m.active
	p := m.pending
	m.active = nil
	m.pending = nil
	var local *framebus.SharedStream
	if !keepCamera {
		local = m.local
		m.local = nil
	}
	if m.cooldownT != nil {
		m.cooldownT.Stop()
		m.cooldownT = nil
	}
	m.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if c != nil {
		c.Close()
	}
	if local != nil {
		local.Stop()
	}
	return c != nil || p != nil
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	m.mu.Unlock()

	slog.Info("call status changed", "from", prev, "to", s)
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(s)
	}
}

func (m *Manager) notifyError(err error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(err)
	}
}
