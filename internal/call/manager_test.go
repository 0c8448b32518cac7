package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/transport"
	"github.com/gary-y/safestream/internal/types"
)

// harness wires a manager against a loopback hub with a scriptable far end
type harness struct {
	t        *testing.T
	manager  *Manager
	endpoint transport.Endpoint // manager's endpoint ("self")
	far      transport.Endpoint // the peer under test control
	statuses chan Status
	errors   chan error
	remotes  chan camera.MediaStream
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, provider camera.Provider, autoAnswer bool) *harness {
	t.Helper()

	hub := transport.NewLoopback()
	self, err := hub.Transport("self").Open(context.Background())
	if err != nil {
		t.Fatalf("Open(self) failed: %v", err)
	}
	far, err := hub.Transport("far").Open(context.Background())
	if err != nil {
		t.Fatalf("Open(far) failed: %v", err)
	}

	h := &harness{
		t:        t,
		endpoint: self,
		far:      far,
		statuses: make(chan Status, 16),
		errors:   make(chan error, 16),
		remotes:  make(chan camera.MediaStream, 4),
	}

	m, err := NewManager(Config{
		Provider:   provider,
		Endpoint:   self,
		AutoAnswer: autoAnswer,
		Cooldown:   50 * time.Millisecond,
		Handlers: Handlers{
			OnStatus:       func(s Status) { h.statuses <- s },
			OnError:        func(err error) { h.errors <- err },
			OnRemoteStream: func(ms camera.MediaStream) { h.remotes <- ms },
		},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.manager = m

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go m.Run(ctx)
	t.Cleanup(cancel)

	return h
}

func (h *harness) waitStatus(want Status) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.statuses:
			if got == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("Timeout waiting for status %q (current %q)", want, h.manager.Status())
		}
	}
}

func (h *harness) waitError(kind types.ErrorKind) error {
	h.t.Helper()
	select {
	case err := <-h.errors:
		var lerr *types.LifecycleError
		if !errors.As(err, &lerr) {
			h.t.Fatalf("Expected LifecycleError, got %v", err)
		}
		if lerr.Kind != kind {
			h.t.Fatalf("Expected error kind %q, got %q", kind, lerr.Kind)
		}
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("Timeout waiting for %q error", kind)
		return nil
	}
}

func farStream(t *testing.T) camera.MediaStream {
	t.Helper()
	p := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// TestAutoAnswerAcquiresCamera verifies an inbound call with no live
// camera acquires one, answers, and reaches connected once media flows.
func TestAutoAnswerAcquiresCamera(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if _, err := h.far.PlaceCall(context.Background(), "self", farStream(t)); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}

	h.waitStatus(StatusAcquiringCamera)
	h.waitStatus(StatusConnecting)
	h.waitStatus(StatusConnected)

	if provider.Acquired() != 1 {
		t.Errorf("Expected 1 camera acquisition, got %d", provider.Acquired())
	}
	select {
	case <-h.remotes:
	case <-time.After(1 * time.Second):
		t.Fatal("Remote stream never delivered")
	}
}

// TestAnswerCameraFailure verifies a camera failure on an inbound call
// closes the offer and surfaces a camera access error; the caller is not
// left ringing.
func TestAnswerCameraFailure(t *testing.T) {
	provider := &camera.MockProvider{Err: errors.New("device busy")}
	h := newHarness(t, provider, true)

	outbound, err := h.far.PlaceCall(context.Background(), "self", farStream(t))
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}

	h.waitError(types.ErrCameraAccess)

	select {
	case <-outbound.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Caller left ringing after camera failure")
	}
	if h.manager.Status() == StatusConnected {
		t.Error("Manager must not report connected after camera failure")
	}
}

// TestHangUpReleasesCamera verifies the local hangup is a full teardown:
// call ended, camera released, ended state held for the cooldown before
// reverting to idle.
func TestHangUpReleasesCamera(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	inbound, err := h.far.PlaceCall(context.Background(), "self", farStream(t))
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.waitStatus(StatusConnected)

	local := h.manager.LocalStream()
	if local == nil {
		t.Fatal("Expected a live local stream while connected")
	}

	h.manager.HangUp()

	h.waitStatus(StatusEnded)
	if h.manager.LocalStream() != nil {
		t.Error("HangUp must release the camera")
	}
	if local.Stats().IsConnected {
		t.Error("Local stream still running after hangup")
	}
	select {
	case <-inbound.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Far end not notified of hangup")
	}

	h.waitStatus(StatusIdle)
}

// TestHangUpWithoutCall verifies hanging up with only the preview running
// skips the ended cooldown and releases the camera immediately.
func TestHangUpWithoutCall(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if _, err := h.manager.StartCamera(context.Background()); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	h.manager.HangUp()
	if got := h.manager.Status(); got != StatusIdle {
		t.Errorf("Expected idle after hangup with no call, got %q", got)
	}
	if h.manager.LocalStream() != nil {
		t.Error("HangUp must release the camera")
	}
}

// TestRemoteHangupKeepsCamera verifies the far end going away is a soft
// end: the local camera stays live and the state returns to idle after
// the cooldown.
func TestRemoteHangupKeepsCamera(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	outbound, err := h.far.PlaceCall(context.Background(), "self", farStream(t))
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.waitStatus(StatusConnected)

	outbound.Close()

	h.waitStatus(StatusEnded)
	if h.manager.LocalStream() == nil {
		t.Error("Soft end must keep the camera live")
	}

	h.waitStatus(StatusIdle)
	if h.manager.LocalStream() == nil {
		t.Error("Camera must survive the ended cooldown")
	}
}

// TestBusyDecline verifies a second inbound offer while in a call is
// closed immediately.
func TestBusyDecline(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if _, err := h.far.PlaceCall(context.Background(), "self", farStream(t)); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.waitStatus(StatusConnected)

	second, err := h.far.PlaceCall(context.Background(), "self", farStream(t))
	if err != nil {
		t.Fatalf("Second PlaceCall failed: %v", err)
	}

	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Busy offer not declined")
	}
	if h.manager.Status() != StatusConnected {
		t.Error("First call must survive a declined offer")
	}
}

// TestOutboundCall verifies the dial path: camera, connecting, then
// connected once the far end answers.
func TestOutboundCall(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if err := h.manager.Call(context.Background(), "far"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	h.waitStatus(StatusConnecting)

	var inbound transport.Call
	select {
	case inbound = <-h.far.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatal("Far end never saw the offer")
	}
	if err := inbound.Answer(farStream(t)); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	h.waitStatus(StatusConnected)
}

// TestCallWhileBusy verifies dialing during an active call is rejected.
func TestCallWhileBusy(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if _, err := h.far.PlaceCall(context.Background(), "self", farStream(t)); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.waitStatus(StatusConnected)

	err := h.manager.Call(context.Background(), "far")
	if err == nil {
		t.Fatal("Expected error dialing while in a call")
	}
	var lerr *types.LifecycleError
	if !errors.As(err, &lerr) || lerr.Kind != types.ErrCall {
		t.Errorf("Expected call error, got %v", err)
	}
}

// TestManualAnswer verifies the non-auto-answer path: the offer is held
// pending until Answer, and Decline closes it.
func TestManualAnswer(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}

	hub := transport.NewLoopback()
	self, _ := hub.Transport("self").Open(context.Background())
	far, _ := hub.Transport("far").Open(context.Background())

	incoming := make(chan string, 1)
	m, err := NewManager(Config{
		Provider:   provider,
		Endpoint:   self,
		AutoAnswer: false,
		Cooldown:   50 * time.Millisecond,
		Handlers:   Handlers{OnIncoming: func(peerID string) { incoming <- peerID }},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := far.PlaceCall(context.Background(), "self", farStream(t)); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}

	select {
	case peerID := <-incoming:
		if peerID != "far" {
			t.Errorf("Expected offer from far, got %q", peerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnIncoming never fired")
	}

	if provider.Acquired() != 0 {
		t.Error("Camera must not be acquired before Answer")
	}

	if err := m.Answer(context.Background()); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if provider.Acquired() != 1 {
		t.Errorf("Expected 1 acquisition after Answer, got %d", provider.Acquired())
	}

	// A second Answer with nothing pending fails
	if err := m.Answer(context.Background()); err == nil {
		t.Error("Expected error answering with no pending call")
	}
}

// TestTransportErrorKeepsCamera verifies a signaling fault tears down the
// call but leaves the camera live, surfacing a transport error.
func TestTransportErrorKeepsCamera(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	if _, err := h.far.PlaceCall(context.Background(), "self", farStream(t)); err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	h.waitStatus(StatusConnected)

	injector, ok := h.endpoint.(interface{ InjectError(error) })
	if !ok {
		t.Fatal("Loopback endpoint lost its error injector")
	}
	injector.InjectError(types.Errorf(types.ErrTransport, "signaling connection lost"))

	h.waitError(types.ErrTransport)
	h.waitStatus(StatusEnded)

	if h.manager.LocalStream() == nil {
		t.Error("Transport fault must not release the camera")
	}

	h.waitStatus(StatusIdle)
}

// slowProvider stalls inside Acquire, holding the acquisition open long
// enough for a second caller to race it.
type slowProvider struct {
	inner camera.MockProvider
	delay time.Duration
}

func (p *slowProvider) Acquire(ctx context.Context) (camera.MediaStream, error) {
	time.Sleep(p.delay)
	return p.inner.Acquire(ctx)
}

// TestConcurrentStartCamera verifies two overlapping starts, as when an
// inbound auto-answer races an outbound dial, acquire exactly one stream
// and leave no capture running after StopCamera.
func TestConcurrentStartCamera(t *testing.T) {
	provider := &slowProvider{
		inner: camera.MockProvider{Width: 64, Height: 48, FPS: 60},
		delay: 30 * time.Millisecond,
	}
	h := newHarness(t, provider, true)

	results := make(chan camera.MediaStream, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := h.manager.StartCamera(context.Background())
			if err != nil {
				t.Errorf("StartCamera failed: %v", err)
			}
			results <- s
		}()
	}

	a, b := <-results, <-results
	if a != b {
		t.Error("Concurrent starts must share one stream handle")
	}
	if got := provider.inner.Acquired(); got != 1 {
		t.Errorf("Expected 1 camera acquisition, got %d", got)
	}

	h.manager.StopCamera()
	if h.manager.LocalStream() != nil {
		t.Error("StopCamera must release the stream")
	}
	if a.Stats().IsConnected {
		t.Error("Capture still running after StopCamera")
	}
}

// TestStartCameraIdempotent verifies repeated preview starts reuse the
// same stream.
func TestStartCameraIdempotent(t *testing.T) {
	provider := &camera.MockProvider{Width: 64, Height: 48, FPS: 60}
	h := newHarness(t, provider, true)

	a, err := h.manager.StartCamera(context.Background())
	if err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	b, err := h.manager.StartCamera(context.Background())
	if err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	if a != b {
		t.Error("Expected the same stream handle on repeated starts")
	}
	if provider.Acquired() != 1 {
		t.Errorf("Expected 1 acquisition, got %d", provider.Acquired())
	}

	h.manager.StopCamera()
	if h.manager.LocalStream() != nil {
		t.Error("StopCamera must release the stream")
	}
}
