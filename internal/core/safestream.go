// Package core wires the capture, shield, call and presentation
// components into one service.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gary-y/safestream/internal/call"
	"github.com/gary-y/safestream/internal/camera"
	"github.com/gary-y/safestream/internal/config"
	"github.com/gary-y/safestream/internal/detector"
	"github.com/gary-y/safestream/internal/emitter"
	"github.com/gary-y/safestream/internal/overlay"
	"github.com/gary-y/safestream/internal/pipeline"
	"github.com/gary-y/safestream/internal/preview"
	"github.com/gary-y/safestream/internal/stats"
	"github.com/gary-y/safestream/internal/transport"
)

// SafeStream is the main service orchestrator
type SafeStream struct {
	cfg *config.Config

	// Core components
	provider camera.Provider
	backend  detector.Detector // unwrapped, for lifecycle calls
	detector detector.Detector
	trans    transport.Transport
	endpoint transport.Endpoint
	emitter  *emitter.MQTTEmitter
	preview  *preview.Server
	manager  *call.Manager

	// One shield side per stream direction
	local  *side
	remote *side

	// Lifecycle management
	started   time.Time
	ready     chan struct{}
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// side holds the shield pipeline for one stream direction: a sampler
// feeding a renderer, bound to the current stream's lifetime.
type side struct {
	name    string
	sampler *pipeline.Sampler
	render  *overlay.Renderer

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSafeStream creates the service from a configuration file
func NewSafeStream(configPath string) (*SafeStream, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"detector_mode", cfg.Detector.Mode,
		"auto_answer", cfg.Call.AutoAnswer,
	)

	s := &SafeStream{
		cfg:     cfg,
		emitter: emitter.NewMQTTEmitter(cfg),
		ready:   make(chan struct{}),
	}

	if err := s.initializeDetector(); err != nil {
		return nil, err
	}
	if err := s.initializeCamera(); err != nil {
		return nil, err
	}
	if err := s.initializeTransport(); err != nil {
		return nil, err
	}

	s.preview = preview.NewServer(cfg.Preview.Listen, s.GetStatus)
	s.initializeSides()

	return s, nil
}

// initializeDetector builds the inference backend for the configured
// mode and wraps it fail-open: a backend fault shows the raw frame
// rather than blocking the call.
func (s *SafeStream) initializeDetector() error {
	var (
		d   detector.Detector
		err error
	)

	switch s.cfg.Detector.Mode {
	case "remote":
		d, err = detector.NewRemoteClassifier(detector.RemoteConfig{
			Endpoint:    s.cfg.Detector.Endpoint,
			JPEGQuality: s.cfg.Detector.JPEGQuality,
		})
	case "sidecar":
		d, err = detector.NewSidecarDetector(detector.SidecarConfig{
			Command:     s.cfg.Detector.Command,
			ModelPath:   s.cfg.Detector.ModelPath,
			Confidence:  s.cfg.Detector.Confidence,
			JPEGQuality: s.cfg.Detector.JPEGQuality,
		})
	default:
		return fmt.Errorf("unknown detector mode: %q", s.cfg.Detector.Mode)
	}
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	s.backend = d
	s.detector = detector.FailOpen(d)

	slog.Info("detector configured",
		"mode", s.cfg.Detector.Mode,
		"kind", s.detector.Kind(),
	)
	return nil
}

// initializeCamera selects the capture provider. The "mock" device
// produces synthetic frames for broker-less bench runs.
func (s *SafeStream) initializeCamera() error {
	width, height := camera.ParseResolution(s.cfg.Camera.Resolution)

	if s.cfg.Camera.Device == "mock" {
		s.provider = &camera.MockProvider{
			Width:  width,
			Height: height,
			FPS:    s.cfg.Camera.FPS,
			Mirror: s.cfg.Camera.Mirror,
		}
		slog.Info("using mock camera")
		return nil
	}

	p, err := camera.NewGSTProvider(camera.GSTConfig{
		Device: s.cfg.Camera.Device,
		Width:  width,
		Height: height,
		FPS:    s.cfg.Camera.FPS,
		Mirror: s.cfg.Camera.Mirror,
	})
	if err != nil {
		return fmt.Errorf("failed to create camera provider: %w", err)
	}
	s.provider = p

	slog.Info("camera configured",
		"device", s.cfg.Camera.Device,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"fps", s.cfg.Camera.FPS,
		"mirror", s.cfg.Camera.Mirror,
	)
	return nil
}

func (s *SafeStream) initializeTransport() error {
	t, err := transport.NewMQTTTransport(transport.MQTTConfig{
		Broker:       s.cfg.MQTT.Broker,
		EndpointID:   s.cfg.InstanceID,
		SignalPrefix: s.cfg.MQTT.Topics.Signal,
		MediaPrefix:  s.cfg.MQTT.Topics.Media,
		SignalQoS:    s.cfg.MQTT.QoS["signal"],
		JPEGQuality:  s.cfg.Detector.JPEGQuality,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	s.trans = t
	return nil
}

// initializeSides builds the per-direction shield pipelines. Both sides
// share one detector; each sampler's own single-flight gate keeps the
// backend from being flooded.
func (s *SafeStream) initializeSides() {
	reporter := stats.Multi(stats.LogReporter{}, s.emitter)

	for _, name := range []string{"local", "remote"} {
		sm := pipeline.New(pipeline.Config{
			Source:      name,
			Detector:    s.detector,
			MinInterval: s.cfg.MinInterval(),
			Reporter:    reporter,
		})
		sd := &side{
			name:    name,
			sampler: sm,
			render:  overlay.New(sm, s.preview.Sink(name), s.cfg.Shield.RenderFPS),
		}
		if name == "local" {
			s.local = sd
		} else {
			s.remote = sd
		}
	}
}

// Run starts the service and blocks until the context is cancelled
func (s *SafeStream) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCtx = ctx
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("safestream service starting", "instance_id", s.cfg.InstanceID)

	// The sidecar worker loads its model asynchronously; inference fails
	// open until its ready handshake
	if starter, ok := s.backend.(interface{ Start(context.Context) error }); ok {
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start detector backend: %w", err)
		}
	}

	// Connect the stats emitter first so lifecycle events are observable
	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt emitter: %w", err)
	}

	endpoint, err := s.trans.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()

	manager, err := call.NewManager(call.Config{
		Provider:   s.provider,
		Endpoint:   endpoint,
		AutoAnswer: s.cfg.Call.AutoAnswer,
		Cooldown:   s.cfg.EndedCooldown(),
		Handlers: call.Handlers{
			OnStatus:       s.onCallStatus,
			OnLocalStream:  func(ms camera.MediaStream) { s.attach(s.local, ms) },
			OnRemoteStream: func(ms camera.MediaStream) { s.attach(s.remote, ms) },
			OnIncoming: func(peerID string) {
				slog.Info("incoming call waiting for answer", "peer_id", peerID)
			},
			OnError: func(err error) {
				slog.Error("call lifecycle error", "error", err)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create call manager: %w", err)
	}
	s.mu.Lock()
	s.manager = manager
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		manager.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.preview.Start(ctx); err != nil {
			slog.Error("preview server failed", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.healthBeat(ctx)
	}()

	// Wait for the transport before announcing readiness
	select {
	case <-endpoint.Ready():
		close(s.ready)
		slog.Info("safestream service running",
			"endpoint_id", endpoint.ID(),
			"shield_enabled", s.cfg.Shield.Enabled,
		)
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()

	slog.Info("safestream service run loop exiting")
	return nil
}

// attach binds a shield side to a new stream, replacing any previous
// binding. The sampler consumes one feed, the renderer paces itself.
func (s *SafeStream) attach(sd *side, ms camera.MediaStream) {
	s.mu.RLock()
	runCtx := s.runCtx
	s.mu.RUnlock()
	if runCtx == nil {
		return
	}

	sd.mu.Lock()
	if sd.cancel != nil {
		sd.cancel()
	}
	ctx, cancel := context.WithCancel(runCtx)
	sd.cancel = cancel
	sd.mu.Unlock()

	frames := ms.Frames()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sd.sampler.Run(ctx, frames)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sd.render.Run(ctx)
	}()

	slog.Info("shield side attached", "side", sd.name, "stream_id", ms.ID())
}

// onCallStatus toggles the shield with the call: analysis runs only
// while connected, and deactivation clears held results immediately.
func (s *SafeStream) onCallStatus(st call.Status) {
	switch st {
	case call.StatusConnected:
		if s.cfg.Shield.Enabled {
			s.local.sampler.Activate()
			s.remote.sampler.Activate()
			slog.Info("shield activated")
		}
	case call.StatusEnded, call.StatusIdle:
		s.local.sampler.Deactivate()
		s.remote.sampler.Deactivate()
	}
}

// SetShield toggles analysis at runtime. Activation only takes effect
// while a call is connected.
func (s *SafeStream) SetShield(enabled bool) {
	s.mu.Lock()
	s.cfg.Shield.Enabled = enabled
	manager := s.manager
	s.mu.Unlock()

	if !enabled {
		s.local.sampler.Deactivate()
		s.remote.sampler.Deactivate()
		slog.Info("shield deactivated")
		return
	}
	if manager != nil && manager.Status() == call.StatusConnected {
		s.local.sampler.Activate()
		s.remote.sampler.Activate()
		slog.Info("shield activated")
	}
}

// Ready is closed once the signaling endpoint is registered
func (s *SafeStream) Ready() <-chan struct{} { return s.ready }

// Call dials a peer
func (s *SafeStream) Call(peerID string) error {
	s.mu.RLock()
	manager, ctx := s.manager, s.runCtx
	s.mu.RUnlock()
	if manager == nil {
		return fmt.Errorf("service not running")
	}
	return manager.Call(ctx, peerID)
}

// HangUp ends the active call and releases the camera
func (s *SafeStream) HangUp() {
	s.mu.RLock()
	manager := s.manager
	s.mu.RUnlock()
	if manager != nil {
		manager.HangUp()
	}
}

// healthBeat publishes liveness every 30 seconds
func (s *SafeStream) healthBeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			manager := s.manager
			started := s.started
			s.mu.RUnlock()

			callStatus := string(call.StatusIdle)
			if manager != nil {
				callStatus = string(manager.Status())
			}

			err := s.emitter.PublishHealth(emitter.HealthPayload{
				InstanceID: s.cfg.InstanceID,
				Status:     "running",
				CallStatus: callStatus,
				UptimeS:    int64(time.Since(started).Seconds()),
				Timestamp:  time.Now().UnixMilli(),
			})
			if err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (s *SafeStream) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	manager := s.manager
	endpoint := s.endpoint
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("shutting down safestream service")

	// Order matters:
	// 1. End the call and release the camera
	if manager != nil {
		manager.HangUp()
	}

	// 2. Close the signaling endpoint
	if endpoint != nil {
		if err := endpoint.Close(); err != nil {
			slog.Error("failed to close endpoint", "error", err)
		}
	}

	// 3. Stop run-scoped goroutines (samplers, renderers, preview, beats)
	if cancel != nil {
		cancel()
	}

	slog.Info("waiting for goroutines to finish")
	s.wg.Wait()
	slog.Info("all goroutines finished")

	// 4. Close the inference backend
	if s.detector != nil {
		s.detector.Close()
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("safestream service shutdown complete", "uptime", uptime)
	return nil
}

// GetStatus returns the current status of the service
func (s *SafeStream) GetStatus() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	callStatus := string(call.StatusIdle)
	if s.manager != nil {
		callStatus = string(s.manager.Status())
	}

	status := map[string]any{
		"instance_id":    s.cfg.InstanceID,
		"display_name":   s.cfg.DisplayName,
		"uptime_s":       time.Since(s.started).Seconds(),
		"running":        s.isRunning,
		"call_status":    callStatus,
		"shield_enabled": s.cfg.Shield.Enabled,
		"detector_mode":  s.cfg.Detector.Mode,
		"local_state":    s.local.sampler.State().String(),
		"remote_state":   s.remote.sampler.State().String(),
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *SafeStream) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}
