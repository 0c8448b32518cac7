package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/gary-y/safestream/internal/types"
)

// GSTConfig configures local camera capture
type GSTConfig struct {
	Device string // v4l2 device path, e.g. /dev/video0
	Width  int
	Height int
	FPS    int
	// Mirror flips frames horizontally at capture time so the analyzed
	// orientation matches the displayed (selfie) orientation.
	Mirror bool
}

// GSTProvider acquires the local camera through a GStreamer v4l2 pipeline
type GSTProvider struct {
	cfg GSTConfig
}

// NewGSTProvider creates a provider with fail-fast validation
func NewGSTProvider(cfg GSTConfig) (*GSTProvider, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("camera: device path is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 1 || cfg.FPS > 60 {
		return nil, fmt.Errorf("camera: invalid FPS %d (must be 1-60)", cfg.FPS)
	}
	return &GSTProvider{cfg: cfg}, nil
}

// Acquire implements Provider. Builds and starts the capture pipeline;
// a device that cannot be opened surfaces as an error here, not later.
func (p *GSTProvider) Acquire(ctx context.Context) (MediaStream, error) {
	s := &gstStream{
		id:     uuid.New().String(),
		cfg:    p.cfg,
		frames: make(chan types.Frame, 10),
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// gstStream is a live v4l2 capture with a single video track
type gstStream struct {
	id  string
	cfg GSTConfig

	pipeline *gst.Pipeline
	frames   chan types.Frame
	track    *Track

	frameCount    uint64
	framesDropped uint64
	started       time.Time

	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

// open builds the pipeline:
//
//	v4l2src → videoconvert → [videoflip] → videoscale → videorate →
//	capsfilter(RGB, WxH, fps) → appsink
func (s *gstStream) open() error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("camera: failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("camera: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", s.cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("camera: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	var flip *gst.Element
	if s.cfg.Mirror {
		flip, err = gst.NewElement("videoflip")
		if err != nil {
			return fmt.Errorf("camera: failed to create videoflip: %w", err)
		}
		// horizontal-flip: capture orientation == display orientation
		flip.SetProperty("method", 4)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("camera: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("camera: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("camera: failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("camera: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // Real-time, no clock sync
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames

	elements := []*gst.Element{src, converter}
	if flip != nil {
		elements = append(elements, flip)
	}
	elements = append(elements, scaler, videorate, capsfilter, appsink.Element)

	if err := pipeline.AddMany(elements...); err != nil {
		return fmt.Errorf("camera: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(elements...); err != nil {
		return fmt.Errorf("camera: failed to link elements: %w", err)
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("camera: failed to start pipeline (device busy or missing?): %w", err)
	}

	s.pipeline = pipeline
	s.started = time.Now()
	s.track = NewTrack(TrackVideo, s.id+"-video", func() {
		s.teardownPipeline()
	})

	return nil
}

// onNewSample copies the frame out of the GStreamer buffer and forwards it,
// dropping when the consumer is behind.
func (s *gstStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.frameCount, 1)
	frame := types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      frameData,
		Source:    "local",
		TraceID:   uuid.New().String(),
		Mirrored:  s.cfg.Mirror,
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return gst.FlowEOS
	}

	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.framesDropped, 1)
	}

	return gst.FlowOK
}

// ID implements MediaStream
func (s *gstStream) ID() string { return s.id }

// Frames implements MediaStream
func (s *gstStream) Frames() <-chan types.Frame { return s.frames }

// Tracks implements MediaStream
func (s *gstStream) Tracks() []*Track { return []*Track{s.track} }

// Stats implements MediaStream
func (s *gstStream) Stats() types.StreamStats {
	s.mu.Lock()
	running := !s.stopped
	s.mu.Unlock()

	count := atomic.LoadUint64(&s.frameCount)
	var fpsReal float64
	if running && count > 0 {
		elapsed := time.Since(s.started).Seconds()
		if elapsed > 0 {
			fpsReal = float64(count) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:  count,
		FPSTarget:   s.cfg.FPS,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		IsConnected: running,
	}
}

// Stop implements MediaStream: stops the track, which tears down the pipeline
func (s *gstStream) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.track.Stop()
		close(s.frames)
	})
}

func (s *gstStream) teardownPipeline() {
	if s.pipeline != nil {
		s.pipeline.SetState(gst.StateNull)
	}
}

// ParseResolution maps a resolution label to pixel dimensions
func ParseResolution(res string) (width, height int) {
	switch res {
	case "512p":
		return 910, 512
	case "1080p":
		return 1920, 1080
	default:
		return 1280, 720
	}
}

var _ MediaStream = (*gstStream)(nil)
var _ Provider = (*GSTProvider)(nil)
