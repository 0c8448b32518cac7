package detector

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gary-y/safestream/internal/media"
	"github.com/gary-y/safestream/internal/types"
)

// SidecarConfig configures the on-device region detector
type SidecarConfig struct {
	// Command launches the worker process (e.g. models/run_worker.sh)
	Command string
	// ModelPath is passed to the worker as --model
	ModelPath string
	// Confidence is the minimum region confidence to keep
	Confidence float64
	// JPEGQuality for frames handed to the worker
	JPEGQuality int
	// ResponseTimeout bounds a single round-trip (default: 5s)
	ResponseTimeout time.Duration
}

// sidecarRequest is one frame request written to the worker's stdin
type sidecarRequest struct {
	ID     uint64 `json:"id"`
	Image  string `json:"image"` // base64 JPEG
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seq    uint64 `json:"seq"`
}

// sidecarResponse is one result line read from the worker's stdout.
// The worker emits {"ready": true} once after model load.
type sidecarResponse struct {
	ID      uint64          `json:"id"`
	Ready   bool            `json:"ready"`
	Error   string          `json:"error,omitempty"`
	Regions []sidecarRegion `json:"regions"`
}

// sidecarRegion uses the backend's corner convention. Axis ordering is not
// trusted; RectFromCorners canonicalizes.
type sidecarRegion struct {
	YMin       float64 `json:"ymin"`
	XMin       float64 `json:"xmin"`
	YMax       float64 `json:"ymax"`
	XMax       float64 `json:"xmax"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SidecarDetector manages a model-worker subprocess and maps its region
// output to the RegionSet variant. Requests issued before the worker's
// ready handshake return ErrNotReady (callers fail open, never block).
type SidecarDetector struct {
	cfg SidecarConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready atomic.Bool
	seq   atomic.Uint64

	// pending holds the single in-flight request's reply slot. The sampler
	// guarantees single-flight per side; the mutex keeps two sides sharing
	// one sidecar from interleaving writes.
	mu      sync.Mutex
	pending map[uint64]chan sidecarResponse
}

// NewSidecarDetector creates the detector without spawning the worker;
// call Start before first use.
func NewSidecarDetector(cfg SidecarConfig) (*SidecarDetector, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector: sidecar command is required")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("detector: model_path is required")
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.5
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 75
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	return &SidecarDetector{
		cfg:     cfg,
		pending: make(map[uint64]chan sidecarResponse),
	}, nil
}

// Start spawns the worker subprocess and the reader goroutines. The model
// loads asynchronously; Analyze fails open until the ready handshake.
func (d *SidecarDetector) Start(ctx context.Context) error {
	if d.cmd != nil {
		return fmt.Errorf("detector: sidecar already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.cmd = exec.CommandContext(d.ctx, d.cfg.Command,
		"--model", d.cfg.ModelPath,
		"--confidence", fmt.Sprintf("%.2f", d.cfg.Confidence),
	)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("detector: stdin pipe: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("detector: stdout pipe: %w", err)
	}
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("detector: stderr pipe: %w", err)
	}
	d.stdin, d.stdout, d.stderr = stdin, stdout, stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("detector: failed to start sidecar: %w", err)
	}

	d.wg.Add(1)
	go d.readResults()
	d.wg.Add(1)
	go d.logStderr()
	d.wg.Add(1)
	go d.waitProcess()

	slog.Info("sidecar detector started",
		"command", d.cfg.Command,
		"model", d.cfg.ModelPath,
		"confidence", d.cfg.Confidence,
	)

	return nil
}

// Kind implements Detector
func (d *SidecarDetector) Kind() types.ResultKind { return types.KindRegions }

// Analyze implements Detector: one stdin/stdout round-trip per frame
func (d *SidecarDetector) Analyze(ctx context.Context, frame types.Frame) (types.DetectionResult, error) {
	if !d.ready.Load() {
		return types.DetectionResult{}, ErrNotReady
	}

	encoded, err := media.EncodeJPEG(frame, d.cfg.JPEGQuality)
	if err != nil {
		return types.DetectionResult{}, err
	}

	id := d.seq.Add(1)
	reply := make(chan sidecarResponse, 1)

	d.mu.Lock()
	d.pending[id] = reply
	line, err := json.Marshal(sidecarRequest{
		ID:     id,
		Image:  base64.StdEncoding.EncodeToString(encoded),
		Width:  frame.Width,
		Height: frame.Height,
		Seq:    frame.Seq,
	})
	if err == nil {
		_, err = d.stdin.Write(append(line, '\n'))
	}
	d.mu.Unlock()

	if err != nil {
		d.dropPending(id)
		return types.DetectionResult{}, fmt.Errorf("detector: sidecar write: %w", err)
	}

	timer := time.NewTimer(d.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return types.DetectionResult{}, fmt.Errorf("detector: sidecar error: %s", resp.Error)
		}
		return d.toResult(resp), nil
	case <-timer.C:
		d.dropPending(id)
		return types.DetectionResult{}, fmt.Errorf("detector: sidecar response timeout")
	case <-ctx.Done():
		d.dropPending(id)
		return types.DetectionResult{}, ctx.Err()
	case <-d.ctx.Done():
		d.dropPending(id)
		return types.DetectionResult{}, fmt.Errorf("detector: sidecar stopped")
	}
}

func (d *SidecarDetector) toResult(resp sidecarResponse) types.DetectionResult {
	result := types.DetectionResult{
		Kind:      types.KindRegions,
		Timestamp: time.Now(),
	}
	for _, r := range resp.Regions {
		if r.Confidence > 0 && r.Confidence < d.cfg.Confidence {
			continue
		}
		result.Regions = append(result.Regions, types.Region{
			Rect:       types.RectFromCorners(r.YMin, r.XMin, r.YMax, r.XMax),
			Label:      r.Label,
			Confidence: r.Confidence,
		})
	}
	return result
}

func (d *SidecarDetector) dropPending(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// readResults parses worker stdout lines: the ready handshake first, then
// one response per request.
func (d *SidecarDetector) readResults() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		var resp sidecarResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			preview := string(line)
			if len(preview) > 120 {
				preview = preview[:120] + "..."
			}
			slog.Error("sidecar output parse failed", "error", err, "line", preview)
			continue
		}

		if resp.Ready {
			d.ready.Store(true)
			slog.Info("sidecar model ready", "model", d.cfg.ModelPath)
			continue
		}

		d.mu.Lock()
		reply, ok := d.pending[resp.ID]
		if ok {
			delete(d.pending, resp.ID)
		}
		d.mu.Unlock()

		if !ok {
			// Late response after a timeout: discard
			slog.Debug("sidecar response has no waiter", "id", resp.ID)
			continue
		}
		reply <- resp
	}

	d.ready.Store(false)
}

// logStderr maps worker log lines to slog levels
func (d *SidecarDetector) logStderr() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("sidecar: " + line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("sidecar: " + line)
		default:
			slog.Debug("sidecar: " + line)
		}
	}
}

// waitProcess reaps the subprocess so it never becomes a zombie
func (d *SidecarDetector) waitProcess() {
	defer d.wg.Done()

	err := d.cmd.Wait()
	d.ready.Store(false)
	if err != nil && d.ctx.Err() == nil {
		slog.Error("sidecar process exited unexpectedly", "error", err)
	} else {
		slog.Debug("sidecar process exited", "error", err)
	}
}

// Close implements Detector: stops the subprocess and waits for readers
func (d *SidecarDetector) Close() error {
	if d.cancel == nil {
		return nil
	}
	d.ready.Store(false)
	if d.stdin != nil {
		d.stdin.Close()
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

var _ Detector = (*SidecarDetector)(nil)
