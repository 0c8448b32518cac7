// Package overlay composites occlusions over video frames. The renderer
// runs at display cadence, independent of inference cadence, and only ever
// reads the last committed detection result; it never waits on inference.
//
// Orientation invariant: frames are captured, analyzed and composited in
// the orientation the viewer sees (mirroring is applied at capture time),
// so normalized detector coordinates map straight to pixels with no flip.
package overlay

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gary-y/safestream/internal/media"
	"github.com/gary-y/safestream/internal/pipeline"
	"github.com/gary-y/safestream/internal/types"
)

var (
	panelColor   = color.RGBA{R: 0x14, G: 0x14, B: 0x1c, A: 0xff}
	boxFillColor = color.RGBA{R: 0x14, G: 0x14, B: 0x1c, A: 0xff}
	outlineColor = color.RGBA{R: 0xe5, G: 0x3e, B: 0x3e, A: 0xff}
	labelColor   = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Sink receives composited frames
type Sink interface {
	Deliver(frame types.Frame)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(types.Frame)

func (f SinkFunc) Deliver(frame types.Frame) { f(frame) }

// Renderer composites the occlusion overlay for one stream side
type Renderer struct {
	sampler *pipeline.Sampler
	sink    Sink
	fps     int
}

// New creates a renderer reading from the given sampler
func New(sampler *pipeline.Sampler, sink Sink, fps int) *Renderer {
	if fps <= 0 {
		fps = 30
	}
	return &Renderer{sampler: sampler, sink: sink, fps: fps}
}

// Run composites at display cadence until ctx is cancelled. Each tick
// reads the sampler's last frame and last committed result; it never
// blocks on an in-flight inference.
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()

	var lastSeq uint64
	var lastPainted bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := r.sampler.LastFrame()
			if frame == nil {
				continue
			}
			result := r.sampler.Latest()

			// Skip recompositing an unchanged frame unless the paint
			// state may differ from last time
			painted := result != nil && result.Unsafe()
			if frame.Seq == lastSeq && painted == lastPainted {
				continue
			}
			lastSeq, lastPainted = frame.Seq, painted

			r.sink.Deliver(Compose(*frame, result))
		}
	}
}

// Compose paints the occlusion for result onto a copy of frame and
// returns the composited frame. A nil result (shield inactive, nothing
// committed yet) or a safe/empty result leaves the frame unpainted.
func Compose(frame types.Frame, result *types.DetectionResult) types.Frame {
	if result == nil || !result.Unsafe() {
		return frame
	}

	canvas := media.ToRGBA(frame)

	switch result.Kind {
	case types.KindClassification:
		paintFullPanel(canvas, result)
	case types.KindRegions:
		// Regions are placed with the *current* frame dimensions, not the
		// dimensions in effect when inference ran. Stale placement under a
		// mid-stream resolution change is an accepted approximation.
		for _, region := range result.Regions {
			paintRegion(canvas, region, frame.Width, frame.Height)
		}
	}

	out := frame
	out.Data = media.FromRGBA(canvas)
	out.Timestamp = time.Now()
	return out
}

// paintFullPanel covers the whole surface and centers a warning label
// naming the primary category.
func paintFullPanel(canvas *image.RGBA, result *types.DetectionResult) {
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{panelColor}, image.Point{}, draw.Src)

	label := "BLOCKED"
	if result.Primary != "" {
		label = fmt.Sprintf("BLOCKED: %s", result.Primary)
	}
	drawCenteredLabel(canvas, label)
}

// paintRegion clip-paints one opaque box with an outline and label
func paintRegion(canvas *image.RGBA, region types.Region, width, height int) {
	px := region.Rect.ToPixels(width, height)
	px.Clamp(width, height)
	if px.Width <= 0 || px.Height <= 0 {
		return
	}

	rect := image.Rect(px.X, px.Y, px.X+px.Width, px.Y+px.Height)
	draw.Draw(canvas, rect, &image.Uniform{boxFillColor}, image.Point{}, draw.Src)
	drawOutline(canvas, rect, 2)

	label := region.Label
	if label == "" {
		label = "hidden"
	}
	drawLabel(canvas, label, px.X+4, px.Y+14)
}

// drawOutline strokes the rectangle border with the given thickness
func drawOutline(canvas *image.RGBA, rect image.Rectangle, thickness int) {
	uni := &image.Uniform{outlineColor}
	// top, bottom
	draw.Draw(canvas, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness), uni, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y), uni, image.Point{}, draw.Src)
	// left, right
	draw.Draw(canvas, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y), uni, image.Point{}, draw.Src)
	draw.Draw(canvas, image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y), uni, image.Point{}, draw.Src)
}

func drawLabel(canvas *image.RGBA, text string, x, y int) {
	d := font.Drawer{
		Dst:  canvas,
		Src:  &image.Uniform{labelColor},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func drawCenteredLabel(canvas *image.RGBA, text string) {
	bounds := canvas.Bounds()
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	x := bounds.Min.X + (bounds.Dx()-width)/2
	y := bounds.Min.Y + bounds.Dy()/2
	drawLabel(canvas, text, x, y)
}
