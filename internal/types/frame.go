package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the producing stream
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the frame data (RGB24 format by default)
	Data []byte
	// Source identifies which side produced the frame ("local", "remote")
	Source string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
	// Mirrored indicates the frame has been flipped horizontally to match
	// the viewer's orientation. Frames are analyzed and painted in the same
	// orientation they are displayed, so no coordinate flip is ever needed
	// downstream.
	Mirrored bool
}

// NormalizedRect represents a rectangle with normalized coordinates (0.0 - 1.0)
// relative to frame width/height, resolution-agnostic.
type NormalizedRect struct {
	X      float64 `json:"x"`      // Top-left X (0.0 = left edge, 1.0 = right edge)
	Y      float64 `json:"y"`      // Top-left Y (0.0 = top edge, 1.0 = bottom edge)
	Width  float64 `json:"width"`  // Width as fraction of frame width
	Height float64 `json:"height"` // Height as fraction of frame height
}

// RectFromCorners builds a NormalizedRect from two corner pairs, tolerating
// swapped axes (ymin > ymax or xmin > xmax from a misbehaving backend).
func RectFromCorners(ymin, xmin, ymax, xmax float64) NormalizedRect {
	if ymin > ymax {
		ymin, ymax = ymax, ymin
	}
	if xmin > xmax {
		xmin, xmax = xmax, xmin
	}
	return NormalizedRect{
		X:      xmin,
		Y:      ymin,
		Width:  xmax - xmin,
		Height: ymax - ymin,
	}
}

// ToPixels converts normalized coordinates to pixel coordinates for a given frame size
func (r *NormalizedRect) ToPixels(frameWidth, frameHeight int) PixelRect {
	return PixelRect{
		X:      int(r.X * float64(frameWidth)),
		Y:      int(r.Y * float64(frameHeight)),
		Width:  int(r.Width * float64(frameWidth)),
		Height: int(r.Height * float64(frameHeight)),
	}
}

// PixelRect represents a rectangle in pixel coordinates
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the pixel area of the rectangle
func (r *PixelRect) Area() int {
	return r.Width * r.Height
}

// Clamp ensures the rectangle is within the given frame dimensions
func (r *PixelRect) Clamp(frameWidth, frameHeight int) {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
}

// StreamStats contains stream statistics
type StreamStats struct {
	FrameCount  uint64
	FPSTarget   int
	FPSReal     float64
	Resolution  string
	IsConnected bool
}
