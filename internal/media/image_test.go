package media

import (
	"testing"
	"time"

	"github.com/gary-y/safestream/internal/types"
)

func solidFrame(width, height int, r, g, b byte) types.Frame {
	data := make([]byte, width*height*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = r, g, b
	}
	return types.Frame{
		Seq:       1,
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      data,
	}
}

// TestRGBARoundTrip verifies ToRGBA/FromRGBA are inverse on exact pixels.
func TestRGBARoundTrip(t *testing.T) {
	frame := solidFrame(8, 6, 0x10, 0x80, 0xf0)
	// Make one pixel distinct to catch stride mistakes
	frame.Data[(3*8+5)*3] = 0xff

	img := ToRGBA(frame)
	back := FromRGBA(img)

	if len(back) != len(frame.Data) {
		t.Fatalf("Expected %d bytes, got %d", len(frame.Data), len(back))
	}
	for i := range back {
		if back[i] != frame.Data[i] {
			t.Fatalf("Byte %d differs: %x != %x", i, back[i], frame.Data[i])
		}
	}
}

// TestJPEGRoundTrip verifies encoded frames decode with the same geometry
// and approximately the same color.
func TestJPEGRoundTrip(t *testing.T) {
	frame := solidFrame(64, 48, 0x20, 0x40, 0x60)

	encoded, err := EncodeJPEG(frame, 90)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}

	rgb, width, height, err := DecodeJPEG(encoded)
	if err != nil {
		t.Fatalf("DecodeJPEG failed: %v", err)
	}
	if width != 64 || height != 48 {
		t.Errorf("Expected 64x48, got %dx%d", width, height)
	}
	if len(rgb) != 64*48*3 {
		t.Errorf("Expected %d bytes, got %d", 64*48*3, len(rgb))
	}

	// Lossy codec: allow a small per-channel delta
	for i := 0; i < 3; i++ {
		delta := int(rgb[i]) - int(frame.Data[i])
		if delta < -8 || delta > 8 {
			t.Errorf("Channel %d drifted too far: %d vs %d", i, rgb[i], frame.Data[i])
		}
	}
}

// TestEncodeShortData verifies truncated frame data is rejected.
func TestEncodeShortData(t *testing.T) {
	frame := types.Frame{Width: 64, Height: 48, Data: make([]byte, 10)}
	if _, err := EncodeJPEG(frame, 80); err == nil {
		t.Error("Expected error for short frame data")
	}
}

// TestDecodeGarbage verifies non-JPEG bytes error cleanly.
func TestDecodeGarbage(t *testing.T) {
	if _, _, _, err := DecodeJPEG([]byte("not a jpeg")); err == nil {
		t.Error("Expected error for garbage input")
	}
}
