// Package media converts between raw RGB24 frames and encoded images.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/gary-y/safestream/internal/types"
)

// ToRGBA expands a raw RGB24 frame into an RGBA image
func ToRGBA(frame types.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := y * frame.Width * 3
		dst := y * img.Stride
		for x := 0; x < frame.Width; x++ {
			if src+2 < len(frame.Data) {
				img.Pix[dst+0] = frame.Data[src+0]
				img.Pix[dst+1] = frame.Data[src+1]
				img.Pix[dst+2] = frame.Data[src+2]
			}
			img.Pix[dst+3] = 0xff
			src += 3
			dst += 4
		}
	}
	return img
}

// FromRGBA packs an RGBA image back into raw RGB24 bytes
func FromRGBA(img *image.RGBA) []byte {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		src := y * img.Stride
		dst := y * width * 3
		for x := 0; x < width; x++ {
			data[dst+0] = img.Pix[src+0]
			data[dst+1] = img.Pix[src+1]
			data[dst+2] = img.Pix[src+2]
			src += 4
			dst += 3
		}
	}
	return data
}

// EncodeJPEG converts a raw RGB24 frame into a JPEG at the given quality
func EncodeJPEG(frame types.Frame, quality int) ([]byte, error) {
	if len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("media: short frame data %d for %dx%d",
			len(frame.Data), frame.Width, frame.Height)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, ToRGBA(frame), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("media: jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes JPEG bytes into raw RGB24 data with dimensions
func DecodeJPEG(data []byte) (rgb []byte, width, height int, err error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("media: jpeg decode failed: %w", err)
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(bounds)
		draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	}
	return FromRGBA(rgba), bounds.Dx(), bounds.Dy(), nil
}
