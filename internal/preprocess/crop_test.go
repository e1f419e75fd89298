package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/sua-org/meter-bus/internal/core"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestCropNilRectReturnsSameBuffer(t *testing.T) {
	frame := encodeTestJPEG(t, 64, 48)
	out := Crop(frame, nil)
	// sem crop tem que ser o MESMO buffer, não uma cópia
	if &out[0] != &frame[0] || len(out) != len(frame) {
		t.Fatal("absent crop rect must return the identical byte buffer")
	}
}

func TestCropRoundTripBounds(t *testing.T) {
	const w, h = 200, 100
	frame := encodeTestJPEG(t, w, h)
	rect := &core.CropRect{X1: 0.25, Y1: 0.25, X2: 0.75, Y2: 0.75}

	out := Crop(frame, rect)
	if bytes.Equal(out, frame) {
		t.Fatal("cropped frame should differ from original")
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode cropped frame: %v", err)
	}
	// round(0.25*200)=50, round(0.75*200)=150 -> 100 de largura
	// round(0.25*100)=25, round(0.75*100)=75  -> 50 de altura
	if got := img.Bounds().Dx(); got != 100 {
		t.Errorf("cropped width = %d, want 100", got)
	}
	if got := img.Bounds().Dy(); got != 50 {
		t.Errorf("cropped height = %d, want 50", got)
	}
}

func TestCropRoundingRule(t *testing.T) {
	// 0.333 * 90 = 29.97 -> round = 30; 0.666 * 90 = 59.94 -> round = 60
	frame := encodeTestJPEG(t, 90, 90)
	rect := &core.CropRect{X1: 0.333, Y1: 0.333, X2: 0.666, Y2: 0.666}

	out := Crop(frame, rect)
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode cropped frame: %v", err)
	}
	if got := img.Bounds().Dx(); got != 30 {
		t.Errorf("cropped width = %d, want 30", got)
	}
	if got := img.Bounds().Dy(); got != 30 {
		t.Errorf("cropped height = %d, want 30", got)
	}
}

func TestCropInvalidJPEGReturnsOriginal(t *testing.T) {
	frame := []byte("definitely not a jpeg")
	rect := &core.CropRect{X1: 0.1, Y1: 0.1, X2: 0.9, Y2: 0.9}

	out := Crop(frame, rect)
	if !bytes.Equal(out, frame) {
		t.Fatal("decode failure must fall back to the original frame")
	}
}

func TestCropDoesNotMutateInput(t *testing.T) {
	frame := encodeTestJPEG(t, 64, 64)
	orig := make([]byte, len(frame))
	copy(orig, frame)

	Crop(frame, &core.CropRect{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5})

	if !bytes.Equal(frame, orig) {
		t.Fatal("input frame was mutated by Crop")
	}
}
