package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeBase64Image(t *testing.T) {
	p := NewProcessor()
	data := encodePNG(t, createTestImage(40, 30))

	tests := []struct {
		name    string
		payload string
	}{
		{"std", base64.StdEncoding.EncodeToString(data)},
		{"raw std", base64.RawStdEncoding.EncodeToString(data)},
		{"data url", "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := p.DecodeBase64Image(tt.payload)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if size := SizeOf(img); size != (types.ImageSize{Width: 40, Height: 30}) {
				t.Errorf("Expected 40x30, got %dx%d", size.Width, size.Height)
			}
		})
	}
}

func TestDecodeBase64ImageErrors(t *testing.T) {
	p := NewProcessor()

	for _, payload := range []string{
		"",
		"not base64 at all!!",
		base64.StdEncoding.EncodeToString([]byte("plain text, not an image")),
	} {
		if _, err := p.DecodeBase64Image(payload); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("Expected ErrInvalidImage for %q, got %v", payload, err)
		}
	}
}

func TestPrepareImageForModelDownscales(t *testing.T) {
	p := NewProcessor()
	encoded, err := p.PrepareImageForModel(createTestImage(400, 200), "png", 100, 0)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	img, err := p.DecodeBase64Image(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if size := SizeOf(img); size.Width != 100 || size.Height != 50 {
		t.Errorf("Expected 100x50, got %dx%d", size.Width, size.Height)
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))

	overlay := p.CreateDebugOverlay(img, []types.BoundingBox{
		{Box: [4]float64{10, 10, 50, 50}, Label: "a"},
	})

	if got := color.NRGBAModel.Convert(overlay.At(10, 30)).(color.NRGBA); got != overlayPalette[0] {
		t.Errorf("Expected box edge to be drawn, got %v", got)
	}
	if got := color.NRGBAModel.Convert(overlay.At(30, 30)).(color.NRGBA); got.A != 0 {
		t.Errorf("Expected box interior untouched, got %v", got)
	}
	if got := color.NRGBAModel.Convert(img.At(10, 30)).(color.NRGBA); got.A != 0 {
		t.Error("Overlay must not modify the source image")
	}
}

func TestSaveImageFormats(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(20, 20)
	dir := t.TempDir()

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "out."+format)
		if err := p.SaveImage(img, path, format, 90, false); err != nil {
			t.Errorf("save %s failed: %v", format, err)
			continue
		}
		loaded, err := p.LoadImage(path)
		if err != nil {
			t.Errorf("load %s failed: %v", format, err)
			continue
		}
		if size := SizeOf(loaded); size.Width != 20 || size.Height != 20 {
			t.Errorf("%s: expected 20x20, got %dx%d", format, size.Width, size.Height)
		}
	}
}
