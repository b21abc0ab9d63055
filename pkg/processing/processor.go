package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// ErrInvalidImage is returned when a payload cannot be decoded into an image
var ErrInvalidImage = errors.New("invalid image data")

// Processor handles image decoding, encoding and debug rendering
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SizeOf returns the pixel size of an image
func SizeOf(img image.Image) types.ImageSize {
	b := img.Bounds()
	return types.ImageSize{Width: b.Dx(), Height: b.Dy()}
}

// DecodeBase64Image decodes a base64 payload (optionally a data: URL) into an
// RGB raster. Every failure wraps ErrInvalidImage.
func (p *Processor) DecodeBase64Image(payload string) (image.Image, error) {
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	img, err := p.decodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	// normalize paletted and YCbCr images to a plain NRGBA raster
	return imaging.Clone(img), nil
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if alt, altErr := enc.DecodeString(payload); altErr == nil {
			return alt, nil
		}
	}
	return nil, err
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "phrase-grounder/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %v", err)
	}

	return p.decodeImageFromBytes(imageData)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.decodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel encodes an image as base64 for backends that take
// images over the wire. maxDim limits the long side; 0 keeps the original.
// Location tokens are relative to the image, so downscaling does not change
// the pixel boxes computed against the original size.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	data, err := p.EncodeImage(img, format, maxDim, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeImage encodes an image as JPEG or PNG bytes, downscaling first when
// the long side exceeds maxDim.
func (p *Processor) EncodeImage(img image.Image, format string, maxDim int, quality int) ([]byte, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	default: // jpg
		if quality <= 0 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

var overlayPalette = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 0, 0, 255},
	{0, 170, 255, 255},
	{255, 0, 255, 255},
	{0, 255, 255, 255},
}

// CreateDebugOverlay draws every grounded box onto a copy of the image. Boxes
// sharing a label share a color.
func (p *Processor) CreateDebugOverlay(img image.Image, objects []types.BoundingBox) image.Image {
	canvas := imaging.Clone(img)
	bounds := canvas.Bounds()
	stroke := max(2, min(bounds.Dx(), bounds.Dy())/250)

	colors := map[string]color.NRGBA{}
	for _, obj := range objects {
		c, ok := colors[obj.Label]
		if !ok {
			c = overlayPalette[len(colors)%len(overlayPalette)]
			colors[obj.Label] = c
		}
		outline(canvas, boxRect(obj.Box, bounds), c, stroke)
	}

	return canvas
}

// boxRect rounds a pixel-space box and clips it to bounds.
func boxRect(box [4]float64, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Round(box[0])), int(math.Round(box[1])),
		int(math.Round(box[2])), int(math.Round(box[3])),
	).Intersect(bounds)
	if r.Empty() {
		return image.Rectangle{}
	}
	return r
}

func outline(dst draw.Image, r image.Rectangle, c color.NRGBA, stroke int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+stroke),
		image.Rect(r.Min.X, r.Max.Y-stroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+stroke, r.Max.Y),
		image.Rect(r.Max.X-stroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
