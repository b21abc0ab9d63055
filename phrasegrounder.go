// Package phrasegrounder captions an image and locates the caption's phrases
// in it with a Florence-2 family vision model.
//
// Detection runs in two generation stages against the same image. The first
// stage writes a detailed caption; the second feeds that caption back with the
// phrase grounding task and parses the location tokens of the answer into
// pixel-space boxes.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		phrasegrounder "github.com/menta2k/phrase-grounder"
//		"github.com/menta2k/phrase-grounder/pkg/detection"
//		"github.com/menta2k/phrase-grounder/pkg/florence"
//	)
//
//	func main() {
//		backend, err := florence.NewClient("http://localhost:8001", florence.Options{
//			ModelID: detection.Florence2Large.ModelID,
//			Device:  "cuda",
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		g := phrasegrounder.New(backend, detection.Florence2Large)
//		if err := g.Init(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := g.DetectSource(context.Background(), "photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(result.Caption)
//		for _, obj := range result.Objects {
//			fmt.Printf("%s at %v\n", obj.Label, obj.Box)
//		}
//	}
//
// The package consists of these components:
//
//  1. Engine (pkg/engine): the generation contract, readiness and serialization
//  2. Grounding (pkg/grounding): location token parsing and the structured parse fallback
//  3. Detection (pkg/detection): the two-stage pipeline and model presets
//  4. Backends (pkg/florence, pkg/ollama, pkg/llamacpp)
package phrasegrounder

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/menta2k/phrase-grounder/pkg/detection"
	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Version of the phrase grounder library
const Version = "1.0.0"

type options struct {
	maxConcurrent int64
	rateLimit     float64
	cacheTTL      time.Duration
}

// Option customizes a Grounder
type Option func(*options)

// WithMaxConcurrent bounds in-flight generation calls (default 1)
func WithMaxConcurrent(n int64) Option {
	return func(o *options) { o.maxConcurrent = n }
}

// WithRateLimit paces generation calls per second
func WithRateLimit(perSecond float64) Option {
	return func(o *options) { o.rateLimit = perSecond }
}

// WithCacheTTL remembers results for identical images and coalesces
// concurrent detections of the same image. Zero keeps every request independent.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

// Grounder provides a high-level interface to the detection pipeline
type Grounder struct {
	service   *engine.Service
	detector  detection.ObjectDetector
	preset    detection.Preset
	processor *processing.Processor
}

// New wires a generation backend into a ready-to-init pipeline
func New(backend engine.Generator, preset detection.Preset, opts ...Option) *Grounder {
	o := options{maxConcurrent: 1}
	for _, opt := range opts {
		opt(&o)
	}

	svc := engine.NewService(backend, engine.ServiceConfig{
		Name:          preset.DisplayName,
		MaxConcurrent: o.maxConcurrent,
		RateLimit:     o.rateLimit,
	})

	var detector detection.ObjectDetector = detection.NewDetector(svc, preset)
	if o.cacheTTL > 0 {
		detector = detection.NewCachingDetector(detector, o.cacheTTL)
	}

	return &Grounder{
		service:   svc,
		detector:  detector,
		preset:    preset,
		processor: processing.NewProcessor(),
	}
}

// Init loads the model. Detection fails with engine.ErrNotReady until it succeeds.
func (g *Grounder) Init(ctx context.Context) error {
	return g.service.Init(ctx)
}

// Service returns the engine service shared by all callers
func (g *Grounder) Service() *engine.Service {
	return g.service
}

// Detector returns the pipeline, including the result cache if enabled
func (g *Grounder) Detector() detection.ObjectDetector {
	return g.detector
}

// Preset returns the model preset in use
func (g *Grounder) Preset() detection.Preset {
	return g.preset
}

// Detect captions img and grounds the caption's phrases
func (g *Grounder) Detect(ctx context.Context, img image.Image) (*types.DetectionResult, error) {
	return g.detector.DetectObjects(ctx, img)
}

// DetectBase64 decodes a base64 image and runs Detect
func (g *Grounder) DetectBase64(ctx context.Context, payload string) (*types.DetectionResult, error) {
	img, err := g.processor.DecodeBase64Image(payload)
	if err != nil {
		return nil, err
	}
	return g.Detect(ctx, img)
}

// DetectSource loads an image from a file path or URL and runs Detect
func (g *Grounder) DetectSource(ctx context.Context, source string) (*types.DetectionResult, error) {
	img, err := g.LoadImage(source)
	if err != nil {
		return nil, err
	}
	return g.Detect(ctx, img)
}

// LoadImage loads an image from a file path or URL
func (g *Grounder) LoadImage(source string) (image.Image, error) {
	img, err := g.processor.LoadImageSmart(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", source, err)
	}
	return img, nil
}

// Overlay draws the detected boxes onto a copy of img
func (g *Grounder) Overlay(img image.Image, result *types.DetectionResult) image.Image {
	return g.processor.CreateDebugOverlay(img, result.Objects)
}

// SaveImage writes img as png, jpg or webp
func (g *Grounder) SaveImage(img image.Image, path, format string, quality int) error {
	return g.processor.SaveImage(img, path, format, quality, false)
}
