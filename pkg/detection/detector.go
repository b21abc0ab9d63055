package detection

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/grounding"
	"github.com/menta2k/phrase-grounder/pkg/processing"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Engine is the generation capability the detector drives. *engine.Service
// satisfies it.
type Engine interface {
	engine.Generator
	StructuredParser() engine.StructuredParser
}

// GenerationError wraps a failure of the generation engine in either stage
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Report is the full outcome of one detection, including parser diagnostics
type Report struct {
	Result         types.DetectionResult
	Size           types.ImageSize
	RawCaption     string
	RawGrounding   string
	Strategy       grounding.Strategy
	FallbackReason grounding.FallbackReason
}

// Detector runs the caption stage followed by the phrase grounding stage
type Detector struct {
	engine Engine
	preset Preset
}

// NewDetector creates a detector for the given engine and preset
func NewDetector(eng Engine, preset Preset) *Detector {
	return &Detector{engine: eng, preset: preset}
}

// Preset returns the detector's configuration
func (d *Detector) Preset() Preset {
	return d.preset
}

// DetectObjects captions an image and grounds the caption's phrases in it
func (d *Detector) DetectObjects(ctx context.Context, img image.Image) (*types.DetectionResult, error) {
	report, err := d.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	return &report.Result, nil
}

// Detect is DetectObjects with parser diagnostics
func (d *Detector) Detect(ctx context.Context, img image.Image) (*Report, error) {
	size := processing.SizeOf(img)
	report := &Report{Size: size}

	slog.Info("generating caption", "task", string(d.preset.Caption.Task), "width", size.Width, "height", size.Height)
	caption, raw, err := d.caption(ctx, img, size)
	if err != nil {
		return nil, err
	}
	report.RawCaption = raw
	slog.Info("caption generated", "caption", caption)

	slog.Info("grounding caption phrases", "task", string(d.preset.Grounding.Task))
	rawGrounding, err := d.generate(ctx, "grounding", img, engine.Prompt{Task: d.preset.Grounding.Task, Text: caption}, d.preset.Grounding, false)
	if err != nil {
		return nil, err
	}
	report.RawGrounding = rawGrounding
	slog.Debug("grounding output", "raw", rawGrounding)

	parsed := grounding.NewAdapter(d.engine.StructuredParser()).Parse(ctx, rawGrounding, d.preset.Grounding.Task, size)
	report.Strategy = parsed.Strategy
	report.FallbackReason = parsed.FallbackReason
	report.Result = types.DetectionResult{Objects: parsed.Objects, Caption: caption}

	slog.Info("detection finished", "objects", len(parsed.Objects), "strategy", string(parsed.Strategy))
	return report, nil
}

// caption returns the post-processed caption and the decoded text it came from
func (d *Detector) caption(ctx context.Context, img image.Image, size types.ImageSize) (string, string, error) {
	raw, err := d.generate(ctx, "caption", img, engine.Prompt{Task: d.preset.Caption.Task}, d.preset.Caption, true)
	if err != nil {
		return "", "", err
	}
	slog.Debug("caption output", "raw", raw)

	parser := d.engine.StructuredParser()
	if parser == nil {
		return raw, raw, nil
	}
	parsed, err := parser.PostProcess(ctx, raw, d.preset.Caption.Task, size)
	if err != nil {
		slog.Warn("caption post-processing failed, using decoded text", "error", err, "raw", raw)
		return raw, raw, nil
	}
	if parsed == nil || strings.TrimSpace(parsed.Caption) == "" {
		return raw, raw, nil
	}
	return parsed.Caption, raw, nil
}

func (d *Detector) generate(ctx context.Context, stage string, img image.Image, prompt engine.Prompt, cfg StageConfig, skipSpecial bool) (string, error) {
	seq, err := d.engine.Generate(ctx, engine.GenerateRequest{
		Prompt: prompt,
		Image:  img,
		Options: engine.GenerateOptions{
			MaxNewTokens: cfg.MaxNewTokens,
			NumBeams:     d.preset.NumBeams,
			DoSample:     cfg.DoSample,
		},
	})
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}

	text, err := d.engine.Decode(ctx, seq, skipSpecial)
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: fmt.Errorf("decode: %w", err)}
	}
	return text, nil
}
