package grounding

import (
	"context"
	"log/slog"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Strategy names the parser that produced a Result
type Strategy string

const (
	StrategyStructured Strategy = "structured"
	StrategyTokens     Strategy = "tokens"
)

// FallbackReason explains why the structured parser was not used
type FallbackReason string

const (
	ReasonNone               FallbackReason = ""
	ReasonNoStructuredParser FallbackReason = "no structured parser"
	ReasonStructuredError    FallbackReason = "structured parser failed"
	ReasonEmpty              FallbackReason = "structured parser returned no boxes"
	ReasonLengthMismatch     FallbackReason = "structured boxes and labels differ in length"
)

// Result is the outcome of parsing one grounding output
type Result struct {
	Objects        []types.BoundingBox
	Strategy       Strategy
	FallbackReason FallbackReason
	// Err holds the structured parser error when FallbackReason is ReasonStructuredError
	Err error
}

// Adapter prefers the model's structured post-processor and falls back to
// the token grammar on the same raw text. The choice is all-or-nothing per
// call and the structured parser is never retried.
type Adapter struct {
	parser engine.StructuredParser
}

// NewAdapter creates an adapter. parser may be nil.
func NewAdapter(parser engine.StructuredParser) *Adapter {
	return &Adapter{parser: parser}
}

// Parse interprets raw grounding text for task on an image of the given size
func (a *Adapter) Parse(ctx context.Context, raw string, task engine.Task, size types.ImageSize) Result {
	objects, reason, err := a.structured(ctx, raw, task, size)
	if reason == ReasonNone {
		slog.Debug("grounding parsed by model post-processor", "objects", len(objects))
		return Result{Objects: objects, Strategy: StrategyStructured}
	}

	slog.Info("falling back to token grammar parser", "reason", string(reason), "error", err, "raw", raw)
	objects = ParseTokens(CleanGroundingText(raw, string(task)), size)
	if len(objects) == 0 {
		slog.Warn("no grounded phrases found in model output", "raw", raw)
	}
	return Result{
		Objects:        objects,
		Strategy:       StrategyTokens,
		FallbackReason: reason,
		Err:            err,
	}
}

func (a *Adapter) structured(ctx context.Context, raw string, task engine.Task, size types.ImageSize) ([]types.BoundingBox, FallbackReason, error) {
	if a.parser == nil {
		return nil, ReasonNoStructuredParser, nil
	}

	parsed, err := a.parser.PostProcess(ctx, raw, task, size)
	if err != nil {
		return nil, ReasonStructuredError, err
	}
	if parsed == nil || len(parsed.Boxes) == 0 || len(parsed.Labels) == 0 {
		return nil, ReasonEmpty, nil
	}
	if len(parsed.Boxes) != len(parsed.Labels) {
		return nil, ReasonLengthMismatch, nil
	}

	objects := make([]types.BoundingBox, len(parsed.Boxes))
	for i := range parsed.Boxes {
		objects[i] = types.BoundingBox{Box: parsed.Boxes[i], Label: parsed.Labels[i]}
	}
	return objects, ReasonNone, nil
}
