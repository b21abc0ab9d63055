package grounding

import (
	"context"
	"errors"
	"testing"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

type stubParser struct {
	result *engine.Structured
	err    error
	calls  int
	text   string
}

func (s *stubParser) PostProcess(ctx context.Context, text string, task engine.Task, size types.ImageSize) (*engine.Structured, error) {
	s.calls++
	s.text = text
	return s.result, s.err
}

const rawGrounding = "</s><s><CAPTION_TO_PHRASE_GROUNDING>a dog<loc_0><loc_0><loc_500><loc_500></s>"

func TestAdapterUsesStructuredResult(t *testing.T) {
	parser := &stubParser{result: &engine.Structured{
		Boxes:  [][4]float64{{1, 2, 3, 4}, {5, 6, 7, 8}},
		Labels: []string{"a dog", "a ball"},
	}}
	adapter := NewAdapter(parser)

	res := adapter.Parse(context.Background(), rawGrounding, engine.TaskPhraseGrounding, types.ImageSize{Width: 100, Height: 100})

	if res.Strategy != StrategyStructured {
		t.Errorf("Expected structured strategy, got %s", res.Strategy)
	}
	if res.FallbackReason != ReasonNone {
		t.Errorf("Expected no fallback reason, got %q", res.FallbackReason)
	}
	if len(res.Objects) != 2 || res.Objects[1].Label != "a ball" || res.Objects[1].Box != [4]float64{5, 6, 7, 8} {
		t.Errorf("Unexpected objects: %+v", res.Objects)
	}
	if parser.text != rawGrounding {
		t.Errorf("Expected parser to receive the raw text, got %q", parser.text)
	}
}

func TestAdapterFallbacks(t *testing.T) {
	size := types.ImageSize{Width: 100, Height: 100}

	tests := []struct {
		name   string
		parser engine.StructuredParser
		reason FallbackReason
	}{
		{
			name:   "no parser",
			parser: nil,
			reason: ReasonNoStructuredParser,
		},
		{
			name:   "parser error",
			parser: &stubParser{err: errors.New("boom")},
			reason: ReasonStructuredError,
		},
		{
			name:   "nil result",
			parser: &stubParser{},
			reason: ReasonEmpty,
		},
		{
			name:   "empty boxes",
			parser: &stubParser{result: &engine.Structured{Labels: []string{"a dog"}}},
			reason: ReasonEmpty,
		},
		{
			name: "length mismatch",
			parser: &stubParser{result: &engine.Structured{
				Boxes:  [][4]float64{{1, 2, 3, 4}, {5, 6, 7, 8}},
				Labels: []string{"a dog"},
			}},
			reason: ReasonLengthMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewAdapter(tt.parser).Parse(context.Background(), rawGrounding, engine.TaskPhraseGrounding, size)

			if res.Strategy != StrategyTokens {
				t.Errorf("Expected token strategy, got %s", res.Strategy)
			}
			if res.FallbackReason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, res.FallbackReason)
			}
			if len(res.Objects) != 1 {
				t.Fatalf("Expected 1 object from fallback, got %d", len(res.Objects))
			}
			if res.Objects[0].Label != "a dog" || res.Objects[0].Box != [4]float64{0, 0, 50, 50} {
				t.Errorf("Unexpected fallback object: %+v", res.Objects[0])
			}
		})
	}
}

func TestAdapterDoesNotRetryStructuredParser(t *testing.T) {
	parser := &stubParser{err: errors.New("boom")}
	NewAdapter(parser).Parse(context.Background(), rawGrounding, engine.TaskPhraseGrounding, types.ImageSize{Width: 10, Height: 10})

	if parser.calls != 1 {
		t.Errorf("Expected exactly 1 structured parser call, got %d", parser.calls)
	}
}

func TestAdapterTotalFailureIsEmpty(t *testing.T) {
	res := NewAdapter(nil).Parse(context.Background(), "<s>nothing grounded here</s>", engine.TaskPhraseGrounding, types.ImageSize{Width: 10, Height: 10})

	if res.Objects == nil || len(res.Objects) != 0 {
		t.Errorf("Expected empty non-nil objects, got %#v", res.Objects)
	}
}
