// Package engine defines the contract between the grounding pipeline and the
// image-to-text generation model that backs it.
//
// A backend implements Generator and, when the model ships its own output
// post-processor, StructuredParser. The pipeline never talks to a backend
// directly; it goes through Service, which owns readiness and serialization.
package engine

import (
	"context"
	"image"
	"regexp"
	"strings"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Task is a task tag understood by the generation model
type Task string

const (
	TaskCaption             Task = "<CAPTION>"
	TaskDetailedCaption     Task = "<DETAILED_CAPTION>"
	TaskMoreDetailedCaption Task = "<MORE_DETAILED_CAPTION>"
	TaskPhraseGrounding     Task = "<CAPTION_TO_PHRASE_GROUNDING>"
)

// Prompt is a task tag optionally followed by free text
type Prompt struct {
	Task Task
	Text string
}

// String joins the task tag and the text without a separator
func (p Prompt) String() string {
	return string(p.Task) + p.Text
}

// GenerateOptions controls a single generation call
type GenerateOptions struct {
	MaxNewTokens int
	NumBeams     int
	DoSample     bool
}

// GenerateRequest is one generation stage's input
type GenerateRequest struct {
	Prompt  Prompt
	Image   image.Image
	Options GenerateOptions
}

// Sequence is the raw output of a generation call. Backends with access to
// the tokenizer fill TokenIDs; text-only backends fill Text.
type Sequence struct {
	TokenIDs []int64
	Text     string
}

// Structured is the model's own post-processed output for a task
type Structured struct {
	Caption string
	Boxes   [][4]float64
	Labels  []string
}

// Generator produces and decodes token sequences
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Sequence, error)
	Decode(ctx context.Context, seq Sequence, skipSpecialTokens bool) (string, error)
}

// StructuredParser is the optional post-processing capability of a model
type StructuredParser interface {
	PostProcess(ctx context.Context, text string, task Task, size types.ImageSize) (*Structured, error)
}

// Loader initializes a backend before it may serve requests
type Loader interface {
	Load(ctx context.Context) error
}

var (
	specialTokenPattern  = regexp.MustCompile(`</?s>|<pad>|<unk>|<loc_\d+>`)
	taskTagPattern       = regexp.MustCompile(`<[A-Z_]+>`)
	whitespaceRunPattern = regexp.MustCompile(`[ \t]{2,}`)
)

// StripSpecialTokens removes sequence markers, padding, location tokens and
// task tags from text-only backend output.
func StripSpecialTokens(text string) string {
	text = specialTokenPattern.ReplaceAllString(text, "")
	text = taskTagPattern.ReplaceAllString(text, "")
	text = whitespaceRunPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
