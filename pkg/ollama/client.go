package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
)

// Options tunes how images are sent to Ollama
type Options struct {
	ImageFormat  string
	MaxImageDim  int
	ImageQuality int
	Timeout      time.Duration
}

// Client drives a Florence-style model served by Ollama. Ollama returns
// decoded text only, so sequences carry Text and there is no structured parser.
type Client struct {
	client    *api.Client
	model     string
	opts      Options
	processor *processing.Processor
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string, opts Options) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", ollamaURL)
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	// Drop any path like /api/generate; the SDK appends its own
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	if opts.ImageFormat == "" {
		opts.ImageFormat = "jpg"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}

	return &Client{
		client:    api.NewClient(baseURL, http.DefaultClient),
		model:     model,
		opts:      opts,
		processor: processing.NewProcessor(),
	}, nil
}

// Load verifies the server is up and the model is available
func (c *Client) Load(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	if _, err := c.client.Show(ctx, &api.ShowRequest{Model: c.model}); err != nil {
		return fmt.Errorf("model %s not available: %w", c.model, err)
	}
	slog.Info("ollama model available", "model", c.model)
	return nil
}

// Generate sends the raw task prompt with the image
func (c *Client) Generate(ctx context.Context, req engine.GenerateRequest) (engine.Sequence, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	imgBytes, err := c.processor.EncodeImage(req.Image, c.opts.ImageFormat, c.opts.MaxImageDim, c.opts.ImageQuality)
	if err != nil {
		return engine.Sequence{}, fmt.Errorf("failed to encode image: %w", err)
	}

	streamFalse := false
	genReq := &api.GenerateRequest{
		Model:   c.model,
		Prompt:  req.Prompt.String(),
		Raw:     true,
		Images:  []api.ImageData{api.ImageData(imgBytes)},
		Stream:  &streamFalse,
		Options: generationOptions(req.Options),
	}

	var sb strings.Builder
	err = c.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return engine.Sequence{}, fmt.Errorf("ollama generate error: %w", err)
	}
	return engine.Sequence{Text: sb.String()}, nil
}

// Decode returns the generated text, stripping special tokens when asked
func (c *Client) Decode(ctx context.Context, seq engine.Sequence, skipSpecialTokens bool) (string, error) {
	if skipSpecialTokens {
		return engine.StripSpecialTokens(seq.Text), nil
	}
	return seq.Text, nil
}

func generationOptions(o engine.GenerateOptions) map[string]any {
	options := map[string]any{}
	if o.MaxNewTokens > 0 {
		options["num_predict"] = o.MaxNewTokens
	}
	// Ollama has no beam search; greedy decoding is the closest match
	if !o.DoSample {
		options["temperature"] = 0
		options["top_k"] = 1
	}
	return options
}
