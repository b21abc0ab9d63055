// Package florence talks to a model sidecar that hosts a Florence-2 family
// checkpoint together with its processor and tokenizer.
//
// The sidecar exposes one JSON endpoint per model operation:
//
//	POST /load          load weights onto a device
//	POST /generate      run generate() for a prompt and image, return token ids
//	POST /decode        batch_decode token ids
//	POST /post_process  the processor's post_process_generation
//	GET  /health        liveness
//
// Client implements engine.Generator, engine.StructuredParser and engine.Loader.
package florence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Options configures the sidecar client
type Options struct {
	ModelID   string
	Device    engine.Device
	HalfOnMPS bool
	// ImageFormat is the encoding used to ship images to the sidecar
	ImageFormat string
	// MaxImageDim downsizes images before sending; 0 keeps them unchanged
	MaxImageDim  int
	ImageQuality int
	Timeout      time.Duration
	AuthToken    string
}

type Client struct {
	baseURL    string
	opts       Options
	dtype      engine.DType
	httpClient *http.Client
	processor  *processing.Processor
}

type loadRequest struct {
	ModelID               string        `json:"model_id"`
	Device                engine.Device `json:"device"`
	DType                 engine.DType  `json:"dtype,omitempty"`
	TrustRemoteCode       bool          `json:"trust_remote_code"`
	DisableFlashAttention bool          `json:"disable_flash_attention"`
}

type generateRequest struct {
	Prompt       string              `json:"prompt"`
	ImageB64     string              `json:"image_b64"`
	MaxNewTokens int                 `json:"max_new_tokens"`
	NumBeams     int                 `json:"num_beams"`
	DoSample     bool                `json:"do_sample"`
	Inputs       []engine.TensorSpec `json:"inputs"`
}

type generateResponse struct {
	TokenIDs []int64 `json:"token_ids"`
}

type decodeRequest struct {
	TokenIDs          []int64 `json:"token_ids"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`
}

type decodeResponse struct {
	Text string `json:"text"`
}

type postProcessRequest struct {
	Text   string `json:"text"`
	Task   string `json:"task"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// postProcessResponse mirrors post_process_generation: a map keyed by the
// task tag whose value is a string for captions and an object for grounding.
type postProcessResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type groundingPayload struct {
	BBoxes [][]float64 `json:"bboxes"`
	Labels []string    `json:"labels"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// NewClient creates a sidecar client
func NewClient(serverURL string, opts Options) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8001"
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("invalid sidecar URL %q", serverURL)
	}
	if opts.ModelID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if opts.Device == "" {
		opts.Device = engine.DeviceAuto
	}
	if opts.ImageFormat == "" {
		opts.ImageFormat = "png"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		processor:  processing.NewProcessor(),
	}
	if opts.Device != engine.DeviceAuto {
		c.dtype = engine.ExecutionDType(opts.Device, opts.HalfOnMPS)
	}
	return c, nil
}

// Load asks the sidecar to load the model. Flash attention is always
// disabled since the checkpoints' remote code imports it unconditionally.
func (c *Client) Load(ctx context.Context) error {
	req := loadRequest{
		ModelID:               c.opts.ModelID,
		Device:                c.opts.Device,
		DType:                 c.dtype,
		TrustRemoteCode:       true,
		DisableFlashAttention: true,
	}
	if err := c.Health(ctx); err != nil {
		return err
	}
	slog.Info("loading model in sidecar", "model", req.ModelID, "device", string(req.Device), "dtype", string(req.DType))
	if err := c.post(ctx, "/load", req, nil); err != nil {
		return fmt.Errorf("load %s: %w", c.opts.ModelID, err)
	}
	return nil
}

// Health checks that the sidecar is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health returned status %d", resp.StatusCode)
	}
	return nil
}

// Generate runs one generation call and returns the generated token ids
func (c *Client) Generate(ctx context.Context, req engine.GenerateRequest) (engine.Sequence, error) {
	imgB64, err := c.processor.PrepareImageForModel(req.Image, c.opts.ImageFormat, c.opts.MaxImageDim, c.opts.ImageQuality)
	if err != nil {
		return engine.Sequence{}, fmt.Errorf("failed to encode image: %w", err)
	}

	payload := generateRequest{
		Prompt:       req.Prompt.String(),
		ImageB64:     imgB64,
		MaxNewTokens: req.Options.MaxNewTokens,
		NumBeams:     req.Options.NumBeams,
		DoSample:     req.Options.DoSample,
		Inputs:       engine.PlaceInputs(engine.DefaultInputs(), c.opts.Device, c.dtype),
	}

	var resp generateResponse
	if err := c.post(ctx, "/generate", payload, &resp); err != nil {
		return engine.Sequence{}, err
	}
	if len(resp.TokenIDs) == 0 {
		return engine.Sequence{}, fmt.Errorf("sidecar returned no tokens")
	}
	return engine.Sequence{TokenIDs: resp.TokenIDs}, nil
}

// Decode converts token ids to text with the model tokenizer
func (c *Client) Decode(ctx context.Context, seq engine.Sequence, skipSpecialTokens bool) (string, error) {
	if len(seq.TokenIDs) == 0 {
		return seq.Text, nil
	}
	var resp decodeResponse
	if err := c.post(ctx, "/decode", decodeRequest{TokenIDs: seq.TokenIDs, SkipSpecialTokens: skipSpecialTokens}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// PostProcess runs the processor's own output parser for task
func (c *Client) PostProcess(ctx context.Context, text string, task engine.Task, size types.ImageSize) (*engine.Structured, error) {
	var resp postProcessResponse
	req := postProcessRequest{Text: text, Task: string(task), Width: size.Width, Height: size.Height}
	if err := c.post(ctx, "/post_process", req, &resp); err != nil {
		return nil, err
	}

	raw, ok := resp.Result[string(task)]
	if !ok {
		return nil, fmt.Errorf("post-processed result has no %s entry", task)
	}

	if task == engine.TaskPhraseGrounding {
		var g groundingPayload
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("unexpected grounding result: %w", err)
		}
		out := &engine.Structured{Labels: g.Labels, Boxes: make([][4]float64, 0, len(g.BBoxes))}
		for i, b := range g.BBoxes {
			if len(b) != 4 {
				return nil, fmt.Errorf("box %d has %d coordinates", i, len(b))
			}
			out.Boxes = append(out.Boxes, [4]float64{b[0], b[1], b[2], b[3]})
		}
		return out, nil
	}

	var caption string
	if err := json.Unmarshal(raw, &caption); err != nil {
		return nil, fmt.Errorf("unexpected caption result: %w", err)
	}
	return &engine.Structured{Caption: strings.TrimSpace(caption)}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.AuthToken != "" {
		req.Header.Set("X-Internal-Token", c.opts.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", endpoint, err)
	}
	return nil
}
