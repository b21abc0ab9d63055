package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
)

// Options tunes how images are sent to the server
type Options struct {
	ImageFormat  string
	MaxImageDim  int
	ImageQuality int
	Timeout      time.Duration
}

// Client drives a model behind llama.cpp's OpenAI-compatible server
type Client struct {
	baseURL    string
	model      string
	opts       Options
	httpClient *http.Client
	processor  *processing.Processor
}

// OpenAI-compatible message format
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	Stream      bool      `json:"stream"`
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

func NewClient(serverURL, model string, opts Options) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	if opts.ImageFormat == "" {
		opts.ImageFormat = "jpg"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	return &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		model:   model,
		opts:    opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		processor: processing.NewProcessor(),
	}, nil
}

// Load checks the server's health endpoint
func (c *Client) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llama.cpp server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llama.cpp server not ready: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req engine.GenerateRequest) (engine.Sequence, error) {
	imgB64, err := c.processor.PrepareImageForModel(req.Image, c.opts.ImageFormat, c.opts.MaxImageDim, c.opts.ImageQuality)
	if err != nil {
		return engine.Sequence{}, fmt.Errorf("failed to encode image: %w", err)
	}

	mime := "image/jpeg"
	if strings.EqualFold(c.opts.ImageFormat, "png") {
		mime = "image/png"
	}

	content := []ContentPart{
		{Type: "text", Text: req.Prompt.String()},
		{Type: "image_url", ImageURL: &ImageURL{URL: "data:" + mime + ";base64," + imgB64}},
	}

	chatReq := ChatCompletionRequest{
		Model:     c.model,
		Messages:  []Message{{Role: "user", Content: content}},
		MaxTokens: req.Options.MaxNewTokens,
		Stream:    false,
	}
	if req.Options.DoSample {
		chatReq.Temperature = 0.7
	} else {
		chatReq.TopK = 1
	}

	respBody, err := c.sendRequest(ctx, "/v1/chat/completions", chatReq)
	if err != nil {
		return engine.Sequence{}, fmt.Errorf("request failed: %w", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return engine.Sequence{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return engine.Sequence{}, fmt.Errorf("no choices in response")
	}

	return engine.Sequence{Text: messageText(resp.Choices[0].Message.Content)}, nil
}

func (c *Client) Decode(ctx context.Context, seq engine.Sequence, skipSpecialTokens bool) (string, error) {
	if skipSpecialTokens {
		return engine.StripSpecialTokens(seq.Text), nil
	}
	return seq.Text, nil
}

// messageText handles both string and content-part responses
func messageText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var sb strings.Builder
		for _, item := range v {
			if partMap, ok := item.(map[string]interface{}); ok {
				if text, ok := partMap["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
