package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/phrase-grounder/internal/api/middleware"
	"github.com/menta2k/phrase-grounder/pkg/detection"
	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubGenerator answers the caption stage and the grounding stage with fixed text
type stubGenerator struct {
	calls     atomic.Int32
	caption   string
	grounding string
	err       error
}

func (s *stubGenerator) Generate(ctx context.Context, req engine.GenerateRequest) (engine.Sequence, error) {
	s.calls.Add(1)
	if s.err != nil {
		return engine.Sequence{}, s.err
	}
	if req.Prompt.Task == engine.TaskPhraseGrounding {
		return engine.Sequence{Text: s.grounding}, nil
	}
	return engine.Sequence{Text: s.caption}, nil
}

func (s *stubGenerator) Decode(ctx context.Context, seq engine.Sequence, skip bool) (string, error) {
	if skip {
		return engine.StripSpecialTokens(seq.Text), nil
	}
	return seq.Text, nil
}

func newTestRouter(t *testing.T, gen *stubGenerator, ready bool) *gin.Engine {
	t.Helper()
	svc := engine.NewService(gen, engine.ServiceConfig{Name: "Florence-2"})
	if ready {
		if err := svc.Init(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	return SetupRouter(svc, detection.NewDetector(svc, detection.Florence2Large))
}

func onePixelPNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func postDetect(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/detect-objects", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeDetail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return resp.Detail
}

func TestStatus(t *testing.T) {
	r := newTestRouter(t, &stubGenerator{}, true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"Florence-2 API is running"`) {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
}

func TestDetectObjectsEndToEnd(t *testing.T) {
	gen := &stubGenerator{
		caption:   "a red dot",
		grounding: "dot<loc_0><loc_0><loc_1000><loc_1000>",
	}
	r := newTestRouter(t, gen, true)

	w := postDetect(r, `{"image_b64":"`+onePixelPNG(t)+`"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result types.DetectionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Caption != "a red dot" {
		t.Errorf("Expected caption 'a red dot', got %q", result.Caption)
	}
	if len(result.Objects) != 1 {
		t.Fatalf("Expected 1 object, got %d", len(result.Objects))
	}
	if result.Objects[0].Label != "dot" || result.Objects[0].Box != [4]float64{0, 0, 1, 1} {
		t.Errorf("Unexpected object %+v", result.Objects[0])
	}
	if gen.calls.Load() != 2 {
		t.Errorf("Expected 2 generation calls, got %d", gen.calls.Load())
	}
}

func TestDetectObjectsNoGroundedPhrases(t *testing.T) {
	gen := &stubGenerator{caption: "an empty scene", grounding: "nothing here"}
	r := newTestRouter(t, gen, true)

	w := postDetect(r, `{"image_b64":"`+onePixelPNG(t)+`"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"objects":[]`) {
		t.Errorf("Expected empty objects array, got %s", w.Body.String())
	}
}

func TestDetectObjectsInvalidImage(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed base64", `{"image_b64":"%%%not-base64%%%"}`},
		{"not an image", `{"image_b64":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`},
		{"missing field", `{}`},
		{"bad json", `{"image_b64":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &stubGenerator{}
			r := newTestRouter(t, gen, true)

			w := postDetect(r, tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
			if decodeDetail(t, w) == "" {
				t.Error("Expected a detail message")
			}
			if gen.calls.Load() != 0 {
				t.Errorf("Engine must not be called, got %d calls", gen.calls.Load())
			}
		})
	}
}

func TestDetectObjectsEngineNotReady(t *testing.T) {
	gen := &stubGenerator{}
	r := newTestRouter(t, gen, false)

	w := postDetect(r, `{"image_b64":"`+onePixelPNG(t)+`"}`)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if decodeDetail(t, w) != "Model not loaded." {
		t.Errorf("Unexpected detail %q", decodeDetail(t, w))
	}
	if gen.calls.Load() != 0 {
		t.Errorf("Engine must not be called, got %d calls", gen.calls.Load())
	}
}

func TestDetectObjectsGenerationFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("CUDA out of memory")}
	r := newTestRouter(t, gen, true)

	w := postDetect(r, `{"image_b64":"`+onePixelPNG(t)+`"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	detail := decodeDetail(t, w)
	if !strings.HasPrefix(detail, "An error occurred during object detection:") || !strings.Contains(detail, "CUDA out of memory") {
		t.Errorf("Unexpected detail %q", detail)
	}
	if strings.Contains(w.Body.String(), "objects") {
		t.Error("No partial result may be returned on failure")
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, &stubGenerator{}, true)

	req := httptest.NewRequest(http.MethodOptions, "/detect-objects", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected wildcard origin")
	}
}

func TestRequestID(t *testing.T) {
	r := newTestRouter(t, &stubGenerator{}, true)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}

	const id = "0b6e1c1e-8f6c-4a36-9d0e-1f0a3b8c2d4e"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.RequestIDHeader, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(middleware.RequestIDHeader); got != id {
		t.Errorf("Expected caller id to be kept, got %s", got)
	}
}
