package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// ErrNotReady is returned when the service is used before a successful Init
var ErrNotReady = errors.New("generation engine not loaded")

// State is the readiness state of a Service
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// ServiceConfig controls how generation calls reach the backend
type ServiceConfig struct {
	// Name is reported by the status endpoint, e.g. "Florence-2"
	Name string
	// MaxConcurrent bounds in-flight generation calls. 1 serializes them.
	MaxConcurrent int64
	// RateLimit paces generation calls per second; 0 disables pacing.
	RateLimit float64
}

// Service is the process-wide handle to a generation backend. It is built
// once at startup and passed to every request handler.
type Service struct {
	name    string
	gen     Generator
	parser  StructuredParser
	loader  Loader
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu    sync.RWMutex
	state State
	err   error
}

// NewService wraps a backend. If the backend also implements StructuredParser
// or Loader, those capabilities are picked up automatically.
func NewService(gen Generator, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Service{
		name: cfg.Name,
		gen:  gen,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	if p, ok := gen.(StructuredParser); ok {
		s.parser = p
	}
	if l, ok := gen.(Loader); ok {
		s.loader = l
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

// Init loads the backend and moves the service to StateReady or StateFailed
func (s *Service) Init(ctx context.Context) error {
	var err error
	if s.loader != nil {
		err = s.loader.Load(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		s.err = err
		return fmt.Errorf("failed to load %s: %w", s.name, err)
	}
	s.state = StateReady
	s.err = nil
	slog.Info("generation engine ready", "engine", s.name, "structured_parser", s.parser != nil)
	return nil
}

// State returns the current readiness state and the load error, if any
func (s *Service) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.err
}

// Ready reports whether the service accepts generation calls
func (s *Service) Ready() bool {
	st, _ := s.State()
	return st == StateReady
}

// Name returns the display name of the engine
func (s *Service) Name() string {
	return s.name
}

// StructuredParser returns the service itself when the backend can
// post-process, so parsing is gated on readiness like generation. It returns
// nil otherwise.
func (s *Service) StructuredParser() StructuredParser {
	if s.parser == nil {
		return nil
	}
	return s
}

// Generate runs one generation call under the service's concurrency limit
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (Sequence, error) {
	if !s.Ready() {
		return Sequence{}, ErrNotReady
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Sequence{}, err
		}
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Sequence{}, err
	}
	defer s.sem.Release(1)
	return s.gen.Generate(ctx, req)
}

// Decode turns a generated sequence into text
func (s *Service) Decode(ctx context.Context, seq Sequence, skipSpecialTokens bool) (string, error) {
	if !s.Ready() {
		return "", ErrNotReady
	}
	return s.gen.Decode(ctx, seq, skipSpecialTokens)
}

// PostProcess runs the backend's structured parser
func (s *Service) PostProcess(ctx context.Context, text string, task Task, size types.ImageSize) (*Structured, error) {
	if s.parser == nil {
		return nil, errors.New("engine has no structured parser")
	}
	if !s.Ready() {
		return nil, ErrNotReady
	}
	return s.parser.PostProcess(ctx, text, task, size)
}
