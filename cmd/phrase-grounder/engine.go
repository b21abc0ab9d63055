package main

import (
	"fmt"

	phrasegrounder "github.com/menta2k/phrase-grounder"
	"github.com/menta2k/phrase-grounder/internal/config"
	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/florence"
	"github.com/menta2k/phrase-grounder/pkg/llamacpp"
	"github.com/menta2k/phrase-grounder/pkg/ollama"
)

// newGrounder builds the configured backend and wraps it in the pipeline
func newGrounder(cfg *config.Config) (*phrasegrounder.Grounder, error) {
	preset := cfg.Preset()
	device, err := engine.ParseDevice(cfg.Engine.Device)
	if err != nil {
		return nil, err
	}

	var backend engine.Generator
	switch cfg.Engine.Backend {
	case config.BackendFlorence:
		backend, err = florence.NewClient(cfg.Engine.URL, florence.Options{
			ModelID:      preset.ModelID,
			Device:       device,
			HalfOnMPS:    preset.HalfOnMPS,
			ImageFormat:  cfg.Engine.ImageFormat,
			MaxImageDim:  cfg.Engine.MaxImageDim,
			ImageQuality: cfg.Engine.ImageQuality,
			Timeout:      cfg.Engine.Timeout(),
			AuthToken:    cfg.Engine.AuthToken,
		})
	case config.BackendOllama:
		backend, err = ollama.NewClient(cfg.Engine.URL, preset.ModelID, ollama.Options{
			ImageFormat:  cfg.Engine.ImageFormat,
			MaxImageDim:  cfg.Engine.MaxImageDim,
			ImageQuality: cfg.Engine.ImageQuality,
			Timeout:      cfg.Engine.Timeout(),
		})
	case config.BackendLlamaCpp:
		backend, err = llamacpp.NewClient(cfg.Engine.URL, preset.ModelID, llamacpp.Options{
			ImageFormat:  cfg.Engine.ImageFormat,
			MaxImageDim:  cfg.Engine.MaxImageDim,
			ImageQuality: cfg.Engine.ImageQuality,
			Timeout:      cfg.Engine.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Engine.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Engine.Backend, err)
	}

	return phrasegrounder.New(backend, preset,
		phrasegrounder.WithMaxConcurrent(cfg.Engine.MaxConcurrent),
		phrasegrounder.WithRateLimit(cfg.Engine.RateLimit),
		phrasegrounder.WithCacheTTL(cfg.Cache.TTL()),
	), nil
}
