package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Cache.TTL() != 0 {
		t.Error("Result cache must be disabled by default")
	}
	if cfg.Engine.MaxConcurrent != 1 {
		t.Errorf("Expected serialized generation by default, got %d", cfg.Engine.MaxConcurrent)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"backend", func(c *Config) { c.Engine.Backend = "onnx" }, "engine.backend"},
		{"device", func(c *Config) { c.Engine.Device = "tpu" }, "engine.device"},
		{"concurrency", func(c *Config) { c.Engine.MaxConcurrent = 0 }, "engine.max_concurrent"},
		{"rate", func(c *Config) { c.Engine.RateLimit = -1 }, "engine.rate_limit"},
		{"quality", func(c *Config) { c.Engine.ImageQuality = 101 }, "engine.image_quality"},
		{"preset", func(c *Config) { c.Pipeline.Preset = "florence-1" }, "pipeline.preset"},
		{"ttl", func(c *Config) { c.Cache.TTLSeconds = -5 }, "cache.ttl_seconds"},
		{"queue", func(c *Config) { c.Queue.Driver = "kafka" }, "queue.driver"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Pipeline.Preset = "cogflorence-2.2-large"
	cfg.Engine.Device = "mps"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Pipeline.Preset != "cogflorence-2.2-large" || loaded.Engine.Device != "mps" {
		t.Errorf("Unexpected loaded config %+v", loaded)
	}
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9000}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Engine.Backend != BackendFlorence || cfg.Engine.ImageQuality != 90 {
		t.Error("Unset sections must keep their defaults")
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json"), 0644)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for malformed file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("ENGINE_BACKEND", "ollama")
	t.Setenv("MODEL_PRESET", "cogflorence-2.2-large")
	t.Setenv("MAX_CONCURRENT_GENERATIONS", "2")
	t.Setenv("GENERATION_RATE_LIMIT", "0.5")
	t.Setenv("CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("QUEUE_DRIVER", "sqs")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Server.Port != 9100 || cfg.Engine.Backend != "ollama" || cfg.Pipeline.Preset != "cogflorence-2.2-large" {
		t.Errorf("Environment overrides not applied: %+v", cfg)
	}
	if cfg.Engine.MaxConcurrent != 2 || cfg.Engine.RateLimit != 0.5 {
		t.Errorf("Numeric overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Cache.TTLSeconds != 0 {
		t.Error("Malformed values must keep the previous setting")
	}
	if cfg.Queue.Driver != QueueSQS {
		t.Errorf("Expected sqs driver, got %s", cfg.Queue.Driver)
	}
}

func TestPresetModelOverride(t *testing.T) {
	cfg := Default()
	cfg.Engine.Model = "local/florence-finetune"

	p := cfg.Preset()
	if p.ModelID != "local/florence-finetune" || p.Name != "florence-2-large" {
		t.Errorf("Unexpected preset %+v", p)
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	cfg.Cache.TTLSeconds = 60
	if cfg.Cache.TTL() != time.Minute {
		t.Errorf("Expected 1m TTL, got %s", cfg.Cache.TTL())
	}
	if cfg.Engine.Timeout() != 5*time.Minute {
		t.Errorf("Expected 5m timeout, got %s", cfg.Engine.Timeout())
	}
	if cfg.Server.Addr() != "0.0.0.0:8000" {
		t.Errorf("Unexpected addr %s", cfg.Server.Addr())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Info must be filtered at warn level")
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("Expected JSON output, got %q", out)
	}
}
