package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/menta2k/phrase-grounder/pkg/detection"
	"github.com/menta2k/phrase-grounder/pkg/engine"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Engine   EngineConfig   `json:"engine"`
	Pipeline PipelineConfig `json:"pipeline"`
	Cache    CacheConfig    `json:"cache"`
	Queue    QueueConfig    `json:"queue"`
	Log      LogConfig      `json:"log"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	Mode                   string `json:"mode"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// EngineConfig selects and tunes the generation backend
type EngineConfig struct {
	Backend string `json:"backend"`
	URL     string `json:"url"`
	// Model overrides the preset's model id
	Model          string  `json:"model"`
	Device         string  `json:"device"`
	MaxConcurrent  int64   `json:"max_concurrent"`
	RateLimit      float64 `json:"rate_limit"`
	ImageFormat    string  `json:"image_format"`
	MaxImageDim    int     `json:"max_image_dim"`
	ImageQuality   int     `json:"image_quality"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	AuthToken      string  `json:"auth_token,omitempty"`
}

// PipelineConfig holds settings for the detection pipeline and the detect command
type PipelineConfig struct {
	Preset        string `json:"preset"`
	OutputDir     string `json:"output_dir"`
	Overlay       bool   `json:"overlay"`
	OverlayFormat string `json:"overlay_format"`
}

// CacheConfig controls the detection result cache
type CacheConfig struct {
	// TTLSeconds of zero disables result caching
	TTLSeconds int `json:"ttl_seconds"`
}

// QueueConfig configures the worker's job source and result sink
type QueueConfig struct {
	Driver      string      `json:"driver"`
	Concurrency int         `json:"concurrency"`
	Redis       RedisConfig `json:"redis"`
	SQS         SQSConfig   `json:"sqs"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db"`
	InputQueue  string `json:"input_queue"`
	OutputQueue string `json:"output_queue"`
}

type SQSConfig struct {
	Region         string `json:"region"`
	InputQueueURL  string `json:"input_queue_url"`
	OutputQueueURL string `json:"output_queue_url"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

const (
	BackendFlorence = "florence"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"

	QueueRedis = "redis"
	QueueSQS   = "sqs"
)

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8000,
			Mode:                   "release",
			ShutdownTimeoutSeconds: 30,
		},
		Engine: EngineConfig{
			Backend:        BackendFlorence,
			URL:            "http://localhost:8001",
			Device:         string(engine.DeviceAuto),
			MaxConcurrent:  1,
			ImageFormat:    "png",
			ImageQuality:   90,
			TimeoutSeconds: 300,
		},
		Pipeline: PipelineConfig{
			Preset:        detection.Florence2Large.Name,
			OutputDir:     "./output",
			OverlayFormat: "png",
		},
		Queue: QueueConfig{
			Driver:      QueueRedis,
			Concurrency: 1,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				InputQueue:  "grounding:jobs",
				OutputQueue: "grounding:results",
			},
			SQS: SQSConfig{
				Region: "us-east-1",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional JSON
// file, then .env and process environment overrides.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		fileCfg, err := LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables that are set
func (c *Config) ApplyEnv() {
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.Mode = getEnv("GIN_MODE", c.Server.Mode)

	c.Engine.Backend = getEnv("ENGINE_BACKEND", c.Engine.Backend)
	c.Engine.URL = getEnv("ENGINE_URL", c.Engine.URL)
	c.Engine.Model = getEnv("ENGINE_MODEL", c.Engine.Model)
	c.Engine.Device = getEnv("DEVICE", c.Engine.Device)
	c.Engine.MaxConcurrent = int64(getEnvInt("MAX_CONCURRENT_GENERATIONS", int(c.Engine.MaxConcurrent)))
	c.Engine.RateLimit = getEnvFloat("GENERATION_RATE_LIMIT", c.Engine.RateLimit)
	c.Engine.AuthToken = getEnv("ENGINE_AUTH_TOKEN", c.Engine.AuthToken)

	c.Pipeline.Preset = getEnv("MODEL_PRESET", c.Pipeline.Preset)
	c.Cache.TTLSeconds = getEnvInt("CACHE_TTL_SECONDS", c.Cache.TTLSeconds)

	c.Queue.Driver = getEnv("QUEUE_DRIVER", c.Queue.Driver)
	c.Queue.Concurrency = getEnvInt("WORKER_CONCURRENCY", c.Queue.Concurrency)
	c.Queue.Redis.Addr = getEnv("REDIS_ADDR", c.Queue.Redis.Addr)
	c.Queue.Redis.Password = getEnv("REDIS_PASSWORD", c.Queue.Redis.Password)
	c.Queue.Redis.DB = getEnvInt("REDIS_DB", c.Queue.Redis.DB)
	c.Queue.Redis.InputQueue = getEnv("REDIS_INPUT_QUEUE", c.Queue.Redis.InputQueue)
	c.Queue.Redis.OutputQueue = getEnv("REDIS_OUTPUT_QUEUE", c.Queue.Redis.OutputQueue)
	c.Queue.SQS.Region = getEnv("AWS_REGION", c.Queue.SQS.Region)
	c.Queue.SQS.InputQueueURL = getEnv("SQS_INPUT_QUEUE_URL", c.Queue.SQS.InputQueueURL)
	c.Queue.SQS.OutputQueueURL = getEnv("SQS_OUTPUT_QUEUE_URL", c.Queue.SQS.OutputQueueURL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test")
	}

	switch c.Engine.Backend {
	case BackendFlorence, BackendOllama, BackendLlamaCpp:
	default:
		return fmt.Errorf("engine.backend must be one of %s, %s, %s", BackendFlorence, BackendOllama, BackendLlamaCpp)
	}

	if _, err := engine.ParseDevice(c.Engine.Device); err != nil {
		return fmt.Errorf("engine.device: %w", err)
	}

	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be positive")
	}

	if c.Engine.RateLimit < 0 {
		return fmt.Errorf("engine.rate_limit cannot be negative")
	}

	if c.Engine.ImageQuality < 1 || c.Engine.ImageQuality > 100 {
		return fmt.Errorf("engine.image_quality must be between 1 and 100")
	}

	if _, err := detection.LookupPreset(c.Pipeline.Preset); err != nil {
		return fmt.Errorf("pipeline.preset: %w", err)
	}

	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds cannot be negative")
	}

	if c.Queue.Driver != QueueRedis && c.Queue.Driver != QueueSQS {
		return fmt.Errorf("queue.driver must be %s or %s", QueueRedis, QueueSQS)
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be positive")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// Preset resolves the configured preset, applying the model override
func (c *Config) Preset() detection.Preset {
	p, err := detection.LookupPreset(c.Pipeline.Preset)
	if err != nil {
		p = detection.Florence2Large
	}
	if c.Engine.Model != "" {
		p.ModelID = c.Engine.Model
	}
	return p
}

// Addr returns the HTTP listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Timeout returns the engine request timeout
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// TTL returns the cache TTL; zero disables caching
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NewLogger builds the process logger
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "phrase-grounder", "config.json")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring non-integer environment variable", "key", key, "value", value)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment variable", "key", key, "value", value)
		return fallback
	}
	return f
}
