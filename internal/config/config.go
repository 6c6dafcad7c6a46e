// Package config loads pipeline settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Database    DatabaseConfig `yaml:"database"`
	Storage     StorageConfig  `yaml:"storage"`
	Audio       AudioConfig    `yaml:"audio"`
	AI          AIConfig       `yaml:"ai"`
	Worker      WorkerConfig   `yaml:"worker"`
	Server      ServerConfig   `yaml:"server"`
}

// DatabaseConfig selects the gorm driver and DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StorageConfig points at the root that relative artifact paths resolve against.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// AudioConfig holds the segmenter thresholds.
type AudioConfig struct {
	FFmpegPath        string  `yaml:"ffmpeg_path"`
	FFprobePath       string  `yaml:"ffprobe_path"`
	Bitrate           string  `yaml:"bitrate"`
	SilenceThreshold  string  `yaml:"silence_threshold"`
	SilenceDuration   float64 `yaml:"silence_duration"`
	SplitMinInterval  float64 `yaml:"split_min_interval"`
	MaxSegmentSeconds float64 `yaml:"max_segment_seconds"`
	ForceSplit        bool    `yaml:"force_split"`
	DebugLog          bool    `yaml:"debug_log"`
}

// AIConfig holds speech-to-text and completion knobs.
type AIConfig struct {
	Provider           string        `yaml:"provider"`
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	OllamaHost         string        `yaml:"ollama_host"`
	TranscribeModel    string        `yaml:"transcribe_model"`
	CompletionModel    string        `yaml:"completion_model"`
	Language           string        `yaml:"language"`
	TranscribeTimeout  time.Duration `yaml:"transcribe_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ChatTimeout        time.Duration `yaml:"chat_timeout"`
	ExtractionTimeout  time.Duration `yaml:"extraction_timeout"`
	Tries              int           `yaml:"tries"`
	Backoff            time.Duration `yaml:"backoff"`
	MaxTranscriptWords int           `yaml:"max_transcript_words"`
}

// WorkerConfig sizes the job pool.
type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	QueueBuffer int    `yaml:"queue_buffer"`
	ResyncSpec  string `yaml:"resync_spec"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Supported completion providers.
const (
	ProviderGateway   = "gateway"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Load reads a YAML config file from path. A missing file yields defaults,
// so the service can run from environment alone.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on top of the file values.
func (c *Config) applyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	// seconds and millis mirror the integer env contract of the upstream deployment
	seconds := func(key string, dst *time.Duration) {
		var n int
		integer(key, &n)
		if n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
	millis := func(key string, dst *time.Duration) {
		var n int
		integer(key, &n)
		if n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}

	str("ENVIRONMENT", &c.Environment)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("STORAGE_ROOT", &c.Storage.Root)

	str("FFMPEG_PATH", &c.Audio.FFmpegPath)
	str("FFPROBE_PATH", &c.Audio.FFprobePath)
	str("AI_AUDIO_BITRATE", &c.Audio.Bitrate)
	str("AI_SILENCE_DB", &c.Audio.SilenceThreshold)
	float("AI_SILENCE_DURATION", &c.Audio.SilenceDuration)
	float("AI_SPLIT_DURATION", &c.Audio.SplitMinInterval)
	float("AI_MAX_SEGMENT_SECONDS", &c.Audio.MaxSegmentSeconds)
	boolean("AI_FORCE_SPLIT", &c.Audio.ForceSplit)
	boolean("AUDIO_DEBUG_LOG", &c.Audio.DebugLog)

	str("AI_PROVIDER", &c.AI.Provider)
	str("AI_BASE_URL", &c.AI.BaseURL)
	str("OPENAI_API_KEY", &c.AI.APIKey)
	str("OLLAMA_HOST", &c.AI.OllamaHost)
	str("AI_TRANSCRIBE_MODEL", &c.AI.TranscribeModel)
	str("AI_COMPLETION_MODEL", &c.AI.CompletionModel)
	str("AI_LANGUAGE", &c.AI.Language)
	seconds("AI_HTTP_TIMEOUT", &c.AI.TranscribeTimeout)
	seconds("AI_HTTP_CONNECT_TIMEOUT", &c.AI.ConnectTimeout)
	seconds("AI_CHAT_TIMEOUT", &c.AI.ChatTimeout)
	seconds("AI_EXTRACTION_TIMEOUT", &c.AI.ExtractionTimeout)
	integer("AI_HTTP_TRIES", &c.AI.Tries)
	millis("AI_HTTP_BACKOFF_MS", &c.AI.Backoff)
	integer("AI_MAX_TRANSCRIPT_WORDS", &c.AI.MaxTranscriptWords)

	integer("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	str("QUEUE_RESYNC_SPEC", &c.Worker.ResyncSpec)
	integer("PORT", &c.Server.Port)

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "local"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "consultations.db"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "storage"
	}

	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.FFprobePath == "" {
		c.Audio.FFprobePath = "ffprobe"
	}
	if c.Audio.Bitrate == "" {
		c.Audio.Bitrate = "12k"
	}
	if c.Audio.SilenceThreshold == "" {
		c.Audio.SilenceThreshold = "-25dB"
	}
	if c.Audio.SilenceDuration == 0 {
		c.Audio.SilenceDuration = 3.0
	}
	if c.Audio.SplitMinInterval == 0 {
		c.Audio.SplitMinInterval = 300
	}
	if c.Audio.MaxSegmentSeconds == 0 {
		c.Audio.MaxSegmentSeconds = 60
	}

	if c.AI.Provider == "" {
		c.AI.Provider = ProviderGateway
	}
	if c.AI.BaseURL == "" {
		c.AI.BaseURL = "https://api.openai.com/v1"
	}
	if c.AI.OllamaHost == "" {
		c.AI.OllamaHost = "http://localhost:11434"
	}
	if c.AI.TranscribeModel == "" {
		c.AI.TranscribeModel = "whisper-1"
	}
	if c.AI.CompletionModel == "" {
		c.AI.CompletionModel = "gpt-5-nano"
	}
	if c.AI.Language == "" {
		c.AI.Language = "pt"
	}
	if c.AI.TranscribeTimeout == 0 {
		c.AI.TranscribeTimeout = 90 * time.Second
	}
	if c.AI.ConnectTimeout == 0 {
		c.AI.ConnectTimeout = 10 * time.Second
	}
	if c.AI.ChatTimeout == 0 {
		c.AI.ChatTimeout = 120 * time.Second
	}
	if c.AI.ExtractionTimeout == 0 {
		c.AI.ExtractionTimeout = 600 * time.Second
	}
	if c.AI.Tries <= 0 {
		c.AI.Tries = 3
	}
	if c.AI.Backoff == 0 {
		c.AI.Backoff = 1500 * time.Millisecond
	}
	if c.AI.MaxTranscriptWords <= 0 {
		c.AI.MaxTranscriptWords = 4500
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.QueueBuffer <= 0 {
		c.Worker.QueueBuffer = 64
	}
	if c.Worker.ResyncSpec == "" {
		c.Worker.ResyncSpec = "@every 30s"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
}

// validate checks that the settings are consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.AI.Provider {
	case ProviderGateway, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		errs = append(errs, fmt.Sprintf("ai.provider %q is not supported", c.AI.Provider))
	}
	if c.Audio.SilenceDuration < 0 {
		errs = append(errs, "audio.silence_duration must not be negative")
	}
	if c.Audio.SplitMinInterval < 0 {
		errs = append(errs, "audio.split_min_interval must not be negative")
	}
	if c.Audio.MaxSegmentSeconds < 1 {
		errs = append(errs, "audio.max_segment_seconds must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
