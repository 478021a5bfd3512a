package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no config path is given.
const EnvConfigPath = "REELCUT_CONFIG"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Model        ModelConfig        `yaml:"model"`
	Media        MediaConfig        `yaml:"media"`
	Storage      StorageConfig      `yaml:"storage"`
	Credits      CreditsConfig      `yaml:"credits"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"` // 0 keeps SSE streams open
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxRequestSize ByteSize      `yaml:"maxRequestSize"`
	StorageDir     string        `yaml:"storageDir"`
	APIKey         string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath   string        `yaml:"databasePath"`  // optional, overrides default storageDir/reelcut.db
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight jobs before forced stop
	LogLevel       string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat      string        `yaml:"logFormat"`     // text|json
}

// OrchestratorConfig controls admission, retention and output mode selection.
type OrchestratorConfig struct {
	MaxConcurrentJobs        int           `yaml:"maxConcurrentJobs"`
	AdmissionInterval        time.Duration `yaml:"admissionInterval"` // fallback admission scan period
	Retention                time.Duration `yaml:"retention"`         // how long terminal jobs stay in memory
	SweepInterval            time.Duration `yaml:"sweepInterval"`
	MinTargetSeconds         float64       `yaml:"minTargetSeconds"`
	MaxTargetSeconds         float64       `yaml:"maxTargetSeconds"`
	CombinedThresholdSeconds float64       `yaml:"combinedThresholdSeconds"`
	EventBuffer              int           `yaml:"eventBuffer"`
}

// ModelConfig selects the content understanding provider.
type ModelConfig struct {
	Provider string         `yaml:"provider"` // "mock" or "gemini"
	Mock     MockSettings   `yaml:"mock"`
	Gemini   GeminiSettings `yaml:"gemini"`
}

// MockSettings config for the deterministic offline model.
type MockSettings struct {
	Delay          time.Duration `yaml:"delay"`
	SegmentSeconds float64       `yaml:"segmentSeconds"`
}

// GeminiSettings config for the Gemini REST API.
type GeminiSettings struct {
	BaseURL             string        `yaml:"baseUrl"` // e.g. https://generativelanguage.googleapis.com
	APIKey              string        `yaml:"apiKey"`
	Model               string        `yaml:"model"`
	PollAttempts        int           `yaml:"pollAttempts"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	ExtractTemperature  float32       `yaml:"extractTemperature"`
	DescribeTemperature float32       `yaml:"describeTemperature"`
	MaxOutputTokens     int           `yaml:"maxOutputTokens"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
	MaxRetries          int           `yaml:"maxRetries"`
}

// MediaConfig configures the external media tools.
type MediaConfig struct {
	FFmpegPath      string        `yaml:"ffmpegPath"`
	FFprobePath     string        `yaml:"ffprobePath"`
	WorkDir         string        `yaml:"workDir"` // parent of per-job scratch dirs; os temp when empty
	Preset          string        `yaml:"preset"`
	CRF             int           `yaml:"crf"`
	AudioSampleRate int           `yaml:"audioSampleRate"`
	AudioBitrate    string        `yaml:"audioBitrate"`
	ThumbnailOffset time.Duration `yaml:"thumbnailOffset"`
}

// StorageConfig configures the object store and its read handles.
type StorageConfig struct {
	SigningKey     string        `yaml:"signingKey"` // HMAC key for read handles; random per process when empty
	ReadHandleTTL  time.Duration `yaml:"readHandleTTL"`
	TempAudioGrace time.Duration `yaml:"tempAudioGrace"` // delay before temporary audio is deleted
	PublicBaseURL  string        `yaml:"publicBaseUrl"`  // prefix for read handle URLs
}

// CreditsConfig sets per-hour rates by content class.
type CreditsConfig struct {
	SpeechRatePerHour int `yaml:"speechRatePerHour"`
	VisualRatePerHour int `yaml:"visualRatePerHour"`
	InitialBalance    int `yaml:"initialBalance"` // granted once to users without a balance
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var REELCUT_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "reelcut.db")
	}
	return &cfg, nil
}

// Default returns a validated configuration built purely from defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "reelcut.db")
	return &cfg
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxRequestSize == 0 {
		cfg.Server.MaxRequestSize = ByteSize(1024 * 1024) // 1 MiB default
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}

	// Orchestrator defaults
	o := &cfg.Orchestrator
	if o.MaxConcurrentJobs == 0 {
		o.MaxConcurrentJobs = 2
	}
	if o.AdmissionInterval == 0 {
		o.AdmissionInterval = 5 * time.Second
	}
	if o.Retention == 0 {
		o.Retention = 24 * time.Hour
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.MinTargetSeconds == 0 {
		o.MinTargetSeconds = 20
	}
	if o.MaxTargetSeconds == 0 {
		o.MaxTargetSeconds = 1800
	}
	if o.CombinedThresholdSeconds == 0 {
		o.CombinedThresholdSeconds = 180
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 500
	}

	// Model defaults
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "mock"
	}
	if cfg.Model.Mock.SegmentSeconds == 0 {
		cfg.Model.Mock.SegmentSeconds = 20
	}
	g := &cfg.Model.Gemini
	if strings.TrimSpace(g.BaseURL) == "" {
		g.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(g.Model) == "" {
		g.Model = "gemini-2.5-flash"
	}
	if g.PollAttempts == 0 {
		g.PollAttempts = 30
	}
	if g.PollInterval == 0 {
		g.PollInterval = 2 * time.Second
	}
	if g.ExtractTemperature == 0 {
		g.ExtractTemperature = 0.2
	}
	if g.DescribeTemperature == 0 {
		g.DescribeTemperature = 0.8
	}
	if g.MaxOutputTokens == 0 {
		g.MaxOutputTokens = 8192
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = 5 * time.Minute
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}

	// Media defaults
	m := &cfg.Media
	if m.FFmpegPath == "" {
		m.FFmpegPath = "ffmpeg"
	}
	if m.FFprobePath == "" {
		m.FFprobePath = "ffprobe"
	}
	if m.Preset == "" {
		m.Preset = "veryfast"
	}
	if m.CRF == 0 {
		m.CRF = 23
	}
	if m.AudioSampleRate == 0 {
		m.AudioSampleRate = 16000
	}
	if m.AudioBitrate == "" {
		m.AudioBitrate = "32k"
	}
	if m.ThumbnailOffset == 0 {
		m.ThumbnailOffset = time.Second
	}

	// Storage defaults
	if cfg.Storage.ReadHandleTTL == 0 {
		cfg.Storage.ReadHandleTTL = time.Hour
	}
	if cfg.Storage.TempAudioGrace == 0 {
		cfg.Storage.TempAudioGrace = 2 * time.Hour
	}

	// Credit rates: speech-dominant content is cheaper to analyze.
	if cfg.Credits.SpeechRatePerHour == 0 {
		cfg.Credits.SpeechRatePerHour = 1
	}
	if cfg.Credits.VisualRatePerHour == 0 {
		cfg.Credits.VisualRatePerHour = 3
	}
}

func validate(cfg *Config) error {
	o := cfg.Orchestrator
	if o.MaxConcurrentJobs <= 0 {
		return errors.New("orchestrator.maxConcurrentJobs must be > 0")
	}
	if o.MinTargetSeconds <= 0 || o.MaxTargetSeconds < o.MinTargetSeconds {
		return fmt.Errorf("orchestrator target bounds invalid: min=%v max=%v", o.MinTargetSeconds, o.MaxTargetSeconds)
	}
	if o.Retention < 0 {
		return errors.New("orchestrator.retention must not be negative")
	}
	switch strings.ToLower(cfg.Model.Provider) {
	case "mock":
	case "gemini":
		if strings.TrimSpace(cfg.Model.Gemini.APIKey) == "" {
			return errors.New("model.gemini.apiKey is required")
		}
	default:
		return fmt.Errorf("model.provider %q is not supported", cfg.Model.Provider)
	}
	if cfg.Model.Gemini.PollAttempts <= 0 {
		return errors.New("model.gemini.pollAttempts must be > 0")
	}
	if cfg.Credits.SpeechRatePerHour < 0 || cfg.Credits.VisualRatePerHour < 0 || cfg.Credits.InitialBalance < 0 {
		return errors.New("credits rates and initialBalance must not be negative")
	}
	if cfg.Media.CRF < 0 || cfg.Media.CRF > 51 {
		return fmt.Errorf("media.crf %d out of range 0-51", cfg.Media.CRF)
	}
	return nil
}
