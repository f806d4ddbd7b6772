// Package config loads the service configuration from an optional YAML file
// and environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/forward"
	"github.com/robot-voice-lab/internal/logging"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Forward   ForwardConfig   `yaml:"forward"`
	SaveAudio SaveAudioConfig `yaml:"save_audio"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableMCP       bool          `yaml:"enable_mcp"`
}

type CaptureConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// BeginPolicy is "keep" or "clear".
	BeginPolicy   string `yaml:"begin_policy"`
	DeferEnd      bool   `yaml:"defer_end"`
	SampleRate    int    `yaml:"sample_rate"`
	BitsPerSample int    `yaml:"bits_per_sample"`
	Channels      int    `yaml:"channels"`
}

type ForwardConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Format  string        `yaml:"format"`
}

type SaveAudioConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	Retention     time.Duration `yaml:"retention"`
	CleanInterval time.Duration `yaml:"clean_interval"`
	MaxFiles      int           `yaml:"max_files"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:      ":8090",
			ShutdownTimeout: 10 * time.Second,
			EnableMCP:       true,
		},
		Capture: CaptureConfig{
			Timeout:       capture.DefaultTimeout,
			SweepInterval: capture.DefaultSweepInterval,
			BeginPolicy:   "keep",
			SampleRate:    capture.DefaultFormat.SampleRate,
			BitsPerSample: capture.DefaultFormat.BitsPerSample,
			Channels:      capture.DefaultFormat.Channels,
		},
		Forward: ForwardConfig{
			Timeout: 10 * time.Second,
			Format:  forward.FormatPCM,
		},
		SaveAudio: SaveAudioConfig{
			Dir:           "audio_recordings",
			Retention:     24 * time.Hour,
			CleanInterval: time.Minute,
			MaxFiles:      1000,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv copies KEY=VALUE pairs from path (".env" when empty) into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	flag("ENABLE_MCP", &cfg.Server.EnableMCP)

	dur("SEGMENT_TIMEOUT", &cfg.Capture.Timeout)
	dur("SWEEP_INTERVAL", &cfg.Capture.SweepInterval)
	str("BEGIN_POLICY", &cfg.Capture.BeginPolicy)
	flag("DEFER_END", &cfg.Capture.DeferEnd)
	num("SAMPLE_RATE", &cfg.Capture.SampleRate)

	// PC_CALLBACK_URL is the name used by the robot-side deployment.
	str("PC_CALLBACK_URL", &cfg.Forward.URL)
	str("FORWARD_URL", &cfg.Forward.URL)
	str("FORWARD_API_KEY", &cfg.Forward.APIKey)
	dur("FORWARD_TIMEOUT", &cfg.Forward.Timeout)
	str("FORWARD_FORMAT", &cfg.Forward.Format)

	str("SAVE_AUDIO_DIR", &cfg.SaveAudio.Dir)
	if v := strings.TrimSpace(getenv("SAVE_AUDIO_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SAVE_AUDIO_ENABLED: %w", err))
		} else {
			cfg.SaveAudio.Enabled = b
		}
	} else if getenv("SAVE_AUDIO_DIR") != "" {
		cfg.SaveAudio.Enabled = true
	}
	dur("SAVE_AUDIO_RETENTION", &cfg.SaveAudio.Retention)
	dur("SAVE_AUDIO_CLEAN_INTERVAL", &cfg.SaveAudio.CleanInterval)
	num("SAVE_AUDIO_MAX_FILES", &cfg.SaveAudio.MaxFiles)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("1500ms") and bare seconds ("2", "0.5").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Validate checks that cfg is coherent. It returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	c := cfg.Capture
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("capture.timeout %s must be positive", c.Timeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("capture.sweep_interval %s must be positive", c.SweepInterval))
	} else if c.Timeout > 0 && c.SweepInterval > c.Timeout {
		errs = append(errs, fmt.Errorf("capture.sweep_interval %s must not exceed capture.timeout %s", c.SweepInterval, c.Timeout))
	}
	if _, err := ParseBeginPolicy(c.BeginPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.SampleRate <= 0 || c.BitsPerSample <= 0 || c.BitsPerSample%8 != 0 || c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("capture audio format %d Hz/%d bit/%d ch is invalid", c.SampleRate, c.BitsPerSample, c.Channels))
	}

	f := cfg.Forward
	if f.URL == "" {
		if !cfg.SaveAudio.Enabled {
			errs = append(errs, errors.New("forward.url is required unless save_audio.enabled is set"))
		}
	} else if u, err := url.Parse(f.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("forward.url %q must be an absolute http(s) URL", f.URL))
	}
	switch strings.ToLower(f.Format) {
	case "", forward.FormatPCM, forward.FormatWAV:
	default:
		errs = append(errs, fmt.Errorf("forward.format %q is invalid; valid values: pcm, wav", f.Format))
	}
	if f.Timeout < 0 {
		errs = append(errs, fmt.Errorf("forward.timeout %s must not be negative", f.Timeout))
	}

	s := cfg.SaveAudio
	if s.Enabled {
		if strings.TrimSpace(s.Dir) == "" {
			errs = append(errs, errors.New("save_audio.dir is required when save_audio.enabled is set"))
		}
		if s.MaxFiles < 0 {
			errs = append(errs, fmt.Errorf("save_audio.max_files %d must not be negative", s.MaxFiles))
		}
	}

	return errors.Join(errs...)
}

// ParseBeginPolicy maps "keep" and "clear" to their capture policies.
func ParseBeginPolicy(s string) (capture.BeginPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep":
		return capture.BeginPolicyKeep, nil
	case "clear":
		return capture.BeginPolicyClear, nil
	default:
		return 0, fmt.Errorf("capture.begin_policy %q is invalid; valid values: keep, clear", s)
	}
}

// EngineConfig converts the capture section for capture.NewEngine. cfg must
// have passed Validate.
func (c CaptureConfig) EngineConfig() capture.Config {
	policy, _ := ParseBeginPolicy(c.BeginPolicy)
	return capture.Config{
		Timeout:       c.Timeout,
		SweepInterval: c.SweepInterval,
		BeginPolicy:   policy,
		DeferEnd:      c.DeferEnd,
		Format: capture.AudioFormat{
			SampleRate:    c.SampleRate,
			BitsPerSample: c.BitsPerSample,
			Channels:      c.Channels,
		},
	}
}

// ClientConfig converts the forward section for forward.New.
func (f ForwardConfig) ClientConfig() forward.Config {
	return forward.Config{URL: f.URL, APIKey: f.APIKey, Timeout: f.Timeout, Format: f.Format}
}

// LogSummary logs the effective configuration with secrets redacted.
func (cfg *Config) LogSummary() {
	key := ""
	if cfg.Forward.APIKey != "" {
		key = "<redacted>"
	}
	logging.Infow("config loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"mcp", cfg.Server.EnableMCP,
		"timeout", cfg.Capture.Timeout.String(),
		"sweep_interval", cfg.Capture.SweepInterval.String(),
		"begin_policy", cfg.Capture.BeginPolicy,
		"defer_end", cfg.Capture.DeferEnd,
		"forward_url", cfg.Forward.URL,
		"forward_api_key", key,
		"forward_format", cfg.Forward.Format,
		"save_audio", cfg.SaveAudio.Enabled,
		"save_audio_dir", cfg.SaveAudio.Dir,
	)
}
