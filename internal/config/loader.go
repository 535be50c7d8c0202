package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the file leaves a field empty.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8710
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A missing file yields the defaults rather than an error, so the
// server starts usefully with nothing but environment keys.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, applies
// defaults, and returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535-httpsPortOffset {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, %d]", cfg.Server.Port, 65535-httpsPortOffset))
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; characters and memory will not survive restarts")
	}

	return errors.Join(errs...)
}

// FromEnv overlays the secret material from the environment onto cfg.
// Missing keys disable the corresponding integration; the caller decides
// which ones are fatal.
func FromEnv(cfg *Config) {
	cfg.Keys = APIKeys{
		OpenRouter:     os.Getenv("OPENROUTER_API_KEY"),
		ElevenLabs:     os.Getenv("ELEVENLABS_API_KEY"),
		Cartesia:       os.Getenv("CARTESIA_API_KEY"),
		TwitchClientID: os.Getenv("TWITCH_CLIENT_ID"),
	}
}

// SlogLevel maps the configured level onto slog's scale.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
