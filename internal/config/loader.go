package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
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

// LoadFromReader decodes a YAML config from r, fills unset fields with
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Voxist.Language == "" {
		errs = append(errs, errors.New("voxist.language is required"))
	}
	if cfg.Voxist.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("voxist.sample_rate %d must be positive", cfg.Voxist.SampleRate))
	}
	if cfg.Voxist.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("voxist.connection_pool_size %d must be at least 1", cfg.Voxist.PoolSize))
	}
	if cfg.Voxist.ChunkMS < 20 || cfg.Voxist.ChunkMS > 1000 {
		errs = append(errs, fmt.Errorf("voxist.chunk_duration_ms %d is out of range [20, 1000]", cfg.Voxist.ChunkMS))
	}
	if cfg.Voxist.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("voxist.max_reconnects %d must not be negative", cfg.Voxist.MaxReconnects))
	}
	if cfg.Voxist.BaseBackoffMS <= 0 {
		errs = append(errs, fmt.Errorf("voxist.base_backoff_ms %d must be positive", cfg.Voxist.BaseBackoffMS))
	}
	if cfg.Voxist.MaxBackoffMS < cfg.Voxist.BaseBackoffMS {
		errs = append(errs, fmt.Errorf("voxist.max_backoff_ms %d must be at least base_backoff_ms %d", cfg.Voxist.MaxBackoffMS, cfg.Voxist.BaseBackoffMS))
	}

	if cfg.Input.Path == "" {
		errs = append(errs, errors.New("input.path is required (use \"-\" for stdin)"))
	}
	if cfg.Input.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("input.sample_rate %d must be positive", cfg.Input.SampleRate))
	}
	if cfg.Input.Channels != 1 && cfg.Input.Channels != 2 {
		errs = append(errs, fmt.Errorf("input.channels %d must be 1 or 2", cfg.Input.Channels))
	}
	if cfg.Input.FrameMS <= 0 {
		errs = append(errs, fmt.Errorf("input.frame_ms %d must be positive", cfg.Input.FrameMS))
	}

	return errors.Join(errs...)
}
