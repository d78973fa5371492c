// Package config provides the configuration schema and loader for the
// voxist-transcribe command.
package config

// LogLevel controls logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the recognised values.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server Server `yaml:"server"`
	Voxist Voxist `yaml:"voxist"`
	Input  Input  `yaml:"input"`
}

// Server holds the optional observability listener and logging settings.
type Server struct {
	// ListenAddr is the TCP address for the /metrics and health endpoints
	// (e.g. ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn",
	// "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// Voxist holds the STT backend settings.
type Voxist struct {
	// APIKey authenticates the token exchange. Usually supplied via the
	// VOXIST_API_KEY environment variable instead of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL is the WSS base endpoint for audio connections.
	// Empty selects the production endpoint.
	BaseURL string `yaml:"base_url"`

	// TokenURL is the HTTPS token-exchange endpoint. Empty derives it from
	// BaseURL.
	TokenURL string `yaml:"token_url"`

	// Language is the recognition language tag (e.g. "fr", "fr-medical").
	Language string `yaml:"language"`

	// SampleRate is the target ASR sample rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// InterimResults enables delivery of provisional transcriptions.
	InterimResults bool `yaml:"interim_results"`

	// PoolSize bounds concurrent backend connections. Default 2.
	PoolSize int `yaml:"connection_pool_size"`

	// ChunkMS is the binary frame duration in milliseconds, range 20–1000.
	// Default 100.
	ChunkMS int `yaml:"chunk_duration_ms"`

	// MaxReconnects bounds transparent reconnection attempts. Default 3.
	MaxReconnects int `yaml:"max_reconnects"`

	// BaseBackoffMS is the initial reconnection backoff. Default 500.
	BaseBackoffMS int `yaml:"base_backoff_ms"`

	// MaxBackoffMS caps the reconnection backoff. Default 5000.
	MaxBackoffMS int `yaml:"max_backoff_ms"`
}

// Input describes the raw PCM source fed to the stream.
type Input struct {
	// Path is the s16le PCM file to stream, or "-" for stdin.
	Path string `yaml:"path"`

	// SampleRate is the source sample rate in Hz. Default 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the source channel count (1 or 2). Default 1.
	Channels int `yaml:"channels"`

	// FrameMS is the duration of each pushed frame in milliseconds.
	// Default 20, mirroring conferencing runtimes.
	FrameMS int `yaml:"frame_ms"`
}

// Defaults returns a Config with every optional field at its default.
func Defaults() Config {
	return Config{
		Server: Server{LogLevel: LogInfo},
		Voxist: Voxist{
			Language:       "fr",
			SampleRate:     16000,
			InterimResults: true,
			PoolSize:       2,
			ChunkMS:        100,
			MaxReconnects:  3,
			BaseBackoffMS:  500,
			MaxBackoffMS:   5000,
		},
		Input: Input{Path: "-", SampleRate: 48000, Channels: 1, FrameMS: 20},
	}
}
