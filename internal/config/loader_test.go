package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Voxist.Language != "fr" {
		t.Errorf("language: got %q, want fr", cfg.Voxist.Language)
	}
	if cfg.Voxist.SampleRate != 16000 {
		t.Errorf("sample_rate: got %d, want 16000", cfg.Voxist.SampleRate)
	}
	if cfg.Voxist.ChunkMS != 100 {
		t.Errorf("chunk_duration_ms: got %d, want 100", cfg.Voxist.ChunkMS)
	}
	if !cfg.Voxist.InterimResults {
		t.Error("interim_results must default to true")
	}
	if cfg.Voxist.MaxReconnects != 3 {
		t.Errorf("max_reconnects: got %d, want 3", cfg.Voxist.MaxReconnects)
	}
	if cfg.Input.SampleRate != 48000 {
		t.Errorf("input sample_rate: got %d, want 48000", cfg.Input.SampleRate)
	}
}

func TestLoadFromReader_Overrides(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
voxist:
  language: fr-medical
  sample_rate: 8000
  chunk_duration_ms: 40
  connection_pool_size: 4
input:
  path: audio.raw
  channels: 2
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Voxist.Language != "fr-medical" {
		t.Errorf("language: got %q", cfg.Voxist.Language)
	}
	if cfg.Voxist.SampleRate != 8000 {
		t.Errorf("sample_rate: got %d", cfg.Voxist.SampleRate)
	}
	if cfg.Voxist.ChunkMS != 40 {
		t.Errorf("chunk_duration_ms: got %d", cfg.Voxist.ChunkMS)
	}
	if cfg.Voxist.PoolSize != 4 {
		t.Errorf("connection_pool_size: got %d", cfg.Voxist.PoolSize)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Input.Path != "audio.raw" || cfg.Input.Channels != 2 {
		t.Errorf("input: got %+v", cfg.Input)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("voxist:\n  api_token: oops\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Defaults()
	cfg.Server.LogLevel = "loud"
	cfg.Voxist.Language = ""
	cfg.Voxist.ChunkMS = 5
	cfg.Input.Channels = 6

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "language", "chunk_duration_ms", "channels"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error missing %q: %s", want, msg)
		}
	}
}

func TestValidate_ChunkRange(t *testing.T) {
	for _, ms := range []int{20, 100, 1000} {
		cfg := Defaults()
		cfg.Voxist.ChunkMS = ms
		if err := Validate(&cfg); err != nil {
			t.Errorf("chunk %dms must be valid: %v", ms, err)
		}
	}
	for _, ms := range []int{0, 19, 1001} {
		cfg := Defaults()
		cfg.Voxist.ChunkMS = ms
		if err := Validate(&cfg); err == nil {
			t.Errorf("chunk %dms must be rejected", ms)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q must be valid", l)
		}
	}
	if LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" must be invalid")
	}
}
