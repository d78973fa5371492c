package stt

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Errorf(KindAuth, "token exchange", "server rejected API key")
	wrapped := fmt.Errorf("starting stream: %w", base)

	if got := KindOf(base); got != KindAuth {
		t.Errorf("KindOf(base) = %q, want %q", got, KindAuth)
	}
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindAuth)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
}

func TestWrapError_PreservesClassification(t *testing.T) {
	inner := Errorf(KindService, "token exchange", "HTTP 503")
	outer := WrapError(KindNetwork, "acquire", fmt.Errorf("pool: %w", inner))
	if outer.Kind != KindService {
		t.Errorf("re-wrap changed kind: got %q, want %q", outer.Kind, KindService)
	}
}

func TestWrapError_ClassifiesPlainErrors(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindNetwork, "dial", cause)
	if err.Kind != KindNetwork {
		t.Errorf("kind: got %q, want %q", err.Kind, KindNetwork)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindAuth, false},
		{KindNetwork, true},
		{KindService, true},
		{KindProtocol, true},
		{KindAudioFormat, false},
		{KindConfig, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := WrapError(KindProtocol, "handshake", errors.New("unexpected frame"))
	msg := err.Error()
	for _, want := range []string{"handshake", "unexpected frame", "protocol"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}
