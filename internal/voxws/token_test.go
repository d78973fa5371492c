package voxws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/voxist/voxist-go/pkg/stt"
)

const testKey = "voxist_test_key_for_testing"

func TestDeriveTokenURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"wss://api.voxist.com/ws", "https://api.voxist.com/token"},
		{"ws://localhost:8765/ws", "http://localhost:8765/token"},
		{"wss://api.voxist.com/v2/stream?x=1", "https://api.voxist.com/token"},
	}
	for _, tt := range tests {
		got, err := DeriveTokenURL(tt.base)
		if err != nil {
			t.Fatalf("DeriveTokenURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("DeriveTokenURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestMint_WSURLShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testKey {
			t.Errorf("authorization header: got %q", got)
		}
		if got := r.URL.Query().Get("lang"); got != "fr" {
			t.Errorf("lang query: got %q, want fr", got)
		}
		if got := r.URL.Query().Get("sample_rate"); got != "16000" {
			t.Errorf("sample_rate query: got %q, want 16000", got)
		}
		w.Write([]byte(`{"ws_url":"wss://upstream.example/ws?token=abc"}`))
	}))
	defer srv.Close()

	ex := NewTokenExchanger(srv.URL, "wss://unused.example/ws", testKey, nil)
	got, err := ex.Mint(context.Background(), "fr", 16000)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got != "wss://upstream.example/ws?token=abc" {
		t.Errorf("ws url: got %q", got)
	}
}

func TestMint_BareTokenShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"ticket-123"}`))
	}))
	defer srv.Close()

	ex := NewTokenExchanger(srv.URL, "wss://api.example/ws", testKey, nil)
	got, err := ex.Mint(context.Background(), "fr-medical", 16000)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse minted url: %v", err)
	}
	q := u.Query()
	if q.Get("token") != "ticket-123" {
		t.Errorf("token param: got %q", q.Get("token"))
	}
	if q.Get("lang") != "fr-medical" {
		t.Errorf("lang param: got %q", q.Get("lang"))
	}
	if q.Get("sample_rate") != "16000" {
		t.Errorf("sample_rate param: got %q", q.Get("sample_rate"))
	}
}

func TestMint_APIKeyNeverInURL(t *testing.T) {
	var seenURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURL = r.URL.String()
		w.Write([]byte(`{"token":"t"}`))
	}))
	defer srv.Close()

	ex := NewTokenExchanger(srv.URL, "wss://api.example/ws", testKey, nil)
	minted, err := ex.Mint(context.Background(), "fr", 16000)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if strings.Contains(seenURL, testKey) {
		t.Errorf("API key leaked into request URL: %s", seenURL)
	}
	if strings.Contains(minted, testKey) {
		t.Errorf("API key leaked into minted WebSocket URL: %s", minted)
	}
}

func TestMint_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   stt.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, "", stt.KindAuth},
		{"forbidden", http.StatusForbidden, "", stt.KindAuth},
		{"server error", http.StatusInternalServerError, "", stt.KindService},
		{"bad gateway", http.StatusBadGateway, "", stt.KindService},
		{"unexpected status", http.StatusTeapot, "", stt.KindProtocol},
		{"malformed body", http.StatusOK, "not json", stt.KindProtocol},
		{"empty object", http.StatusOK, "{}", stt.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ex := NewTokenExchanger(srv.URL, "wss://api.example/ws", testKey, nil)
			_, err := ex.Mint(context.Background(), "fr", 16000)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := stt.KindOf(err); got != tt.want {
				t.Errorf("kind: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMint_TransportFailure(t *testing.T) {
	ex := NewTokenExchanger("http://127.0.0.1:1/token", "wss://api.example/ws", testKey, nil)
	_, err := ex.Mint(context.Background(), "fr", 16000)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := stt.KindOf(err); got != stt.KindNetwork {
		t.Errorf("kind: got %q, want %q", got, stt.KindNetwork)
	}
	var se *stt.Error
	if !errors.As(err, &se) {
		t.Error("expected *stt.Error")
	}
}

func TestRedactURL(t *testing.T) {
	redacted := RedactURL("wss://api.example/ws?token=secret-ticket&lang=fr")
	if strings.Contains(redacted, "secret-ticket") {
		t.Errorf("ticket survived redaction: %s", redacted)
	}
	if !strings.Contains(redacted, "api.example") {
		t.Errorf("host lost in redaction: %s", redacted)
	}
}
