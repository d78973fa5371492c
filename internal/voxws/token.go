// Package voxws implements the wire layer of the Voxist streaming API:
// the HTTPS token exchange, the WebSocket connection protocol, and the
// bounded pool of warm connections.
package voxws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/voxist/voxist-go/pkg/stt"
)

// tokenResponse covers both response shapes of the token endpoint.
type tokenResponse struct {
	WSURL string `json:"ws_url"`
	Token string `json:"token"`
}

// TokenExchanger trades the long-lived API key for a single-use WebSocket
// URL. The key travels only in the Authorization header of the HTTPS
// request; minted tickets are opaque and never cached.
type TokenExchanger struct {
	client   *http.Client
	tokenURL string
	wsBase   string
	apiKey   string
}

// NewTokenExchanger creates a TokenExchanger. tokenURL is the HTTPS token
// endpoint, wsBase the WSS base used when the server answers with a bare
// ticket. client may be nil to use http.DefaultClient.
func NewTokenExchanger(tokenURL, wsBase, apiKey string, client *http.Client) *TokenExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenExchanger{client: client, tokenURL: tokenURL, wsBase: wsBase, apiKey: apiKey}
}

// DeriveTokenURL derives the default token endpoint from a WSS base URL:
// the scheme flips to HTTP(S) and the path is replaced with /token.
func DeriveTokenURL(wsBase string) (string, error) {
	u, err := url.Parse(wsBase)
	if err != nil {
		return "", fmt.Errorf("parse ws base %q: %w", wsBase, err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/token"
	u.RawQuery = ""
	return u.String(), nil
}

// Mint performs the token exchange and returns a ready-to-dial WebSocket URL
// for the given language and sample rate.
func (t *TokenExchanger) Mint(ctx context.Context, language string, sampleRate int) (string, error) {
	u, err := url.Parse(t.tokenURL)
	if err != nil {
		return "", stt.WrapError(stt.KindConfig, "token exchange", err)
	}
	q := u.Query()
	q.Set("lang", language)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", stt.WrapError(stt.KindNetwork, "token exchange", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", stt.WrapError(stt.KindNetwork, "token exchange", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", stt.Errorf(stt.KindAuth, "token exchange", "server rejected API key (HTTP %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", stt.Errorf(stt.KindService, "token exchange", "HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", stt.Errorf(stt.KindProtocol, "token exchange", "unexpected HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", stt.WrapError(stt.KindNetwork, "token exchange", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", stt.WrapError(stt.KindProtocol, "token exchange", err)
	}

	switch {
	case tr.WSURL != "":
		return tr.WSURL, nil
	case tr.Token != "":
		return ticketURL(t.wsBase, tr.Token, language, sampleRate)
	default:
		return "", stt.Errorf(stt.KindProtocol, "token exchange", "response carries neither ws_url nor token")
	}
}

// ticketURL builds {base}?token=...&lang=...&sample_rate=... around a bare
// ticket.
func ticketURL(wsBase, ticket, language string, sampleRate int) (string, error) {
	u, err := url.Parse(wsBase)
	if err != nil {
		return "", stt.WrapError(stt.KindConfig, "token exchange", err)
	}
	q := u.Query()
	q.Set("token", ticket)
	q.Set("lang", language)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RedactURL strips query values from a WebSocket URL for logging, so minted
// tickets never appear in log lines.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable url>"
	}
	if u.RawQuery != "" {
		keys := make([]string, 0, 4)
		for k := range u.Query() {
			keys = append(keys, k)
		}
		u.RawQuery = strings.Join(keys, ",")
	}
	return u.String()
}
