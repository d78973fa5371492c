// Package mockvoxist provides an in-process mock of the Voxist ASR backend
// for integration tests: an HTTP token endpoint plus a WebSocket endpoint
// speaking the full streaming protocol — connected hello, configuration
// handshake, binary int16 audio, partial/final results, and the Done signal.
package mockvoxist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// mockTicket is the ticket minted by the mock token endpoint and expected by
// the WebSocket endpoint.
const mockTicket = "mock_jwt_token"

// Options configures a Server. The zero value yields a well-behaved backend
// that accepts the key "test_key" and transcribes everything as
// "bonjour monde".
type Options struct {
	// ValidAPIKey is the key the token endpoint accepts. Default "test_key".
	ValidAPIKey string

	// TranscriptionText is the final transcription text.
	// Default "bonjour monde". The interim carries its first word.
	TranscriptionText string

	// Confidence is the final confidence score. Default 0.95. Interims report
	// 0.1 less.
	Confidence float64

	// NoInterim suppresses the partial result normally sent after the first
	// audio frame of each utterance.
	NoInterim bool

	// FinalEvery is how many audio frames make one utterance. Default 3.
	FinalEvery int

	// DisconnectAfter, when positive, makes the first WebSocket connection
	// close with status 1001 after that many binary frames. Later
	// connections behave normally, so reconnection can be exercised.
	DisconnectAfter int

	// AuthFailure makes the WebSocket endpoint close every connection with
	// status 1008 before the hello.
	AuthFailure bool

	// BareToken makes the token endpoint answer {"token": ...} instead of
	// {"ws_url": ...}, exercising the client-side URL construction path.
	BareToken bool

	// TokenStatus, when non-zero, forces the token endpoint to answer with
	// that HTTP status and no body.
	TokenStatus int

	// MalformedToken makes the token endpoint answer 200 with a body that is
	// not valid JSON.
	MalformedToken bool

	// ProcessingDelay is slept before each result frame. Default 5ms.
	ProcessingDelay time.Duration
}

// Stats are cumulative per-server counters.
type Stats struct {
	Connections    int
	AudioFrames    int
	AudioBytes     int64
	ConfigsSeen    int
	DoneSignals    int
	TokenExchanges int
}

// Server is the running mock backend. Create with New, stop with Close.
type Server struct {
	opts Options
	http *httptest.Server

	mu          sync.Mutex
	stats       Stats
	dropArmed   bool
	lastConfigL string
	lastConfigR int
}

// New starts a mock backend on an ephemeral port.
func New(opts Options) *Server {
	if opts.ValidAPIKey == "" {
		opts.ValidAPIKey = "test_key"
	}
	if opts.TranscriptionText == "" {
		opts.TranscriptionText = "bonjour monde"
	}
	if opts.Confidence == 0 {
		opts.Confidence = 0.95
	}
	if opts.FinalEvery <= 0 {
		opts.FinalEvery = 3
	}
	if opts.ProcessingDelay <= 0 {
		opts.ProcessingDelay = 5 * time.Millisecond
	}

	s := &Server{opts: opts, dropArmed: opts.DisconnectAfter > 0}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/ws", s.handleWS)
	s.http = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.http.Close() }

// TokenURL returns the HTTP token endpoint.
func (s *Server) TokenURL() string { return s.http.URL + "/token" }

// WSBase returns the WebSocket endpoint base (ws scheme).
func (s *Server) WSBase() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Stats returns a snapshot of the cumulative counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastConfig returns the most recent configuration handshake received.
func (s *Server) LastConfig() (language string, sampleRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfigL, s.lastConfigR
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.stats.TokenExchanges++
	s.mu.Unlock()

	if s.opts.TokenStatus != 0 {
		w.WriteHeader(s.opts.TokenStatus)
		return
	}
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+s.opts.ValidAPIKey {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}
	if s.opts.MalformedToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "not json at all")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.opts.BareToken {
		json.NewEncoder(w).Encode(map[string]string{"token": mockTicket})
		return
	}
	q := r.URL.Query()
	wsURL := fmt.Sprintf("%s?token=%s&lang=%s&sample_rate=%s",
		s.WSBase(), mockTicket, q.Get("lang"), q.Get("sample_rate"))
	json.NewEncoder(w).Encode(map[string]string{"ws_url": wsURL})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	s.stats.Connections++
	drop := 0
	if s.dropArmed {
		drop = s.opts.DisconnectAfter
		s.dropArmed = false
	}
	s.mu.Unlock()

	token := r.URL.Query().Get("token")
	if s.opts.AuthFailure || (token != mockTicket && token != s.opts.ValidAPIKey) {
		ws.Close(websocket.StatusPolicyViolation, "Invalid API key")
		return
	}

	if err := s.sendJSON(ctx, ws, map[string]string{"status": "connected"}); err != nil {
		return
	}

	frames := 0    // binary frames on this connection
	utterance := 0 // frames since the last final
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			var msg struct {
				Config *struct {
					Lang       string `json:"lang"`
					SampleRate int    `json:"sample_rate"`
				} `json:"config"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Config != nil {
				s.mu.Lock()
				s.stats.ConfigsSeen++
				s.lastConfigL = msg.Config.Lang
				s.lastConfigR = msg.Config.SampleRate
				s.mu.Unlock()
				continue
			}
			if strings.Contains(string(data), "Done") {
				s.mu.Lock()
				s.stats.DoneSignals++
				s.mu.Unlock()
				if utterance > 0 {
					time.Sleep(s.opts.ProcessingDelay)
					s.sendFinal(ctx, ws)
				}
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		case websocket.MessageBinary:
			frames++
			utterance++
			s.mu.Lock()
			s.stats.AudioFrames++
			s.stats.AudioBytes += int64(len(data))
			s.mu.Unlock()

			if drop > 0 && frames >= drop {
				ws.Close(websocket.StatusGoingAway, "Test disconnect")
				return
			}
			if !s.opts.NoInterim && utterance == 1 {
				time.Sleep(s.opts.ProcessingDelay)
				first, _, _ := strings.Cut(s.opts.TranscriptionText, " ")
				if err := s.sendJSON(ctx, ws, map[string]any{
					"type":       "partial",
					"text":       first,
					"confidence": s.opts.Confidence - 0.1,
				}); err != nil {
					return
				}
			}
			if utterance >= s.opts.FinalEvery {
				time.Sleep(s.opts.ProcessingDelay)
				if err := s.sendFinal(ctx, ws); err != nil {
					return
				}
				utterance = 0
			}
		}
	}
}

func (s *Server) sendFinal(ctx context.Context, ws *websocket.Conn) error {
	return s.sendJSON(ctx, ws, map[string]any{
		"type":       "final",
		"text":       s.opts.TranscriptionText,
		"confidence": s.opts.Confidence,
	})
}

func (s *Server) sendJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
