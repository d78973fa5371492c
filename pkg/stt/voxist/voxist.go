// Package voxist provides a Voxist-backed streaming STT provider. It bridges
// live PCM audio tracks to the Voxist ASR service over WebSocket, hiding
// token exchange, connection pooling, resampling, chunking, and transparent
// reconnection behind the stt.Provider interface.
package voxist

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voxist/voxist-go/internal/observe"
	"github.com/voxist/voxist-go/internal/resilience"
	"github.com/voxist/voxist-go/internal/voxws"
	"github.com/voxist/voxist-go/pkg/audio"
	"github.com/voxist/voxist-go/pkg/stt"
)

const (
	defaultBaseURL    = "wss://api.voxist.com/ws"
	defaultLanguage   = "fr"
	defaultSampleRate = 16000
	defaultChunk      = 100 * time.Millisecond
	defaultPoolSize   = 2

	minChunk = 20 * time.Millisecond
	maxChunk = 1000 * time.Millisecond

	// doneAckWindow bounds how long a stream waits for the server to close
	// after the Done signal before finishing on its own.
	doneAckWindow = 2 * time.Second

	// closeTimeout is the hard deadline on cooperative stream shutdown.
	closeTimeout = 5 * time.Second
)

// Option is a functional option for configuring the STT factory.
type Option func(*STT)

// WithBaseURL sets the WSS base endpoint for audio connections.
func WithBaseURL(u string) Option {
	return func(s *STT) { s.baseURL = u }
}

// WithTokenURL sets the HTTPS token-exchange endpoint. When unset it is
// derived from the base URL by flipping the scheme and replacing the path
// with /token.
func WithTokenURL(u string) Option {
	return func(s *STT) { s.tokenURL = u }
}

// WithLanguage sets the language tag for recognition (e.g. "fr",
// "fr-medical"). Tags pass through to the backend verbatim.
func WithLanguage(language string) Option {
	return func(s *STT) { s.language = language }
}

// WithSampleRate sets the target ASR sample rate in Hz. Pushed frames are
// resampled to this rate.
func WithSampleRate(rate int) Option {
	return func(s *STT) { s.sampleRate = rate }
}

// WithInterimResults controls whether interim events reach the consumer.
// When false, streams deliver finals only.
func WithInterimResults(enabled bool) Option {
	return func(s *STT) { s.interim = enabled }
}

// WithPoolSize bounds the number of concurrent backend connections.
func WithPoolSize(n int) Option {
	return func(s *STT) { s.poolSize = n }
}

// WithChunkDuration sets the duration of each binary audio chunk.
// Valid range 20ms–1s.
func WithChunkDuration(d time.Duration) Option {
	return func(s *STT) { s.chunk = d }
}

// WithReconnectPolicy tunes transparent reconnection: the number of attempts
// before a stream errors out, and the base and cap of the exponential
// backoff between attempts.
func WithReconnectPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(s *STT) { s.backoff = resilience.New(maxAttempts, base, max) }
}

// WithIdleTTL sets how long returned connections stay warm in the pool.
func WithIdleTTL(d time.Duration) Option {
	return func(s *STT) { s.idleTTL = d }
}

// WithHTTPClient overrides the HTTP client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(s *STT) { s.httpClient = c }
}

// WithUplinkQueue overrides the per-stream frame queue capacity. The default
// holds two seconds of audio at the configured chunk duration.
func WithUplinkQueue(n int) Option {
	return func(s *STT) { s.uplinkQueue = n }
}

// STT is the configured factory. It constructs transcription streams and
// owns the connection pool, which is created lazily on the first stream and
// torn down by Close. Safe for concurrent use.
type STT struct {
	apiKey      string
	baseURL     string
	tokenURL    string
	language    string
	sampleRate  int
	interim     bool
	poolSize    int
	chunk       time.Duration
	backoff     resilience.Backoff
	idleTTL     time.Duration
	httpClient  *http.Client
	uplinkQueue int

	metrics *observe.Metrics

	poolOnce sync.Once
	pool     *voxws.Pool

	mu     sync.Mutex
	closed bool
}

// Compile-time interface assertion.
var _ stt.Provider = (*STT)(nil)

// New creates a configured factory. apiKey must be non-empty. Invalid
// configuration is rejected synchronously with a config-kind *stt.Error.
func New(apiKey string, opts ...Option) (*STT, error) {
	s := &STT{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		interim:    true,
		poolSize:   defaultPoolSize,
		chunk:      defaultChunk,
		backoff:    resilience.New(0, 0, 0),
		idleTTL:    voxws.DefaultIdleTTL,
		metrics:    observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}

	var problems []string
	if s.apiKey == "" {
		problems = append(problems, "api key must not be empty")
	}
	if s.language == "" {
		problems = append(problems, "language must not be empty")
	}
	if s.sampleRate <= 0 {
		problems = append(problems, "sample rate must be positive")
	}
	if s.poolSize < 1 {
		problems = append(problems, "pool size must be at least 1")
	}
	if s.chunk < minChunk || s.chunk > maxChunk {
		problems = append(problems, "chunk duration must be between 20ms and 1s")
	}
	if u, err := url.Parse(s.baseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, "base URL must be a ws:// or wss:// URL")
	}
	if len(problems) > 0 {
		return nil, stt.Errorf(stt.KindConfig, "new", "%s", strings.Join(problems, "; "))
	}

	if s.tokenURL == "" {
		derived, err := voxws.DeriveTokenURL(s.baseURL)
		if err != nil {
			return nil, stt.WrapError(stt.KindConfig, "new", err)
		}
		s.tokenURL = derived
	}
	return s, nil
}

// chunkBytes returns the byte size of one binary audio chunk.
func (s *STT) chunkBytes() int {
	return audio.ChunkBytes(s.sampleRate, int(s.chunk/time.Millisecond))
}

// queueCap returns the uplink frame queue capacity: two seconds of chunks,
// minimum 10, unless overridden.
func (s *STT) queueCap() int {
	if s.uplinkQueue > 0 {
		return s.uplinkQueue
	}
	n := int(2 * time.Second / s.chunk)
	if n < 10 {
		n = 10
	}
	return n
}

func (s *STT) initPool() *voxws.Pool {
	s.poolOnce.Do(func() {
		exch := voxws.NewTokenExchanger(s.tokenURL, s.baseURL, s.apiKey, s.httpClient)
		p := voxws.NewPool(voxws.PoolConfig{
			Exchanger:  exch,
			Language:   s.language,
			SampleRate: s.sampleRate,
			MaxSize:    s.poolSize,
			IdleTTL:    s.idleTTL,
			SendQueue:  s.queueCap(),
			Metrics:    s.metrics,
		})
		s.mu.Lock()
		s.pool = p
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// StartStream opens a new transcription stream. The stream is ready to
// accept audio immediately; the connection is acquired asynchronously and
// failures surface as a terminal error event.
func (s *STT) StartStream(ctx context.Context) (stt.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("voxist: factory is closed")
	}
	s.mu.Unlock()
	return newSpeechStream(ctx, s, s.initPool()), nil
}

// Prewarm opens and returns one pooled connection ahead of the first stream,
// absorbing the token-exchange latency at a convenient time.
func (s *STT) Prewarm(ctx context.Context) error {
	pool := s.initPool()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	pool.Release(conn)
	return nil
}

// Close tears down the connection pool. Streams still running observe their
// connection closing and finish. Close is idempotent.
func (s *STT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pool := s.pool
	s.mu.Unlock()
	if pool != nil {
		pool.CloseAll()
	}
	return nil
}
