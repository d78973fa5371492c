package voxws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxist/voxist-go/internal/observe"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("voxws: pool is closed")

// DefaultIdleTTL is how long a returned connection stays warm before the
// reaper closes it.
const DefaultIdleTTL = 30 * time.Second

// PoolConfig configures a Pool. All connections of a pool share one
// (language, sample rate) tuple.
type PoolConfig struct {
	// Exchanger mints single-use WebSocket URLs for new connections.
	Exchanger *TokenExchanger

	// Language is the language tag negotiated on every connection.
	Language string

	// SampleRate is the audio sample rate negotiated on every connection, Hz.
	SampleRate int

	// MaxSize bounds the number of live connections. Minimum 1.
	MaxSize int

	// IdleTTL is the maximum idle age before a warm connection is reaped.
	// Defaults to DefaultIdleTTL.
	IdleTTL time.Duration

	// SendQueue is the per-connection outbound queue capacity.
	SendQueue int

	// Metrics receives the pool's connection gauge updates. Defaults to
	// observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Pool maintains a warm set of authenticated connections. Acquire hands out
// an idle connection or opens a new one up to MaxSize, then makes callers
// wait cooperatively for a release. A background reaper closes connections
// that have idled past IdleTTL.
//
// All methods are safe for concurrent use.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	idle    []*Conn
	leased  map[*Conn]struct{}
	total   int
	waiters []chan struct{}
	closed  bool

	reapStop chan struct{}
	reapDone chan struct{}
}

// NewPool creates a Pool and starts its reaper.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	p := &Pool{
		cfg:      cfg,
		leased:   make(map[*Conn]struct{}),
		reapStop: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Acquire returns a Ready connection for the pool's (language, sample rate)
// tuple. It reuses a warm connection when one exists, dials a new one while
// capacity remains, and otherwise blocks until a release or ctx expires.
// Token-exchange and dial errors propagate to the caller unchanged.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Prefer the most recently used warm connection.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if c.State() == StateReady && time.Since(c.idleSince) < p.cfg.IdleTTL {
				p.leased[c] = struct{}{}
				p.mu.Unlock()
				return c, nil
			}
			p.total--
			p.connGauge(-1)
			go c.Close()
		}

		if p.total < p.cfg.MaxSize {
			p.total++
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, err
			}
			p.connGauge(1)
			p.mu.Lock()
			if p.closed {
				p.total--
				p.mu.Unlock()
				p.connGauge(-1)
				c.Close()
				return nil, ErrPoolClosed
			}
			p.leased[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()
		select {
		case <-wait:
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(wait) {
				// Already signalled; pass the wakeup along.
				p.notifyLocked()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the pool. Ready connections go back on the
// warm list; anything else is closed and its slot freed. Releasing a
// connection the pool did not lease out — including a second release of the
// same connection — is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.leased[c]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, c)
	if p.closed || c.State() != StateReady {
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		p.connGauge(-1)
		go c.Close()
		return
	}
	c.idleSince = time.Now()
	p.idle = append(p.idle, c)
	p.notifyLocked()
	p.mu.Unlock()
}

// CloseAll closes every pooled and leased connection and stops the reaper.
// Subsequent Acquire calls fail with ErrPoolClosed.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.idle)+len(p.leased))
	conns = append(conns, p.idle...)
	p.idle = nil
	for c := range p.leased {
		conns = append(conns, c)
	}
	p.leased = make(map[*Conn]struct{})
	p.total = 0
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	close(p.reapStop)
	<-p.reapDone
	for _, c := range conns {
		p.connGauge(-1)
		c.Close()
	}
}

// Stats returns the current idle and leased connection counts.
func (p *Pool) Stats() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.leased)
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	wsURL, err := p.cfg.Exchanger.Mint(ctx, p.cfg.Language, p.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	slog.Debug("pool dialing new asr connection", "url", RedactURL(wsURL))
	return Dial(ctx, wsURL, p.cfg.Language, p.cfg.SampleRate, p.cfg.SendQueue)
}

// connGauge moves the live-connection gauge by delta.
func (p *Pool) connGauge(delta int64) {
	p.cfg.Metrics.PoolConnections.Add(context.Background(), delta)
}

// notifyLocked wakes one waiter, if any. Callers must hold p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// removeWaiterLocked removes w from the waiter list, reporting whether it
// was still queued. Callers must hold p.mu.
func (p *Pool) removeWaiterLocked(w chan struct{}) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// reapLoop periodically closes idle connections older than IdleTTL.
func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	interval := p.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.reapStop:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	var stale []*Conn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if time.Since(c.idleSince) >= p.cfg.IdleTTL || c.State() != StateReady {
			stale = append(stale, c)
			p.total--
			p.notifyLocked()
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()
	for _, c := range stale {
		slog.Debug("reaping idle asr connection", "conn_id", c.ID())
		p.connGauge(-1)
		c.Close()
	}
}
