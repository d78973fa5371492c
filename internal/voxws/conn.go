package voxws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/voxist/voxist-go/pkg/stt"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateIdle State = iota
	StateHandshake
	StateReady
	StateDraining
	StateClosed
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshake:
		return "handshake"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// errLocalClose marks a read loop exit caused by our own Close call, as
// opposed to a remote close or a transport failure.
var errLocalClose = errors.New("voxws: connection closed locally")

// Result is one transcription result received from the server.
type Result struct {
	Final      bool
	Text       string
	Confidence float64
}

// serverMsg is the union of all text frames the server sends.
type serverMsg struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
}

// configMsg is the client configuration handshake frame.
type configMsg struct {
	Config struct {
		Lang       string `json:"lang"`
		SampleRate int    `json:"sample_rate"`
	} `json:"config"`
}

type outMsg struct {
	binary  bool
	payload []byte
}

// Conn is one authenticated WebSocket session to the ASR backend. It owns a
// send queue drained by a write loop and a receive loop that parses server
// frames into Results. A Conn is owned by at most one stream at a time; the
// pool hands it out and takes it back.
type Conn struct {
	id         string
	language   string
	sampleRate int

	ws    *websocket.Conn
	sendq chan outMsg
	resq  chan Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state     atomic.Int32
	closeOnce sync.Once

	mu      sync.Mutex
	failure error
	failSet bool

	warnedUnknown sync.Once
	warnedBinary  sync.Once

	// idleSince is pool bookkeeping, guarded by the pool's mutex.
	idleSince time.Time
}

// Dial opens a WebSocket to wsURL, waits for the server's connected hello,
// sends the configuration frame, and returns a Ready connection with its
// send and receive loops running. sendQueue bounds the number of queued
// outbound messages; senders block when it is full.
func Dial(ctx context.Context, wsURL, language string, sampleRate, sendQueue int) (*Conn, error) {
	if sendQueue <= 0 {
		sendQueue = 16
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         uuid.NewString(),
		language:   language,
		sampleRate: sampleRate,
		sendq:      make(chan outMsg, sendQueue),
		resq:       make(chan Result, 16),
		ctx:        connCtx,
		cancel:     cancel,
	}
	c.state.Store(int32(StateIdle))

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.state.Store(int32(StateFailed))
		cancel()
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, stt.WrapError(stt.KindAuth, "dial", err)
		}
		return nil, stt.WrapError(stt.KindNetwork, "dial", err)
	}
	c.ws = ws
	c.state.Store(int32(StateHandshake))

	fail := func(status websocket.StatusCode, reason string, err error) error {
		c.state.Store(int32(StateFailed))
		cancel()
		ws.Close(status, reason)
		return err
	}

	// The server speaks first: {"status":"connected"}.
	typ, data, err := ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, fail(websocket.StatusNormalClosure, "", stt.WrapError(stt.KindAuth, "handshake", err))
		}
		return nil, fail(websocket.StatusNormalClosure, "", stt.WrapError(stt.KindNetwork, "handshake", err))
	}
	var hello serverMsg
	if typ != websocket.MessageText || json.Unmarshal(data, &hello) != nil || hello.Status != "connected" {
		return nil, fail(websocket.StatusProtocolError, "bad hello",
			stt.Errorf(stt.KindProtocol, "handshake", "expected connected hello, got %d-byte %v frame", len(data), typ))
	}

	var cfg configMsg
	cfg.Config.Lang = language
	cfg.Config.SampleRate = sampleRate
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fail(websocket.StatusInternalError, "", stt.WrapError(stt.KindProtocol, "handshake", err))
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, fail(websocket.StatusNormalClosure, "", stt.WrapError(stt.KindNetwork, "handshake", err))
	}
	c.state.Store(int32(StateReady))

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	slog.Debug("asr connection ready", "conn_id", c.id, "lang", language, "sample_rate", sampleRate)
	return c, nil
}

// ID returns the connection's unique identifier, used in logs.
func (c *Conn) ID() string { return c.id }

// Language returns the negotiated language tag.
func (c *Conn) Language() string { return c.language }

// SampleRate returns the negotiated sample rate in Hz.
func (c *Conn) SampleRate() int { return c.sampleRate }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// SendAudio queues one binary PCM chunk. It blocks when the send queue is
// full, propagating backpressure to the caller, and fails once the
// connection is lost or no longer accepts audio.
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	if s := c.State(); s != StateReady {
		return c.sendErr(s)
	}
	select {
	case c.sendq <- outMsg{binary: true, payload: chunk}:
		return nil
	case <-c.ctx.Done():
		return c.sendErr(c.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendDone signals end of input with the literal Done text frame and moves
// the connection to Draining. Calling it more than once is a no-op.
func (c *Conn) SendDone(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateDraining)) {
		if s := c.State(); s != StateDraining {
			return c.sendErr(s)
		}
		return nil
	}
	select {
	case c.sendq <- outMsg{payload: []byte("Done")}:
		return nil
	case <-c.ctx.Done():
		return c.sendErr(c.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) sendErr(s State) error {
	if err := c.Err(); err != nil && !errors.Is(err, errLocalClose) {
		return err
	}
	return stt.Errorf(stt.KindNetwork, "send", "connection is %s", s)
}

// Done returns a channel closed when the connection stops accepting work —
// after Close, a transport failure, or a remote close.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Results returns the channel of transcription results. It is closed when
// the receive loop exits — on remote close, transport failure, or Close.
func (c *Conn) Results() <-chan Result { return c.resq }

// Err reports why the receive loop exited: nil for a clean remote close
// (status 1000/1001), errLocalClose when Close was called first, or the
// classified failure otherwise. Valid after Results is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// ClosedLocally reports whether the receive loop ended because of our own
// Close call rather than a remote close or failure.
func (c *Conn) ClosedLocally() bool {
	return errors.Is(c.Err(), errLocalClose)
}

// Close terminates the connection with a normal close status and waits for
// both loops to exit. Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.state.Load() != int32(StateFailed) {
			c.state.Store(int32(StateClosed))
		}
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "stream ended")
		c.wg.Wait()
	})
	return nil
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.sendq:
			typ := websocket.MessageText
			if m.binary {
				typ = websocket.MessageBinary
			}
			if err := c.ws.Write(c.ctx, typ, m.payload); err != nil {
				c.fail(c.classify("write", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.resq)
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.fail(c.classify("read", err))
			return
		}
		if typ == websocket.MessageBinary {
			c.warnedBinary.Do(func() {
				slog.Warn("asr connection: dropping unexpected binary frame from server", "conn_id", c.id)
			})
			continue
		}
		var msg serverMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail(stt.WrapError(stt.KindProtocol, "read", err))
			c.ws.Close(websocket.StatusProtocolError, "malformed event")
			return
		}
		switch msg.Type {
		case "partial":
			c.deliver(Result{Final: false, Text: msg.Text, Confidence: msg.Confidence})
		case "final":
			c.deliver(Result{Final: true, Text: msg.Text, Confidence: msg.Confidence})
		default:
			if msg.Status != "" {
				// Late status frames are informational.
				continue
			}
			c.warnedUnknown.Do(func() {
				slog.Warn("asr connection: dropping unknown event shape", "conn_id", c.id, "type", msg.Type)
			})
		}
	}
}

func (c *Conn) deliver(r Result) {
	select {
	case c.resq <- r:
	case <-c.ctx.Done():
	}
}

// classify maps a socket error to the stream error taxonomy. A nil return
// means the remote closed cleanly.
func (c *Conn) classify(op string, err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case websocket.StatusPolicyViolation:
		return stt.WrapError(stt.KindAuth, op, err)
	case websocket.StatusInternalError:
		return stt.WrapError(stt.KindService, op, err)
	}
	if c.ctx.Err() != nil {
		return errLocalClose
	}
	return stt.WrapError(stt.KindNetwork, op, err)
}

// fail records the first terminal error, marks the connection failed unless
// it ended cleanly, and stops both loops.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	first := !c.failSet
	if first {
		c.failSet = true
		c.failure = err
	}
	c.mu.Unlock()
	if first {
		if err != nil && !errors.Is(err, errLocalClose) {
			c.state.Store(int32(StateFailed))
		} else if err == nil {
			c.state.Store(int32(StateClosed))
		}
	}
	c.cancel()
}
