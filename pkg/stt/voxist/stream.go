package voxist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/voxist/voxist-go/internal/voxws"
	"github.com/voxist/voxist-go/pkg/audio"
	"github.com/voxist/voxist-go/pkg/stt"
)

// StreamState is the lifecycle state of a SpeechStream.
type StreamState int32

const (
	StreamNew StreamState = iota
	StreamRunning
	StreamEndingInput
	StreamReconnecting
	StreamFinished
	StreamErrored
)

// String returns the human-readable name of the state.
func (s StreamState) String() string {
	switch s {
	case StreamNew:
		return "new"
	case StreamRunning:
		return "running"
	case StreamEndingInput:
		return "ending_input"
	case StreamReconnecting:
		return "reconnecting"
	case StreamFinished:
		return "finished"
	case StreamErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a stream's counters.
type Stats struct {
	FramesPushed  uint64
	ChunksSent    uint64
	BytesSent     uint64
	FramesDropped uint64
	Reconnects    uint64
}

// errStreamClosed marks loop exits caused by the consumer's Close call.
var errStreamClosed = errors.New("voxist: stream closed")

// frameMsg is one uplink queue entry; end marks the end-of-input sentinel.
type frameMsg struct {
	frame audio.Frame
	end   bool
}

// SpeechStream is one live transcription. It borrows one pooled connection
// at a time, runs an uplink loop (resample, chunk, send) and a downlink loop
// (receive, order, deliver) concurrently, and replaces its connection
// transparently on transient loss.
//
// All methods are safe for concurrent use.
type SpeechStream struct {
	id   string
	p    *STT
	pool *voxws.Pool

	resampler *audio.Resampler
	chunker   *audio.Chunker

	frames chan frameMsg
	events chan stt.Event

	state        atomic.Int32
	ended        atomic.Bool // EndInput was called
	endObserved  atomic.Bool // uplink consumed the sentinel
	doneSent     atomic.Bool // Done reached the wire at least once
	reconnecting atomic.Bool

	endOnce   sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	runDone   chan struct{}

	seq uint64 // touched only by the run goroutine

	statsMu sync.Mutex
	stats   Stats
}

// Compile-time interface assertion.
var _ stt.Stream = (*SpeechStream)(nil)

func newSpeechStream(ctx context.Context, p *STT, pool *voxws.Pool) *SpeechStream {
	s := &SpeechStream{
		id:        uuid.NewString(),
		p:         p,
		pool:      pool,
		resampler: audio.NewResampler(p.sampleRate),
		chunker:   audio.NewChunker(p.chunkBytes()),
		frames:    make(chan frameMsg, p.queueCap()),
		events:    make(chan stt.Event, 64),
		closed:    make(chan struct{}),
		runDone:   make(chan struct{}),
	}
	s.state.Store(int32(StreamNew))
	go s.run(ctx)
	return s
}

// ID returns the stream's unique identifier, used in logs.
func (s *SpeechStream) ID() string { return s.id }

// State returns the stream's lifecycle state.
func (s *SpeechStream) State() StreamState { return StreamState(s.state.Load()) }

// Stats returns a snapshot of the stream's counters.
func (s *SpeechStream) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Events returns the stream's event channel.
func (s *SpeechStream) Events() <-chan stt.Event { return s.events }

// Push delivers one PCM frame. Invalid frames are rejected on the spot with
// an audio_format-kind error and the stream continues. While the stream is
// replacing a lost connection the queue keeps the newest audio, dropping the
// oldest frames beyond capacity; otherwise a full queue blocks the caller.
func (s *SpeechStream) Push(ctx context.Context, frame audio.Frame) error {
	if s.ended.Load() {
		return stt.ErrInputEnded
	}
	if err := frame.Validate(); err != nil {
		return stt.WrapError(stt.KindAudioFormat, "push", err)
	}
	if len(frame.Data) == 0 {
		return nil
	}

	msg := frameMsg{frame: frame}
	if s.reconnecting.Load() {
		for {
			select {
			case s.frames <- msg:
				s.notePushed()
				return nil
			case <-s.closed:
				return errStreamClosed
			case <-s.runDone:
				return errStreamClosed
			default:
			}
			select {
			case old := <-s.frames:
				if old.end {
					// Never drop the end-of-input sentinel.
					s.frames <- old
					continue
				}
				s.noteDropped()
			default:
			}
		}
	}

	select {
	case s.frames <- msg:
		s.notePushed()
		return nil
	case <-s.closed:
		return errStreamClosed
	case <-s.runDone:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndInput signals that no further audio will arrive. Idempotent.
func (s *SpeechStream) EndInput() {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		s.state.CompareAndSwap(int32(StreamRunning), int32(StreamEndingInput))
		select {
		case s.frames <- frameMsg{end: true}:
		case <-s.closed:
		case <-s.runDone:
		}
	})
}

// Close terminates the stream: reconnection stops, the borrowed connection
// is closed with a normal status, and the event channel closes. Close waits
// for the shutdown to complete, bounded by closeTimeout. Idempotent.
func (s *SpeechStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	select {
	case <-s.runDone:
	case <-time.After(closeTimeout):
	}
	return nil
}

func (s *SpeechStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run is the stream's owner goroutine: it acquires connections, supervises
// the uplink and downlink loops, applies the reconnection policy, and closes
// the event channel when the stream terminates.
func (s *SpeechStream) run(ctx context.Context) {
	defer close(s.runDone)
	defer close(s.events)
	s.p.metrics.ActiveStreams.Add(context.Background(), 1)
	defer s.p.metrics.ActiveStreams.Add(context.Background(), -1)

	attempt := 0
	for {
		if s.isClosed() || ctx.Err() != nil {
			s.finish(StreamFinished)
			return
		}

		start := time.Now()
		conn, err := s.acquire(ctx)
		if err != nil {
			if errors.Is(err, errStreamClosed) || errors.Is(err, voxws.ErrPoolClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.finish(StreamFinished)
				return
			}
			if !stt.KindOf(err).Retryable() || attempt >= s.p.backoff.MaxAttempts {
				s.fail(err)
				return
			}
			attempt++
			slog.Warn("stream connect failed, retrying",
				"stream_id", s.id, "attempt", attempt, "err", err)
			if s.sleep(ctx, attempt-1) != nil {
				s.finish(StreamFinished)
				return
			}
			continue
		}
		s.p.metrics.ConnectDuration.Record(context.Background(), time.Since(start).Seconds())
		s.reconnecting.Store(false)
		if s.ended.Load() {
			s.state.Store(int32(StreamEndingInput))
		} else {
			s.state.Store(int32(StreamRunning))
		}

		err = s.runConn(ctx, conn)
		s.pool.Release(conn)

		switch {
		case err == nil:
			s.finish(StreamFinished)
			return
		case errors.Is(err, errStreamClosed):
			s.finish(StreamFinished)
			return
		default:
			if !stt.KindOf(err).Retryable() || attempt >= s.p.backoff.MaxAttempts {
				s.fail(err)
				return
			}
			attempt++
			s.beginReconnect(attempt, err)
			if s.sleep(ctx, attempt-1) != nil {
				s.finish(StreamFinished)
				return
			}
		}
	}
}

// acquire checks a connection out of the pool, waking early when the stream
// is closed mid-wait.
func (s *SpeechStream) acquire(ctx context.Context) (*voxws.Conn, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-actx.Done():
		}
	}()
	conn, err := s.pool.Acquire(actx)
	if err != nil && s.isClosed() {
		return nil, errStreamClosed
	}
	return conn, err
}

// runConn drives one borrowed connection until the stream finishes, the
// consumer closes it, or the connection is lost. A nil return means the
// stream terminated normally.
func (s *SpeechStream) runConn(ctx context.Context, conn *voxws.Conn) error {
	watch := make(chan struct{})
	defer close(watch)
	go func() {
		select {
		case <-s.closed:
			conn.Close()
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()

	upErr := make(chan error, 1)
	go func() { upErr <- s.uplink(ctx, conn) }()

	for r := range conn.Results() {
		if !s.deliver(r) {
			break
		}
	}
	<-upErr

	if s.isClosed() || ctx.Err() != nil {
		return errStreamClosed
	}
	connErr := conn.Err()
	switch {
	case connErr == nil:
		// Clean remote close: normal termination only after Done went out.
		if s.doneSent.Load() {
			return nil
		}
		return stt.Errorf(stt.KindNetwork, "stream", "server closed before end of input")
	case conn.ClosedLocally():
		// Our own close: either the Done acknowledgement window expired or a
		// racing shutdown. Done on the wire still counts as normal.
		if s.doneSent.Load() {
			return nil
		}
		return errStreamClosed
	default:
		return connErr
	}
}

// uplink consumes queued frames, converts them to target-rate mono PCM,
// and sends full chunks as binary frames. On the end sentinel it flushes the
// chunker, pads the remainder, and signals Done.
func (s *SpeechStream) uplink(ctx context.Context, conn *voxws.Conn) error {
	if s.endObserved.Load() {
		// Input already ended before this (re)connection; just re-signal.
		return s.finishUplink(ctx, conn)
	}
	for {
		select {
		case <-s.closed:
			return errStreamClosed
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return stt.Errorf(stt.KindNetwork, "uplink", "connection ended")
		case m := <-s.frames:
			if m.end {
				s.endObserved.Store(true)
				return s.finishUplink(ctx, conn)
			}
			pcm, err := s.resampler.Process(m.frame)
			if err != nil {
				// Push validates frames up front; anything here is a race
				// with a format change worth surfacing but not fatal.
				slog.Warn("uplink dropping unconvertible frame", "stream_id", s.id, "err", err)
				continue
			}
			for _, chunk := range s.chunker.Write(pcm) {
				if err := conn.SendAudio(ctx, chunk); err != nil {
					return err
				}
				s.noteChunk(len(chunk))
			}
		}
	}
}

// finishUplink flushes buffered audio as one padded chunk and sends Done.
// The done-acknowledgement window then bounds how long the stream waits for
// the server's closing handshake.
func (s *SpeechStream) finishUplink(ctx context.Context, conn *voxws.Conn) error {
	if chunk := s.chunker.Flush(); chunk != nil {
		if err := conn.SendAudio(ctx, chunk); err != nil {
			return err
		}
		s.noteChunk(len(chunk))
	}
	if err := conn.SendDone(ctx); err != nil {
		return err
	}
	s.doneSent.Store(true)

	// Bound the wait for the server's remaining finals and close.
	select {
	case <-conn.Done():
	case <-s.closed:
		conn.Close()
	case <-time.After(doneAckWindow):
		slog.Debug("done acknowledgement window expired, closing", "stream_id", s.id)
		conn.Close()
	}
	return nil
}

// deliver pushes one result to the consumer, tagging it with the stream's
// sequence number. Interims are filtered out when disabled. Returns false
// when the stream was closed instead.
func (s *SpeechStream) deliver(r voxws.Result) bool {
	kind := stt.EventInterim
	if r.Final {
		kind = stt.EventFinal
	}
	if kind == stt.EventInterim && !s.p.interim {
		return true
	}
	s.seq++
	ev := stt.Event{
		Kind:       kind,
		Text:       r.Text,
		Confidence: r.Confidence,
		Language:   s.p.language,
		Seq:        s.seq,
	}
	select {
	case s.events <- ev:
		s.p.metrics.RecordEvent(context.Background(), kind.String())
		return true
	case <-s.closed:
		return false
	}
}

// fail emits the terminal error sentinel and marks the stream errored.
func (s *SpeechStream) fail(err error) {
	s.state.Store(int32(StreamErrored))
	s.seq++
	ev := stt.Event{
		Kind:     stt.EventError,
		Language: s.p.language,
		Seq:      s.seq,
		Err:      err,
	}
	select {
	case s.events <- ev:
		s.p.metrics.RecordEvent(context.Background(), stt.EventError.String())
	case <-s.closed:
	}
	slog.Error("stream failed", "stream_id", s.id, "err", err)
}

func (s *SpeechStream) finish(state StreamState) {
	s.state.Store(int32(state))
}

func (s *SpeechStream) beginReconnect(attempt int, cause error) {
	s.reconnecting.Store(true)
	s.state.Store(int32(StreamReconnecting))
	// Audio already sent on the lost connection cannot be transcribed;
	// resume cleanly from the next chunk boundary.
	s.chunker.Reset()
	s.resampler.Reset()
	s.statsMu.Lock()
	s.stats.Reconnects++
	s.statsMu.Unlock()
	s.p.metrics.Reconnects.Add(context.Background(), 1)
	slog.Warn("stream connection lost, reconnecting",
		"stream_id", s.id, "attempt", attempt, "err", cause)
}

func (s *SpeechStream) sleep(ctx context.Context, attempt int) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-sctx.Done():
		}
	}()
	return s.p.backoff.Sleep(sctx, attempt)
}

func (s *SpeechStream) notePushed() {
	s.statsMu.Lock()
	s.stats.FramesPushed++
	s.statsMu.Unlock()
}

func (s *SpeechStream) noteDropped() {
	s.statsMu.Lock()
	s.stats.FramesDropped++
	s.statsMu.Unlock()
	s.p.metrics.DroppedFrames.Add(context.Background(), 1)
}

func (s *SpeechStream) noteChunk(n int) {
	s.statsMu.Lock()
	s.stats.ChunksSent++
	s.stats.BytesSent += uint64(n)
	s.statsMu.Unlock()
	s.p.metrics.ChunksSent.Add(context.Background(), 1)
	s.p.metrics.AudioBytesSent.Add(context.Background(), int64(n))
}
