// Package stt defines the consumer-facing contracts for streaming
// speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is Stream: once
// opened, a stream accepts raw PCM audio frames and emits a finite, ordered
// sequence of transcription events — low-latency interims for responsiveness
// and authoritative finals for the consumer's record.
//
// Implementations must be safe for concurrent use. Audio input and the event
// channel are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/voxist/voxist-go/pkg/audio"
)

// ErrInputEnded is returned by Push after EndInput has been called.
var ErrInputEnded = errors.New("stt: input already ended")

// Stream represents one live transcription attached to one inbound audio
// track. Callers push frames in arrival order, signal end-of-input when the
// track finishes, and drain Events until it closes.
//
// All methods are safe for concurrent use. Callers must call Close when the
// stream is no longer needed; failing to do so may leak goroutines and
// network connections inside the provider implementation.
type Stream interface {
	// Push delivers one PCM frame for transcription. It blocks cooperatively
	// when the stream's internal queue is full, providing backpressure to the
	// producer. An invalid frame is reported on the originating call without
	// ending the stream. Push after EndInput returns ErrInputEnded.
	Push(ctx context.Context, frame audio.Frame) error

	// EndInput signals that no further audio will arrive. Remaining buffered
	// audio is flushed to the backend, which is expected to deliver any
	// pending final results before the stream finishes. Calling EndInput more
	// than once has the same effect as calling it once.
	EndInput()

	// Events returns the stream's event channel. It yields interim and final
	// events in the order the backend produced them and closes after the last
	// final result on normal termination, or after a single terminal
	// EventError item. The channel is never restarted.
	Events() <-chan Event

	// Close terminates the stream, cancelling any in-flight reconnection and
	// releasing the underlying connection. Close is idempotent. After Close
	// returns, the Events channel is closed or about to close.
	Close() error
}

// Provider is the abstraction over any streaming STT backend. Multiple
// streams may be open simultaneously, e.g. one per conference participant.
type Provider interface {
	// StartStream opens a new transcription stream. The returned Stream is
	// ready to accept audio immediately; connection establishment happens
	// asynchronously and failures surface on the event channel.
	StartStream(ctx context.Context) (Stream, error)
}
