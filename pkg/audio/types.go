package audio

import "fmt"

// Frame represents a single frame of audio data pushed into a transcription
// stream. Frames are the atomic unit of audio transport — delivered by the
// media runtime in arrival order, downmixed and resampled by the pipeline,
// then chunked into fixed-duration binary messages.
type Frame struct {
	// Data is interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for conferencing sources, 16000 for
	// STT-optimised input).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// SamplesPerChannel is the declared per-channel sample count. Zero means
	// derive it from len(Data) and Channels.
	SamplesPerChannel int

	// Index is a monotonic arrival index assigned by the producer, used for
	// ordering diagnostics.
	Index uint64
}

// Validate checks the declared format against the PCM payload. Returns a
// *FormatError describing the first problem found, or nil.
func (f Frame) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return &FormatError{SampleRate: f.SampleRate, Channels: f.Channels, Reason: "sample rate and channels must be positive"}
	}
	if len(f.Data)%(2*f.Channels) != 0 {
		return &FormatError{SampleRate: f.SampleRate, Channels: f.Channels, Reason: fmt.Sprintf("%d bytes is not a whole number of samples", len(f.Data))}
	}
	if f.SamplesPerChannel != 0 && f.SamplesPerChannel != len(f.Data)/(2*f.Channels) {
		return &FormatError{SampleRate: f.SampleRate, Channels: f.Channels, Reason: fmt.Sprintf("declared %d samples/channel but data holds %d", f.SamplesPerChannel, len(f.Data)/(2*f.Channels))}
	}
	return nil
}

// Duration returns the frame length in milliseconds, or 0 for an invalid frame.
func (f Frame) Duration() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := f.SamplesPerChannel
	if samples == 0 {
		samples = len(f.Data) / (2 * f.Channels)
	}
	return samples * 1000 / f.SampleRate
}
