// Package audio provides PCM format conversion for transcription streams:
// channel downmix, phase-continuous linear resampling, and fixed-duration
// chunking. All PCM is little-endian signed 16-bit.
package audio

import (
	"fmt"
	"log/slog"
)

// FormatError reports a frame whose declared format cannot be processed.
type FormatError struct {
	SampleRate int
	Channels   int
	Reason     string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: invalid frame (%dHz, %dch): %s", e.SampleRate, e.Channels, e.Reason)
}

// DownmixMono averages interleaved int16 channels into a mono stream.
// Averaging uses integer division (rounds toward zero) and clamps to the
// int16 range. Input length must be a multiple of channels*2 bytes.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resampler converts frames of arbitrary rate and channel count to mono
// int16 PCM at a fixed target rate using linear interpolation. Interpolation
// phase is carried across frames so that consecutive frames join without
// discontinuities and output sample counts stay within ±1 of
// samples × target/source over the stream lifetime.
//
// Create one per stream; not safe for shared use across goroutines.
type Resampler struct {
	targetRate int

	srcRate int
	prev    int16
	frac    float64
	primed  bool

	warnedRateChange bool
}

// NewResampler creates a Resampler producing mono PCM at targetRate Hz.
func NewResampler(targetRate int) *Resampler {
	return &Resampler{targetRate: targetRate}
}

// TargetRate returns the output sample rate in Hz.
func (r *Resampler) TargetRate() int { return r.targetRate }

// Reset clears the carried interpolation state. The next frame processed is
// treated as the start of a new stream.
func (r *Resampler) Reset() {
	r.srcRate = 0
	r.prev = 0
	r.frac = 0
	r.primed = false
}

// Process converts one frame and returns the resampled mono PCM bytes. The
// returned slice may be empty when the frame is too short to produce a full
// output sample; the remainder is carried into the next call.
func (r *Resampler) Process(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(f.Data) == 0 {
		return nil, nil
	}

	mono := DownmixMono(f.Data, f.Channels)

	// Fast path: already at the target rate.
	if f.SampleRate == r.targetRate {
		return mono, nil
	}

	if r.primed && f.SampleRate != r.srcRate {
		if !r.warnedRateChange {
			r.warnedRateChange = true
			slog.Warn("audio resampler: source rate changed mid-stream, resetting phase",
				"from", r.srcRate, "to", f.SampleRate)
		}
		r.Reset()
	}
	r.srcRate = f.SampleRate

	samples := len(mono) / 2
	step := float64(r.srcRate) / float64(r.targetRate)

	if !r.primed {
		// Seed the previous sample with the first sample so the stream
		// starts flat instead of ramping from zero.
		r.prev = int16(mono[0]) | int16(mono[1])<<8
		r.frac = 0
		r.primed = true
	}

	// Worst-case output count, rounded up.
	out := make([]byte, 0, (int(float64(samples)/step)+2)*2)
	for i := 0; i < samples; i++ {
		s := int16(mono[i*2]) | int16(mono[i*2+1])<<8
		for r.frac < 1 {
			v := int16(float64(r.prev)*(1-r.frac) + float64(s)*r.frac)
			out = append(out, byte(v), byte(v>>8))
			r.frac += step
		}
		r.frac -= 1
		r.prev = s
	}
	return out, nil
}
