// Package audio defines the frame types and PCM conversion primitives used by
// the Voxgate bridge.
//
// Frames are the atomic unit of audio transport — read from the telephony
// media stream, analysed by VAD, resampled and re-chunked by a [Transcoder],
// and forwarded to the AI session (and vice versa). All audio handled by this
// package is little-endian linear 16-bit PCM, mono.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for telephony slin16, 24000 for the AI leg).
	SampleRate int

	// Channels is the channel count. The bridge only supports mono (1).
	Channels int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesFor returns the PCM16 byte length of d worth of audio in this format.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// Direction identifies which way a frame is travelling through the bridge.
type Direction int

const (
	// CallerToAI marks audio captured from the caller, bound for the AI session.
	CallerToAI Direction = iota

	// AIToCaller marks synthesised AI audio, bound for the telephony leg.
	AIToCaller
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case CallerToAI:
		return "caller_to_ai"
	case AIToCaller:
		return "ai_to_caller"
	default:
		return "unknown"
	}
}

// Frame is a chunk of linear PCM samples tagged with its format and direction.
// Frames are transient: they live on channels between pipeline stages and are
// never persisted.
type Frame struct {
	// Data is little-endian int16 PCM (2 bytes per sample).
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count (always 1 inside the bridge).
	Channels int

	// Direction identifies the leg this frame belongs to.
	Direction Direction

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's format metadata.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// FormatError reports a frame whose shape the bridge cannot process.
// Per-frame format errors are recoverable: the offending frame is dropped and
// the call continues.
type FormatError struct {
	SampleRate int
	Channels   int
	Reason     string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("audio: unsupported format %dHz/%dch: %s", e.SampleRate, e.Channels, e.Reason)
}
