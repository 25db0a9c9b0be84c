// Package vad implements frame-level voice activity detection for the bridge.
//
// The detector is pure state, not a goroutine: [Detector.Ingest] is called
// synchronously on the audio-ingest path and returns immediately, avoiding an
// extra scheduling hop in the latency-critical relay loop. Each stream
// direction owns its own Detector; a Detector must not be shared across
// goroutines.
//
// Detection is energy-based: an exponentially weighted moving average of
// per-frame RMS energy is compared against a configurable threshold, with
// hysteresis — energy must stay above the threshold for a minimum confirm
// duration before SpeechStarted is emitted, and below it for a minimum
// silence duration before SpeechEnded is emitted. This keeps the detector
// from chattering on noise bursts and brief pauses.
package vad

import (
	"math"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultEnergyThreshold = 0.015
	DefaultSpeechConfirm   = 60 * time.Millisecond
	DefaultSilenceConfirm  = 500 * time.Millisecond
	DefaultSmoothing       = 0.4
)

// Config holds the tunable parameters for a Detector. All fields have
// deployment-specific sweet spots; the defaults suit 16kHz telephony audio
// with 20ms frames.
type Config struct {
	// EnergyThreshold is the smoothed RMS level (normalised to [0, 1]) above
	// which a frame counts towards speech.
	EnergyThreshold float64

	// SpeechConfirm is how long energy must stay above the threshold before
	// SpeechStarted is emitted.
	SpeechConfirm time.Duration

	// SilenceConfirm is how long energy must stay below the threshold before
	// SpeechEnded is emitted.
	SilenceConfirm time.Duration

	// Smoothing is the EWMA coefficient in (0, 1]: the weight given to the
	// newest frame's energy. 1 disables smoothing.
	Smoothing float64
}

// withDefaults returns cfg with zero values replaced by package defaults.
func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.SpeechConfirm <= 0 {
		c.SpeechConfirm = DefaultSpeechConfirm
	}
	if c.SilenceConfirm <= 0 {
		c.SilenceConfirm = DefaultSilenceConfirm
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = DefaultSmoothing
	}
	return c
}

// EventType enumerates speech boundary events.
type EventType int

const (
	// SpeechStarted indicates the stream transitioned from silence to speech.
	SpeechStarted EventType = iota

	// SpeechEnded indicates the stream transitioned from speech to silence.
	SpeechEnded
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "SPEECH_STARTED"
	case SpeechEnded:
		return "SPEECH_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event is a speech boundary detected by a Detector.
type Event struct {
	// Type is the boundary kind.
	Type EventType

	// Energy is the smoothed RMS energy at the moment of the transition.
	Energy float64
}

// Detector tracks the speech/silence state of one audio stream.
type Detector struct {
	cfg Config

	energy   float64
	speaking bool

	// aboveFor / belowFor accumulate time spent above / below the threshold
	// while a state flip is pending.
	aboveFor time.Duration
	belowFor time.Duration
}

// New creates a Detector with cfg; zero-valued fields get package defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Ingest analyses one PCM frame and reports a speech boundary event if the
// frame completes a state flip. It never blocks and never fails: frames with
// no samples are ignored.
func (d *Detector) Ingest(frame audio.Frame) (Event, bool) {
	dur := frame.Duration()
	if dur <= 0 {
		return Event{}, false
	}

	level := rms(frame.Data)
	d.energy = d.cfg.Smoothing*level + (1-d.cfg.Smoothing)*d.energy

	if d.speaking {
		if d.energy < d.cfg.EnergyThreshold {
			d.belowFor += dur
			if d.belowFor >= d.cfg.SilenceConfirm {
				d.speaking = false
				d.belowFor = 0
				d.aboveFor = 0
				return Event{Type: SpeechEnded, Energy: d.energy}, true
			}
		} else {
			d.belowFor = 0
		}
		return Event{}, false
	}

	if d.energy >= d.cfg.EnergyThreshold {
		d.aboveFor += dur
		if d.aboveFor >= d.cfg.SpeechConfirm {
			d.speaking = true
			d.aboveFor = 0
			d.belowFor = 0
			return Event{Type: SpeechStarted, Energy: d.energy}, true
		}
	} else {
		d.aboveFor = 0
	}
	return Event{}, false
}

// Finish handles end-of-stream: when the stream closes mid-speech it emits a
// synthetic SpeechEnded so downstream turn state does not leak. Idempotent.
func (d *Detector) Finish() (Event, bool) {
	if !d.speaking {
		return Event{}, false
	}
	d.speaking = false
	d.aboveFor = 0
	d.belowFor = 0
	return Event{Type: SpeechEnded, Energy: d.energy}, true
}

// Speaking reports whether the detector currently classifies the stream as speech.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Reset clears all rolling state. Use when the underlying stream restarts.
func (d *Detector) Reset() {
	d.energy = 0
	d.speaking = false
	d.aboveFor = 0
	d.belowFor = 0
}

// rms computes the root-mean-square energy of little-endian int16 PCM,
// normalised to [0, 1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
