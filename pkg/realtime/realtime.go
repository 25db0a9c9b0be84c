// Package realtime defines the Provider interface for realtime voice AI
// backends.
//
// A realtime provider wraps a speech-to-speech voice AI service that accepts
// raw caller audio and returns synthesised audio in a single, stateful duplex
// session. The central abstraction is [SessionHandle]: one duplex streaming
// connection per call, carrying outbound audio appends and an inbound stream
// of [Event] values (audio deltas, speech markers, completion, errors).
//
// The provider's heterogeneous event stream is modelled as a closed tagged
// union ([Event] with an [EventType] discriminant) so the call session's
// control loop can dispatch exhaustively instead of inspecting dynamic types.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// ErrSessionUnavailable indicates the provider session could not be
// established within the configured retry attempts. Fatal for the call.
var ErrSessionUnavailable = errors.New("realtime: session unavailable")

// ConnectError wraps a handshake failure for a single connection attempt.
// The caller may retry with backoff before giving up with
// [ErrSessionUnavailable].
type ConnectError struct {
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return "realtime: connect: " + e.Err.Error()
}

// Unwrap returns the underlying handshake error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// EventType is the discriminant of the provider event union.
type EventType int

const (
	// SessionReady indicates the provider accepted the session configuration
	// and is ready for audio.
	SessionReady EventType = iota

	// SpeechStarted marks the provider's own detection of caller speech onset.
	SpeechStarted

	// SpeechStopped marks the provider's detection of caller speech end.
	SpeechStopped

	// AudioDelta carries a chunk of synthesised PCM in the provider's native
	// format. It must pass through the bridge codec before reaching the
	// telephony leg.
	AudioDelta

	// ResponseDone indicates the provider finished (or abandoned) the current
	// response turn.
	ResponseDone

	// ErrorEvent carries a non-fatal provider error. The session stays open.
	ErrorEvent

	// Disconnected is terminal: the underlying connection was lost. No
	// further events follow; the events channel closes after this event.
	Disconnected
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SessionReady:
		return "session_ready"
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	case AudioDelta:
		return "audio_delta"
	case ResponseDone:
		return "response_done"
	case ErrorEvent:
		return "error"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one inbound provider event. Exactly the fields relevant to Type
// are populated.
type Event struct {
	// Type discriminates the union.
	Type EventType

	// Audio is the PCM chunk for AudioDelta events.
	Audio []byte

	// ResponseID identifies the response turn an AudioDelta or ResponseDone
	// belongs to. Used to discard buffered audio of a cancelled turn.
	ResponseID string

	// Err is set for ErrorEvent and Disconnected.
	Err error
}

// ToolDefinition describes a function/tool declaration passed through
// verbatim to the provider. The bridge does not interpret tool semantics.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// TurnDetection configures the provider's server-side turn detection.
type TurnDetection struct {
	// Threshold is the provider-side speech probability threshold [0, 1].
	Threshold float64

	// SilenceMs is the trailing silence (milliseconds) that ends a turn.
	SilenceMs int

	// PrefixPaddingMs is the audio retained before detected speech onset.
	PrefixPaddingMs int
}

// SessionConfig is the initial configuration for a new realtime session.
// Instructions and tool declarations are opaque to the bridge — supplied by
// the external prompt collaborator and passed through verbatim.
type SessionConfig struct {
	// Voice selects the provider's output voice.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Language hints the conversation language (provider-specific tag).
	Language string

	// TurnDetection tunes the provider's own speech segmentation. Nil keeps
	// the provider default.
	TurnDetection *TurnDetection

	// Tools is the tool/function declaration set offered to the model.
	Tools []ToolDefinition
}

// SessionHandle represents an open realtime session for one call.
//
// The session is the hot path of the bridge — every method must return
// quickly. Inbound events are channel-based so the forwarding loop never
// polls. All methods are safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends a raw PCM chunk in the provider's input format to the
	// session's input buffer. No synchronous processing result; provider-side
	// errors surface asynchronously on Events.
	SendAudio(chunk []byte) error

	// Events returns the inbound event stream in strict arrival order. The
	// channel closes after a terminal Disconnected event or after Close.
	// Consumers must drain promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// CancelResponse asks the provider to stop emitting audio for its current
	// turn (barge-in). Idempotent: safe to call when no response is in flight.
	CancelResponse() error

	// Close terminates the session and releases resources. Best-effort; never
	// blocks call teardown for long. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any realtime voice AI backend.
//
// Implementations must be safe for concurrent use: the registry opens one
// session per active call.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately. A failed
	// handshake returns a *ConnectError; the caller owns retry policy.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
