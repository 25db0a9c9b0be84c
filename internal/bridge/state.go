// Package bridge implements the per-call bridging state machine and the
// process-wide session registry.
//
// A [Session] owns exactly one call: it composes the call's telephony media
// endpoint, its AI realtime session, a transcoder per direction, and a local
// voice activity detector, and relays audio between the two legs while
// arbitrating turns (barge-in). All mutable session state is owned by the
// session's own goroutine group and never touched from outside it; the
// [Registry] map is the only cross-session shared state.
package bridge

import "errors"

// State is the lifecycle phase of a [Session].
type State int32

const (
	// StateAwaitingMedia is the initial state: the call has started but the
	// telephony platform has not attached its media stream yet.
	StateAwaitingMedia State = iota

	// StateActive means both legs are connected and no one is speaking yet.
	StateActive

	// StateCallerSpeaking means the local VAD currently detects caller speech.
	StateCallerSpeaking

	// StateAISpeaking means an AI response is being relayed to the caller.
	StateAISpeaking

	// StateIdle means both legs are connected and neither side is speaking.
	StateIdle

	// StateEnding means teardown has begun; no further frames are forwarded.
	StateEnding

	// StateEnded is terminal: both legs are closed and final metrics have
	// been recorded.
	StateEnded
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingMedia:
		return "awaiting_media"
	case StateActive:
		return "active"
	case StateCallerSpeaking:
		return "caller_speaking"
	case StateAISpeaking:
		return "ai_speaking"
	case StateIdle:
		return "idle"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reason identifies why a session ended. Reasons are recorded as metric
// attributes, so the set is small and stable.
type Reason string

const (
	// ReasonCallEnded is normal completion: the platform signalled call end
	// or the caller hung up.
	ReasonCallEnded Reason = "call_ended"

	// ReasonMediaLost means the telephony media leg dropped abnormally.
	ReasonMediaLost Reason = "media_lost"

	// ReasonAIDisconnected means the AI session was lost mid-call.
	ReasonAIDisconnected Reason = "ai_disconnected"

	// ReasonSessionUnavailable means the AI session could not be established.
	ReasonSessionUnavailable Reason = "session_unavailable"

	// ReasonMaxDuration means the call exceeded the configured duration cap.
	ReasonMaxDuration Reason = "max_duration"

	// ReasonAttachTimeout means the platform never attached media in time.
	ReasonAttachTimeout Reason = "media_attach_timeout"
)

var (
	// ErrDuplicateCall is returned by [Registry.Create] when a session for
	// the call ID already exists.
	ErrDuplicateCall = errors.New("bridge: session already exists for call")

	// ErrUnknownCall is returned by registry operations on call IDs with no
	// live session.
	ErrUnknownCall = errors.New("bridge: no session for call")

	// ErrTooManyCalls is returned by [Registry.Create] when the configured
	// concurrent call cap is reached.
	ErrTooManyCalls = errors.New("bridge: concurrent call limit reached")

	// ErrAlreadyAttached is returned by [Session.Attach] when media has
	// already been attached to the session.
	ErrAlreadyAttached = errors.New("bridge: media already attached")

	// ErrSessionEnded is returned by [Session.Attach] when the session was
	// terminated before media arrived.
	ErrSessionEnded = errors.New("bridge: session already ended")
)
