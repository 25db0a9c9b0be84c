// Package telephony defines the media endpoint abstraction for the telephony
// leg of a bridged call.
//
// An [Endpoint] represents the duplex raw-audio stream the telephony platform
// attaches to a call through its external-media mechanism. It is a thin
// transport adapter: no business logic, just frames in and frames out.
// Implementations live in adapter subpackages (e.g., telephony/mediaws for
// WebSocket external media).
package telephony

import (
	"errors"

	"github.com/voxgate/voxgate/pkg/audio"
)

// ErrMediaLost indicates the telephony media stream dropped or failed to
// write. Fatal for the call.
var ErrMediaLost = errors.New("telephony: media stream lost")

// Endpoint is the duplex raw-audio stream attached to one call.
//
// Implementations must be safe for concurrent use: one goroutine reads
// Frames while another calls Send.
type Endpoint interface {
	// Frames returns the inbound caller-audio stream in strict arrival order.
	// The channel closes when the stream ends; call Err afterwards to learn
	// whether it ended cleanly or with [ErrMediaLost].
	Frames() <-chan audio.Frame

	// Send writes one caller-bound audio frame (AI → caller). A write failure
	// reports an error wrapping [ErrMediaLost].
	Send(frame audio.Frame) error

	// Err returns the error that terminated the stream, or nil while the
	// stream is live or after a clean close.
	Err() error

	// Close tears down the stream. Idempotent; never blocks for long.
	Close() error
}
