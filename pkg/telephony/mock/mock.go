// Package mock provides an in-memory telephony.Endpoint for bridge tests.
package mock

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/telephony"
)

// Endpoint is a scripted telephony.Endpoint. Tests push caller audio with
// [Endpoint.Push] and inspect caller-bound writes with [Endpoint.SentFrames].
type Endpoint struct {
	frames chan audio.Frame

	mu      sync.Mutex
	sent    []audio.Frame
	err     error
	closed  bool
	SendErr error
}

var _ telephony.Endpoint = (*Endpoint)(nil)

// NewEndpoint creates an Endpoint with a buffered inbound channel.
func NewEndpoint() *Endpoint {
	return &Endpoint{frames: make(chan audio.Frame, 256)}
}

// Frames returns the scripted inbound channel.
func (e *Endpoint) Frames() <-chan audio.Frame { return e.frames }

// Send records the frame. Returns SendErr if set.
func (e *Endpoint) Send(frame audio.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return telephony.ErrMediaLost
	}
	if e.SendErr != nil {
		return e.SendErr
	}
	e.sent = append(e.sent, frame)
	return nil
}

// Err returns the scripted terminal error.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close marks the endpoint closed and closes the inbound channel. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.frames)
	return nil
}

// Push delivers one caller-audio frame to the bridge.
func (e *Endpoint) Push(frame audio.Frame) {
	e.frames <- frame
}

// Lose simulates the media stream dropping: sets ErrMediaLost and closes the
// inbound channel.
func (e *Endpoint) Lose() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.err = telephony.ErrMediaLost
	e.mu.Unlock()
	close(e.frames)
}

// SentFrames returns all frames the bridge wrote towards the caller, in order.
func (e *Endpoint) SentFrames() []audio.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.Frame, len(e.sent))
	copy(out, e.sent)
	return out
}

// SentBytes returns the concatenated PCM of all caller-bound frames.
func (e *Endpoint) SentBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []byte
	for _, f := range e.sent {
		out = append(out, f.Data...)
	}
	return out
}

// Closed reports whether Close or Lose was called.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
