// Package mock provides configurable in-memory fakes for the realtime
// interfaces, used by bridge and registry tests that need a provider session
// without a live connection.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/realtime"
)

// Session is a scripted realtime.SessionHandle. Tests push inbound events
// with [Session.Emit] and inspect what the bridge sent with [Session.Sent]
// and [Session.CancelCount].
type Session struct {
	mu       sync.Mutex
	sent     [][]byte
	cancels  int
	closed   bool
	events   chan realtime.Event
	SendErr  error
	CloseFns []func()
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 256)}
}

// SendAudio records the chunk. Returns SendErr if set.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	return nil
}

// Events returns the scripted inbound event channel.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// CancelResponse counts the call and succeeds.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

// Close marks the session closed and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fns := s.CloseFns
	s.mu.Unlock()

	close(s.events)
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Emit delivers ev to the session's event channel. Panics if called after Close.
func (s *Session) Emit(ev realtime.Event) {
	s.events <- ev
}

// Disconnect emits a terminal Disconnected event and closes the channel.
func (s *Session) Disconnect(err error) {
	s.events <- realtime.Event{Type: realtime.Disconnected, Err: err}
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !closed {
		close(s.events)
	}
}

// Sent returns copies of all audio chunks the bridge appended, in order.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentBytes returns the concatenation of all appended audio.
func (s *Session) SentBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.sent {
		out = append(out, c...)
	}
	return out
}

// CancelCount returns how many times CancelResponse was called.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Closed reports whether Close (or Disconnect) was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Provider is a realtime.Provider returning scripted sessions.
type Provider struct {
	mu sync.Mutex

	// ConnectErrs, when non-empty, are returned (and consumed) by successive
	// Connect calls before sessions are handed out. Lets tests exercise the
	// bounded-retry open path.
	ConnectErrs []error

	// Sessions returned by Connect, in order. When exhausted, Connect creates
	// fresh ones.
	Sessions []*Session

	connects int
}

// Connect pops the next scripted error or session.
func (p *Provider) Connect(_ context.Context, _ realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		return nil, err
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}

// Connects returns the number of Connect calls observed.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}
