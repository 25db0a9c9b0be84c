// Package mediaws implements the telephony.Endpoint interface over the
// telephony platform's external-media WebSocket mechanism.
//
// The platform dials the bridge at /media/{callID} once a call's media fork
// is set up; each binary WebSocket message carries one raw PCM16 frame of
// caller audio, and frames written by the bridge flow back the same way.
// The [Server] matches incoming connections to the call session waiting on
// [Server.Claim] for that call ID.
package mediaws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/telephony"
)

// Config holds the media server's stream parameters.
type Config struct {
	// Format is the PCM format the platform sends and expects
	// (e.g., 16000Hz mono slin16).
	Format audio.Format

	// FrameBuffer is the inbound frame channel depth per connection.
	// Default 64.
	FrameBuffer int

	// SendTimeout bounds a single outbound write. Default 2s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	return c
}

// Server accepts external-media WebSocket connections and hands each off to
// the claimant registered for its call ID. Safe for concurrent use.
type Server struct {
	cfg Config

	mu      sync.Mutex
	waiters map[string]waiter
}

// waiter is one outstanding claim: the handoff channel plus the claim's
// context, so the handler can tell when the claimant has given up.
type waiter struct {
	ch  chan telephony.Endpoint
	ctx context.Context
}

// NewServer creates a media server with cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		waiters: make(map[string]waiter),
	}
}

// Claim blocks until the platform attaches media for callID, then returns
// the live endpoint. Only one claim per call ID may be outstanding; a second
// concurrent claim returns an error. The claim is released when ctx is done.
func (s *Server) Claim(ctx context.Context, callID string) (telephony.Endpoint, error) {
	ch := make(chan telephony.Endpoint, 1)

	s.mu.Lock()
	if _, dup := s.waiters[callID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("mediaws: media for call %q already claimed", callID)
	}
	s.waiters[callID] = waiter{ch: ch, ctx: ctx}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, callID)
		s.mu.Unlock()
	}()

	select {
	case ep := <-ch:
		return ep, nil
	case <-ctx.Done():
		// The handler may have bound a connection in the same instant the
		// claim expired; close it rather than leave the stream orphaned.
		select {
		case ep := <-ch:
			_ = ep.Close()
		default:
		}
		return nil, fmt.Errorf("mediaws: waiting for media attach on call %q: %w", callID, ctx.Err())
	}
}

// ServeHTTP upgrades the request to a WebSocket and binds it to the waiting
// claim. The call ID is the final path segment. Connections for calls with no
// outstanding claim are rejected.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := lastPathSegment(r.URL.Path)
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	wt, ok := s.waiters[callID]
	if ok {
		delete(s.waiters, callID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Warn("mediaws: media attach for unknown call", "call_id", callID)
		ws.Close(websocket.StatusPolicyViolation, "no session waiting for this call")
		return
	}

	conn := newConn(ws, callID, s.cfg)
	select {
	case wt.ch <- conn:
	case <-wt.ctx.Done():
		// The claimant gave up while the connection was being set up.
		slog.Warn("mediaws: claim abandoned before media attached", "call_id", callID)
		_ = conn.Close()
		return
	}
	if wt.ctx.Err() != nil {
		// The claim expired in the same instant as the handoff. Exactly one
		// side reclaims the connection: whoever wins this receive closes it.
		select {
		case ep := <-wt.ch:
			_ = ep.Close()
			return
		default:
		}
	}
	slog.Debug("mediaws: media attached", "call_id", callID, "conn_id", conn.id)

	// Keep the handler alive until the stream ends so the hijacked connection
	// stays within the server's accounting.
	<-conn.done
}

// lastPathSegment extracts the call ID from a /media/{callID} request path.
func lastPathSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// conn is one attached external-media stream.
type conn struct {
	id     string
	callID string
	ws     *websocket.Conn
	cfg    Config

	frames chan audio.Frame
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closed    bool
	elapsed   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ telephony.Endpoint = (*conn)(nil)

func newConn(ws *websocket.Conn, callID string, cfg Config) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		callID: callID,
		ws:     ws,
		cfg:    cfg,
		frames: make(chan audio.Frame, cfg.FrameBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.readLoop()
	return c
}

// readLoop turns binary WebSocket messages into inbound frames. It owns the
// frames channel and closes it on exit.
func (c *conn) readLoop() {
	defer close(c.frames)
	defer close(c.done)

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			if !c.closed && c.ctx.Err() == nil {
				c.err = fmt.Errorf("%w: %v", telephony.ErrMediaLost, err)
			}
			c.mu.Unlock()
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}

		frame := audio.Frame{
			Data:       data,
			SampleRate: c.cfg.Format.SampleRate,
			Channels:   c.cfg.Format.Channels,
			Direction:  audio.CallerToAI,
			Timestamp:  c.timestamp(),
		}
		c.advance(frame.Duration())

		select {
		case c.frames <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) timestamp() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *conn) advance(d time.Duration) {
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}

// Frames returns the inbound caller-audio channel.
func (c *conn) Frames() <-chan audio.Frame { return c.frames }

// Send writes one caller-bound frame as a binary message. Write failures are
// fatal for the stream and reported as [telephony.ErrMediaLost].
func (c *conn) Send(frame audio.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return telephony.ErrMediaLost
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageBinary, frame.Data); err != nil {
		c.mu.Lock()
		if c.err == nil && !c.closed {
			c.err = fmt.Errorf("%w: write: %v", telephony.ErrMediaLost, err)
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: write: %v", telephony.ErrMediaLost, err)
	}
	return nil
}

// Err returns the terminal stream error, if any.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears down the stream. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
