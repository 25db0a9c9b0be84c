// Package gateway consumes the telephony platform's call event feed and
// turns call lifecycle events into bridge sessions.
//
// The platform pushes JSON events over a WebSocket: call.started announces a
// new call (the platform then dials the media endpoint for it), call.ended
// signals hangup. The [Client] maintains the feed connection with bounded
// exponential backoff between reconnect attempts; missing the feed means no
// new calls, so it keeps trying until shut down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/bridge"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/telephony"
)

// Event types pushed by the telephony platform.
const (
	EventCallStarted = "call.started"
	EventCallEnded   = "call.ended"
)

// Event is one message on the platform's call event feed.
type Event struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// MediaClaimer hands out the media endpoint for a call once the platform has
// attached its stream. Implemented by mediaws.Server.
type MediaClaimer interface {
	Claim(ctx context.Context, callID string) (telephony.Endpoint, error)
}

// Config wires a [Client].
type Config struct {
	// URL is the WebSocket endpoint of the event feed.
	URL string

	// Registry receives the sessions created for incoming calls.
	Registry *bridge.Registry

	// Media is claimed for each new call before the session attaches.
	Media MediaClaimer

	// Session is the per-call configuration template.
	Session bridge.Config

	// AttachTimeout bounds how long a new call waits for the platform to
	// attach media. Default: 10s.
	AttachTimeout time.Duration

	// ReconnectBase is the initial backoff after a feed failure.
	// Default: 500ms.
	ReconnectBase time.Duration

	// ReconnectMax caps the backoff. Default: 30s.
	ReconnectMax time.Duration
}

// Client consumes the event feed and drives the session registry.
type Client struct {
	cfg Config
	log *slog.Logger

	// connected tracks whether a feed connection is currently live, for
	// readiness reporting.
	connected atomic.Bool
}

// New creates a Client. Zero-value timing fields get defaults.
func New(cfg Config) *Client {
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		log: slog.With("component", "gateway"),
	}
}

// Connected reports whether the feed connection is currently live.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects to the event feed and processes events until ctx is done,
// reconnecting with bounded exponential backoff after failures. The backoff
// resets after each successful connection.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase

	for {
		err := c.consumeFeed(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("event feed lost; reconnecting", "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// consumeFeed runs one feed connection to completion. It always returns a
// non-nil error describing why the connection ended; the caller decides
// whether to reconnect.
func (c *Client) consumeFeed(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway: dial event feed: %w", err)
	}
	defer conn.CloseNow()
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("event feed connected", "url", c.cfg.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("gateway: read event feed: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("malformed feed event", "error", err)
			continue
		}
		c.handle(ctx, ev)
	}
}

// handle dispatches one feed event.
func (c *Client) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventCallStarted:
		if ev.CallID == "" {
			c.log.Warn("call.started without call_id")
			return
		}
		session, err := c.cfg.Registry.Create(ev.CallID, c.cfg.Session)
		if err != nil {
			c.log.Error("reject incoming call", "call_id", ev.CallID, "error", err)
			return
		}
		// The platform attaches media asynchronously; waiting must not block
		// the feed.
		go c.bringUp(ctx, session)

	case EventCallEnded:
		err := c.cfg.Registry.Terminate(ev.CallID, bridge.ReasonCallEnded)
		if err != nil && !errors.Is(err, bridge.ErrUnknownCall) {
			c.log.Warn("terminate call", "call_id", ev.CallID, "error", err)
		}

	default:
		c.log.Debug("ignoring feed event", "type", ev.Type)
	}
}

// bringUp waits for the platform to attach media for the session's call and
// starts the bridge. A call whose media never arrives is abandoned.
func (c *Client) bringUp(ctx context.Context, session *bridge.Session) {
	ctx, span := observe.StartCallSpan(ctx, "bring_up", session.CallID())
	defer span.End()

	claimCtx, cancel := context.WithTimeout(ctx, c.cfg.AttachTimeout)
	defer cancel()

	ep, err := c.cfg.Media.Claim(claimCtx, session.CallID())
	if err != nil {
		span.RecordError(err)
		c.log.Warn("media never attached", "call_id", session.CallID(), "error", err)
		session.Terminate(bridge.ReasonAttachTimeout)
		return
	}
	if err := session.Attach(ctx, ep); err != nil {
		// Attach already tore the session down and logged the cause.
		span.RecordError(err)
		c.log.Debug("bridge attach failed", "call_id", session.CallID(), "error", err)
	}
}
