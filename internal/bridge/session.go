package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/realtime"
	"github.com/voxgate/voxgate/pkg/telephony"
	"github.com/voxgate/voxgate/pkg/vad"
)

// Metric attribute values for the two relay directions.
const (
	dirCallerToAI = "caller_to_ai"
	dirAIToCaller = "ai_to_caller"
)

// defaultTeardownTimeout bounds the close of both legs during teardown when
// the config leaves it unset.
const defaultTeardownTimeout = 5 * time.Second

// Config carries everything a [Session] needs beyond its call ID. It is
// assembled once at startup and shared (by value) across sessions.
type Config struct {
	// Provider opens AI realtime sessions.
	Provider realtime.Provider

	// AISession is the session configuration passed to Provider.Connect.
	AISession realtime.SessionConfig

	// TelephonyFormat is the PCM format of the telephony leg.
	TelephonyFormat audio.Format

	// AIFormat is the PCM format the AI provider consumes and produces.
	AIFormat audio.Format

	// AIChunkBytes batches caller audio into chunks of this size (in the AI
	// format) before each SendAudio call. Zero sends frames as they convert.
	AIChunkBytes int

	// TelephonyFrameBytes re-chunks AI audio into frames of this size (in the
	// telephony format) before writing to the endpoint. Zero passes deltas
	// through as they convert.
	TelephonyFrameBytes int

	// VAD tunes the caller-side speech detector that drives barge-in.
	VAD vad.Config

	// MaxCallDuration force-terminates the call when exceeded. Zero disables
	// the cap.
	MaxCallDuration time.Duration

	// TeardownTimeout bounds the close of both legs during teardown.
	TeardownTimeout time.Duration

	// ConnectRetry governs AI session establishment.
	ConnectRetry resilience.RetryPolicy

	// Metrics receives session telemetry. Must not be nil.
	Metrics *observe.Metrics
}

// ctrlKind discriminates control-loop messages.
type ctrlKind int

const (
	ctrlCallerSpeechStarted ctrlKind = iota
	ctrlCallerSpeechEnded
	ctrlAIResponseStarted
	ctrlAIResponseDone
)

// ctrlMsg is an internal event routed to the control loop. The forwarding
// loops communicate with the state machine exclusively through these
// messages; no session state is shared between goroutines.
type ctrlMsg struct {
	kind       ctrlKind
	responseID string

	// allowed receives the control loop's verdict for ctrlAIResponseStarted:
	// true to relay the response, false when the caller holds the floor and
	// the response was cancelled.
	allowed chan bool
}

// Session bridges one call between the telephony platform and the AI
// provider. Create it via [Registry.Create]; it becomes live when the
// platform's media stream is handed to [Session.Attach].
type Session struct {
	callID    string
	cfg       Config
	startedAt time.Time
	log       *slog.Logger

	// state mirrors the control loop's current state for outside observers
	// (registry snapshots). The control loop is the only writer after attach.
	state atomic.Int32

	// discardID holds the response ID whose audio deltas must be dropped
	// after a barge-in cancellation. Read on the AI→caller hot path, written
	// only by the control loop.
	discardID atomic.Value // string

	// Relay counters, incremented by the forwarding loops.
	framesCaller atomic.Uint64
	framesAI     atomic.Uint64

	ctrl      chan ctrlMsg
	terminate chan Reason
	done      chan struct{}

	// endReason records why the session ended; set exactly once.
	endOnce   sync.Once
	endReason Reason
	endErr    error

	// onEnded is invoked after the session reaches StateEnded and final
	// metrics are recorded. Set by the registry before attach.
	onEnded func(*Session)

	mu       sync.Mutex
	attached bool
	// terminated marks that teardown was requested; set under mu so Attach
	// and Terminate agree on who finishes the session when they race.
	terminated bool
	ended      bool
	endpoint   telephony.Endpoint
	ai         realtime.SessionHandle
	cancel     context.CancelFunc
}

// newSession is used by the registry; sessions always start in AwaitingMedia.
func newSession(callID string, cfg Config) *Session {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	s := &Session{
		callID:    callID,
		cfg:       cfg,
		startedAt: time.Now(),
		log:       slog.With("call_id", callID),
		ctrl:      make(chan ctrlMsg, 16),
		terminate: make(chan Reason, 1),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateAwaitingMedia))
	s.discardID.Store("")
	return s
}

// CallID returns the telephony platform's identifier for this call.
func (s *Session) CallID() string { return s.callID }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done returns a channel closed once the session reaches StateEnded.
func (s *Session) Done() <-chan struct{} { return s.done }

// Frames reports how many frames have been relayed in each direction.
func (s *Session) Frames() (callerToAI, aiToCaller uint64) {
	return s.framesCaller.Load(), s.framesAI.Load()
}

// EndReason reports why the session ended. Valid only after Done is closed.
func (s *Session) EndReason() Reason { return s.endReason }

// Attach hands the platform's media endpoint to the session, opens the AI
// session, and starts the relay loops. It returns once the session is live
// (or has failed to become live); the relay itself runs in the background
// until teardown.
//
// If the AI session cannot be established the session tears itself down with
// [ReasonSessionUnavailable] and the connect error is returned.
func (s *Session) Attach(ctx context.Context, ep telephony.Endpoint) error {
	s.mu.Lock()
	if s.ended || s.terminated {
		s.mu.Unlock()
		_ = ep.Close()
		return ErrSessionEnded
	}
	if s.attached {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.attached = true
	s.endpoint = ep
	s.mu.Unlock()

	// Open the AI leg with bounded retries. A failure here is fatal for the
	// call: the caller would otherwise sit on a silent line.
	var ai realtime.SessionHandle
	policy := s.cfg.ConnectRetry
	if policy.Name == "" {
		policy.Name = "ai-connect"
	}
	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		var connectErr error
		ai, connectErr = s.cfg.Provider.Connect(ctx, s.cfg.AISession)
		return connectErr
	})
	if err != nil {
		s.log.Error("AI session connect failed", "error", err)
		s.setEnd(ReasonSessionUnavailable, err)
		_ = ep.Close()
		s.finalize()
		return fmt.Errorf("bridge: open AI session for call %s: %w: %w",
			s.callID, realtime.ErrSessionUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.terminated {
		// Terminate raced the connect; it queued a reason but could not
		// cancel anything yet, so the session is finished here.
		s.mu.Unlock()
		cancel()
		_ = ai.Close()
		reason := ReasonCallEnded
		select {
		case r := <-s.terminate:
			reason = r
		default:
		}
		s.setEnd(reason, nil)
		s.finalize()
		return ErrSessionEnded
	}
	s.ai = ai
	s.cancel = cancel
	s.mu.Unlock()

	s.state.Store(int32(StateActive))
	s.log.Info("call bridged",
		"telephony_format", s.cfg.TelephonyFormat,
		"ai_format", s.cfg.AIFormat)

	go s.run(runCtx)
	return nil
}

// Terminate requests teardown with the given reason. It is safe to call at
// any point in the lifecycle and is idempotent; the first reason wins.
func (s *Session) Terminate(reason Reason) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	attached := s.attached
	cancel := s.cancel
	s.mu.Unlock()

	if !attached {
		// No loops are running yet and terminated blocks a later Attach;
		// finish directly.
		s.setEnd(reason, nil)
		s.finalize()
		return
	}

	select {
	case s.terminate <- reason:
	default:
		// A termination request is already queued.
	}
	if cancel != nil {
		// Wake the loops; the control loop picks the queued reason over the
		// generic cancellation. A nil cancel means Attach is still mid
		// connect; it checks terminated before starting the loops.
		cancel()
	}
}

// setEnd records the end reason exactly once.
func (s *Session) setEnd(reason Reason, err error) {
	s.endOnce.Do(func() {
		s.endReason = reason
		s.endErr = err
		s.state.Store(int32(StateEnding))
	})
}

// run supervises the three session goroutines and performs teardown once they
// all stop. A single cancellation fans out to all of them.
func (s *Session) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.controlLoop(ctx) })
	g.Go(func() error { return s.callerLoop(ctx) })
	g.Go(func() error { return s.aiLoop(ctx) })
	_ = g.Wait()

	// If the loops stopped without anyone recording a reason (plain context
	// cancellation), treat it as an administrative call end.
	s.setEnd(ReasonCallEnded, nil)
	s.finalize()
}

// fatal records the end reason and cancels the goroutine group. Called from
// any loop; the first caller wins.
func (s *Session) fatal(reason Reason, err error) {
	s.setEnd(reason, err)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finalize closes both legs (bounded by the teardown timeout), records final
// metrics, and marks the session Ended. Idempotent.
func (s *Session) finalize() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	ep, ai := s.endpoint, s.ai
	s.mu.Unlock()

	// Close both legs concurrently; a hung close must not block teardown
	// beyond the timeout.
	var wg sync.WaitGroup
	if ep != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ep.Close(); err != nil {
				s.log.Debug("telephony close", "error", err)
			}
			// Closing ends the inbound stream; discard whatever was still
			// buffered so the endpoint's reader is released.
			audio.Drain(ep.Frames())
		}()
	}
	if ai != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ai.Close(); err != nil {
				s.log.Debug("AI session close", "error", err)
			}
		}()
	}
	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(s.cfg.TeardownTimeout):
		s.log.Warn("teardown timed out; abandoning connection close")
	}

	lifetime := time.Since(s.startedAt)
	reason := s.endReason
	s.cfg.Metrics.RecordSessionEnd(context.Background(), lifetime, string(reason))

	s.state.Store(int32(StateEnded))
	logArgs := []any{"reason", string(reason), "duration", lifetime}
	if s.endErr != nil {
		logArgs = append(logArgs, "error", s.endErr)
		s.log.Warn("call ended", logArgs...)
	} else {
		s.log.Info("call ended", logArgs...)
	}

	// Remove the registry entry before signalling Done, so a waiter that
	// observes Done never sees a stale entry.
	if s.onEnded != nil {
		s.onEnded(s)
	}
	close(s.done)
}

// ── Control loop ──────────────────────────────────────────────────────────────

// controlLoop owns the state machine. It is the only goroutine that applies
// state transitions after attach, which makes transition logic trivially
// race-free: simultaneous caller and AI speech onsets serialise through the
// ctrl channel, and the caller's event always takes precedence by the state
// check below.
func (s *Session) controlLoop(ctx context.Context) error {
	var maxDur <-chan time.Time
	if s.cfg.MaxCallDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxCallDuration)
		defer timer.Stop()
		maxDur = timer.C
	}

	// currentResponse is the AI response being relayed while AISpeaking.
	var currentResponse string

	for {
		select {
		case <-ctx.Done():
			// A queued Terminate reason, if any, beats the generic cancel.
			select {
			case reason := <-s.terminate:
				s.setEnd(reason, nil)
			default:
			}
			return ctx.Err()

		case reason := <-s.terminate:
			s.fatal(reason, nil)
			return nil

		case <-maxDur:
			s.log.Warn("call exceeded maximum duration", "max", s.cfg.MaxCallDuration)
			s.fatal(ReasonMaxDuration, nil)
			return nil

		case msg := <-s.ctrl:
			switch msg.kind {
			case ctrlCallerSpeechStarted:
				if s.State() == StateAISpeaking {
					// Barge-in: the caller interrupts the AI mid-response.
					s.bargeIn(ctx, currentResponse)
					currentResponse = ""
				}
				s.state.Store(int32(StateCallerSpeaking))

			case ctrlCallerSpeechEnded:
				if s.State() == StateCallerSpeaking {
					s.state.Store(int32(StateIdle))
				}

			case ctrlAIResponseStarted:
				if s.State() == StateCallerSpeaking {
					// The caller holds the floor: cancel the new response
					// instead of speaking over them.
					s.bargeIn(ctx, msg.responseID)
					msg.allowed <- false
					break
				}
				currentResponse = msg.responseID
				s.state.Store(int32(StateAISpeaking))
				msg.allowed <- true

			case ctrlAIResponseDone:
				if s.discardID.Load() == msg.responseID {
					s.discardID.Store("")
				}
				if msg.responseID == currentResponse {
					currentResponse = ""
					if s.State() == StateAISpeaking {
						s.state.Store(int32(StateIdle))
					}
				}
			}
		}
	}
}

// bargeIn cancels responseID upstream and marks its remaining audio for
// discard. The control loop's single-writer discipline guarantees exactly one
// CancelResponse per interrupted response.
func (s *Session) bargeIn(ctx context.Context, responseID string) {
	s.discardID.Store(responseID)
	s.mu.Lock()
	ai := s.ai
	s.mu.Unlock()
	if err := ai.CancelResponse(); err != nil {
		s.log.Warn("cancel response", "error", err)
	}
	s.cfg.Metrics.RecordBargeIn(ctx)
	s.log.Debug("barge-in", "response_id", responseID)
}

// sendCtrl delivers msg to the control loop unless the session is stopping.
func (s *Session) sendCtrl(ctx context.Context, msg ctrlMsg) bool {
	select {
	case s.ctrl <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// ── Caller → AI loop ─────────────────────────────────────────────────────────

// callerLoop reads caller frames from the telephony endpoint, runs the local
// VAD synchronously on each frame, and relays converted audio upstream in
// strict arrival order.
func (s *Session) callerLoop(ctx context.Context) error {
	trans, err := audio.NewTranscoder(s.cfg.TelephonyFormat, s.cfg.AIFormat, s.cfg.AIChunkBytes, audio.CallerToAI)
	if err != nil {
		s.fatal(ReasonSessionUnavailable, err)
		return err
	}
	det := vad.New(s.cfg.VAD)

	s.mu.Lock()
	ep, ai := s.endpoint, s.ai
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-ep.Frames():
			if !ok {
				// Flush the detector so a stream that dies mid-utterance
				// still reports the speech segment as ended.
				if ev, fired := det.Finish(); fired && ev.Type == vad.SpeechEnded {
					s.sendCtrl(ctx, ctrlMsg{kind: ctrlCallerSpeechEnded})
				}
				if err := ep.Err(); err != nil {
					s.fatal(ReasonMediaLost, err)
				} else {
					s.fatal(ReasonCallEnded, nil)
				}
				return nil
			}
			if ctx.Err() != nil {
				// Teardown began while this frame was in flight; Ending
				// means nothing more is forwarded.
				return nil
			}
			start := time.Now()

			if ev, fired := det.Ingest(frame); fired {
				kind := ctrlCallerSpeechStarted
				if ev.Type == vad.SpeechEnded {
					kind = ctrlCallerSpeechEnded
				}
				if !s.sendCtrl(ctx, ctrlMsg{kind: kind}) {
					return nil
				}
			}

			chunks, err := trans.Process(frame)
			if err != nil {
				var fe *audio.FormatError
				if errors.As(err, &fe) {
					// A single bad frame is not worth ending the call over.
					s.log.Warn("dropping malformed caller frame", "error", err)
					s.cfg.Metrics.RecordDroppedFrame(ctx, dirCallerToAI, "format_error")
					continue
				}
				s.fatal(ReasonMediaLost, err)
				return nil
			}
			for _, chunk := range chunks {
				if err := ai.SendAudio(chunk.Data); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.fatal(ReasonAIDisconnected, err)
					return nil
				}
			}
			if len(chunks) > 0 {
				s.framesCaller.Add(uint64(len(chunks)))
				s.cfg.Metrics.RecordFrame(ctx, dirCallerToAI, time.Since(start))
			}
		}
	}
}

// ── AI → caller loop ─────────────────────────────────────────────────────────

// aiLoop reads provider events, relays audio deltas to the caller in strict
// arrival order, and routes turn markers to the control loop. Deltas of a
// cancelled response are discarded until the next response begins.
func (s *Session) aiLoop(ctx context.Context) error {
	trans, err := audio.NewTranscoder(s.cfg.AIFormat, s.cfg.TelephonyFormat, s.cfg.TelephonyFrameBytes, audio.AIToCaller)
	if err != nil {
		s.fatal(ReasonSessionUnavailable, err)
		return err
	}

	s.mu.Lock()
	ep, ai := s.endpoint, s.ai
	s.mu.Unlock()

	// lastResponse tracks the response whose deltas are currently arriving,
	// so the first delta of each new response is announced to the control
	// loop before any of its audio is forwarded.
	var lastResponse string
	// suppressed is the response the control loop refused (caller had the
	// floor); its deltas are dropped without further announcements.
	var suppressed string

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-ai.Events():
			if !ok {
				s.fatal(ReasonAIDisconnected, nil)
				return nil
			}
			if ctx.Err() != nil {
				// Teardown began while this event was in flight; Ending
				// means nothing more is forwarded.
				return nil
			}

			switch ev.Type {
			case realtime.AudioDelta:
				if ev.ResponseID == suppressed {
					s.cfg.Metrics.RecordDroppedFrame(ctx, dirAIToCaller, "cancelled_response")
					continue
				}
				if ev.ResponseID != lastResponse {
					lastResponse = ev.ResponseID
					trans.Reset()
					allowed := make(chan bool, 1)
					if !s.sendCtrl(ctx, ctrlMsg{kind: ctrlAIResponseStarted, responseID: ev.ResponseID, allowed: allowed}) {
						return nil
					}
					select {
					case ok := <-allowed:
						if !ok {
							suppressed = ev.ResponseID
							s.cfg.Metrics.RecordDroppedFrame(ctx, dirAIToCaller, "cancelled_response")
							continue
						}
					case <-ctx.Done():
						return nil
					}
				}
				if s.discardID.Load() == ev.ResponseID {
					s.cfg.Metrics.RecordDroppedFrame(ctx, dirAIToCaller, "cancelled_response")
					continue
				}

				start := time.Now()
				frame := audio.Frame{
					Data:       ev.Audio,
					SampleRate: s.cfg.AIFormat.SampleRate,
					Channels:   s.cfg.AIFormat.Channels,
					Direction:  audio.AIToCaller,
				}
				frames, err := trans.Process(frame)
				if err != nil {
					var fe *audio.FormatError
					if errors.As(err, &fe) {
						s.log.Warn("dropping malformed AI delta", "error", err)
						s.cfg.Metrics.RecordDroppedFrame(ctx, dirAIToCaller, "format_error")
						continue
					}
					s.fatal(ReasonAIDisconnected, err)
					return nil
				}
				if !s.writeFrames(ctx, ep, frames) {
					return nil
				}
				if len(frames) > 0 {
					s.framesAI.Add(uint64(len(frames)))
					s.cfg.Metrics.RecordFrame(ctx, dirAIToCaller, time.Since(start))
				}

			case realtime.ResponseDone:
				// Flush the residual tail of the finished response unless it
				// was cancelled.
				if ev.ResponseID != suppressed && s.discardID.Load() != ev.ResponseID {
					if tail, ok := trans.Flush(); ok {
						if !s.writeFrames(ctx, ep, []audio.Frame{tail}) {
							return nil
						}
					}
				} else {
					trans.Reset()
				}
				if ev.ResponseID == suppressed {
					suppressed = ""
				}
				if !s.sendCtrl(ctx, ctrlMsg{kind: ctrlAIResponseDone, responseID: ev.ResponseID}) {
					return nil
				}

			case realtime.Disconnected:
				s.fatal(ReasonAIDisconnected, ev.Err)
				return nil

			case realtime.ErrorEvent:
				// Provider-side errors are non-fatal unless the connection
				// drops; log and keep relaying.
				s.log.Warn("AI provider error", "error", ev.Err)

			case realtime.SessionReady, realtime.SpeechStarted, realtime.SpeechStopped:
				s.log.Debug("provider event", "type", ev.Type.String())
			}
		}
	}
}

// writeFrames sends frames to the telephony endpoint, treating write failure
// as media loss. Returns false when the loop should exit.
func (s *Session) writeFrames(ctx context.Context, ep telephony.Endpoint, frames []audio.Frame) bool {
	for _, f := range frames {
		if err := ep.Send(f); err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.fatal(ReasonMediaLost, err)
			return false
		}
	}
	return true
}
