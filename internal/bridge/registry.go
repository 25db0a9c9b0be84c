package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
)

// SessionInfo is a point-in-time view of one live session, exposed for
// health and metrics reporting.
type SessionInfo struct {
	CallID           string    `json:"call_id"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	FramesCallerToAI uint64    `json:"frames_caller_to_ai"`
	FramesAIToCaller uint64    `json:"frames_ai_to_caller"`
}

// Registry owns the process-wide map of live call sessions. It is the only
// cross-session shared state; the lock guards nothing but the brief map
// insert, remove, and lookup — never an audio relay operation.
type Registry struct {
	metrics  *observe.Metrics
	maxCalls int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. maxCalls caps concurrent sessions;
// zero means unlimited.
func NewRegistry(metrics *observe.Metrics, maxCalls int) *Registry {
	return &Registry{
		metrics:  metrics,
		maxCalls: maxCalls,
		sessions: make(map[string]*Session),
	}
}

// Create makes a new session for callID in AwaitingMedia state. Returns
// [ErrDuplicateCall] when a session for the ID already exists and
// [ErrTooManyCalls] when the concurrent call cap is reached.
//
// The registry entry is removed automatically once the session reaches
// Ended — after its final metrics are recorded, so a snapshot never shows a
// session whose telemetry is incomplete.
func (r *Registry) Create(callID string, cfg Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return nil, ErrDuplicateCall
	}
	if r.maxCalls > 0 && len(r.sessions) >= r.maxCalls {
		return nil, ErrTooManyCalls
	}

	s := newSession(callID, cfg)
	s.onEnded = r.remove
	r.sessions[callID] = s
	r.metrics.ActiveCalls.Add(context.Background(), 1)

	slog.Info("session created", "call_id", callID, "active", len(r.sessions))
	return s, nil
}

// Get returns the live session for callID, if any.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Terminate requests teardown of the session for callID. Returns
// [ErrUnknownCall] when no live session exists for the ID.
func (r *Registry) Terminate(callID string, reason Reason) error {
	s, ok := r.Get(callID)
	if !ok {
		return ErrUnknownCall
	}
	s.Terminate(reason)
	return nil
}

// Snapshot returns a point-in-time view of all live sessions, sorted by call
// ID for stable output.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		callerFrames, aiFrames := s.Frames()
		infos = append(infos, SessionInfo{
			CallID:           s.CallID(),
			State:            s.State().String(),
			StartedAt:        s.StartedAt(),
			FramesCallerToAI: callerFrames,
			FramesAIToCaller: aiFrames,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CallID < infos[j].CallID })
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DrainAll terminates every live session and waits for each to finish or for
// ctx to expire, whichever comes first. Used during graceful shutdown.
func (r *Registry) DrainAll(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Terminate(ReasonCallEnded)
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached with sessions still draining",
				"remaining", r.Len())
			return
		}
	}
}

// remove deletes the entry for a finished session. Installed as the session's
// onEnded callback, so it runs only after the session recorded its final
// metrics.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.CallID())
	remaining := len(r.sessions)
	r.mu.Unlock()

	r.metrics.ActiveCalls.Add(context.Background(), -1)
	slog.Debug("session removed", "call_id", s.CallID(), "active", remaining)
}
