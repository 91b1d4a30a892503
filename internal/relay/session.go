package relay

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SessionState is the lifecycle state of a relay session.
type SessionState int

const (
	SessionStateNew     SessionState = iota // both legs connected, loops not started
	SessionStateActive                      // relaying audio
	SessionStateStopped                     // legs closed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateActive:
		return "active"
	case SessionStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the state of one media stream relayed to the AI.
type Session struct {
	ID        string
	CallID    string
	CreatedAt time.Time

	mu           sync.Mutex
	state        SessionState
	streamSID    string
	pendingClose bool
	transcript   strings.Builder

	closeLegs func()
	stopOnce  sync.Once
	done      chan struct{}
}

func newSession(id, callID string, closeLegs func()) *Session {
	return &Session{
		ID:        id,
		CallID:    callID,
		CreatedAt: time.Now(),
		closeLegs: closeLegs,
		done:      make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// StreamSID returns the Media Streams id announced by the start frame, or
// "" before it arrives.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) setStreamSID(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = sid
}

// appendLine adds a finished line to the transcript.
func (s *Session) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.WriteString(line)
}

// Transcript returns the transcript accumulated so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// requestTermination marks the call to be hung up once the current
// response is done.
func (s *Session) requestTermination() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingClose = true
}

// consumeTermination reports whether termination was requested and clears
// the request.
func (s *Session) consumeTermination() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pendingClose
	s.pendingClose = false
	return pending
}

// Stop closes both legs. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.setState(SessionStateStopped)
		if s.closeLegs != nil {
			s.closeLegs()
		}
		close(s.done)
	})
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry tracks the active relay of each call. A call has at most one:
// registering a second relay for the same call stops the first.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byCall map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("subsystem", "relay-registry"),
		byCall: make(map[string]*Session),
	}
}

// Register records sess as the active relay of its call.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	prior := r.byCall[sess.CallID]
	r.byCall[sess.CallID] = sess
	r.mu.Unlock()

	if prior != nil && prior != sess {
		r.logger.Warn("replacing active relay for call",
			"call_id", sess.CallID,
			"prior_session_id", prior.ID,
			"session_id", sess.ID,
		)
		prior.Stop()
	}
}

// Release forgets sess if it is still the active relay of its call.
func (r *Registry) Release(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byCall[sess.CallID] == sess {
		delete(r.byCall, sess.CallID)
	}
}

// Get returns the active relay of a call, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCall[callID]
}

// Count returns the number of active relays.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// StopAll stops every active relay. Used during shutdown.
func (r *Registry) StopAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byCall))
	for _, s := range r.byCall {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Stop()
	}
	r.logger.Info("all relays stopped", "count", len(sessions))
}
