// Package session keeps the in-memory bookkeeping that ties a media stream
// session to the call it belongs to.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id has no call bound to
	// it yet, or the call has already been finalized.
	ErrSessionNotFound = errors.New("session not ready")

	// ErrRecordExists is returned when a call record is stored twice.
	ErrRecordExists = errors.New("call record already exists")

	// ErrSessionBound is returned when a session id is rebound to a
	// different call.
	ErrSessionBound = errors.New("session already bound to another call")
)

// CallRecord is everything known about one telephony call.
type CallRecord struct {
	CallID          string
	ToNumber        string
	ProjectID       string
	ProjectPrompt   string
	Inbound         bool
	Transcript      []string
	ExtractedFields map[string]string
	CreatedAt       time.Time
}

func (r *CallRecord) clone() CallRecord {
	c := *r
	c.Transcript = slices.Clone(r.Transcript)
	c.ExtractedFields = maps.Clone(r.ExtractedFields)
	return c
}

// Store maps session ids to call ids and call ids to call records. It is
// safe for concurrent use; every accessor returns copies so callers never
// share record memory with the store.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	sessions     map[string]string   // session id -> call id
	callSessions map[string][]string // call id -> session ids
	records      map[string]*CallRecord
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger:       logger.With("subsystem", "session-store"),
		now:          time.Now,
		sessions:     make(map[string]string),
		callSessions: make(map[string][]string),
		records:      make(map[string]*CallRecord),
	}
}

// PutSession binds a session id to a call id. Binding the same pair twice
// is a no-op.
func (s *Store) PutSession(sessionID, callID string) error {
	if sessionID == "" || callID == "" {
		return fmt.Errorf("session and call id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		if existing == callID {
			return nil
		}
		return fmt.Errorf("session %q: %w", sessionID, ErrSessionBound)
	}
	s.sessions[sessionID] = callID
	s.callSessions[callID] = append(s.callSessions[callID], sessionID)
	return nil
}

// CallID resolves the call bound to a session.
func (s *Store) CallID(sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	callID, ok := s.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrSessionNotFound)
	}
	return callID, nil
}

// PutRecord stores a new call record. CreatedAt is filled in when zero.
func (s *Store) PutRecord(rec CallRecord) error {
	if rec.CallID == "" {
		return fmt.Errorf("call id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CallID]; exists {
		return fmt.Errorf("call %q: %w", rec.CallID, ErrRecordExists)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	stored := rec.clone()
	s.records[rec.CallID] = &stored

	s.logger.Debug("call record stored", "call_id", rec.CallID, "project_id", rec.ProjectID)
	return nil
}

// Record returns a copy of the record for callID.
func (s *Store) Record(callID string) (CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[callID]
	if !ok {
		return CallRecord{}, false
	}
	return rec.clone(), true
}

// Update applies fn to the stored record under the store lock and returns
// the resulting copy. It reports false when no record exists.
func (s *Store) Update(callID string, fn func(*CallRecord)) (CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return CallRecord{}, false
	}
	fn(rec)
	rec.CallID = callID
	return rec.clone(), true
}

// RemoveRecord evicts a call record along with every session bound to it.
// Removing an unknown call is a no-op and reports false.
func (s *Store) RemoveRecord(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(callID)
}

func (s *Store) removeLocked(callID string) bool {
	_, ok := s.records[callID]
	delete(s.records, callID)
	for _, sid := range s.callSessions[callID] {
		delete(s.sessions, sid)
	}
	delete(s.callSessions, callID)
	return ok
}

// Counts returns the number of bound sessions and stored records.
func (s *Store) Counts() (sessions, records int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), len(s.records)
}

// CleanExpired evicts records older than maxAge. Records normally leave the
// store once their transcript is processed; this catches calls whose media
// stream never produced one.
func (s *Store) CleanExpired(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for callID, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			s.removeLocked(callID)
			removed++
		}
	}
	return removed
}

// StartCleanupTicker periodically evicts stale records until ctx is done.
func StartCleanupTicker(ctx context.Context, store *Store, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := store.CleanExpired(maxAge); removed > 0 {
					store.logger.Warn("evicted stale call records", "removed", removed)
				}
			}
		}
	}()
}
