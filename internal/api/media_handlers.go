package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/voicerelay/internal/session"
)

// handleMediaStream upgrades a Twilio Media Streams connection and relays it
// until the call ends. The relay owns the connection once upgraded.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	logger := s.logger.With("session_id", sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	logger.Info("media stream connected", "remote_addr", r.RemoteAddr)

	if err := s.relays.Serve(r.Context(), sessionID, conn); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			logger.Warn("media stream for unknown session closed")
			return
		}
		logger.Error("media stream relay ended with error", "error", err)
		return
	}
	logger.Info("media stream closed")
}
