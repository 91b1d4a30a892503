package api

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/flowpbx/voicerelay/internal/api/middleware"
	"github.com/flowpbx/voicerelay/internal/call"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

// makeCallRequest is the JSON body accepted by POST /makecall.
type makeCallRequest struct {
	ToNumber  string `json:"to_number"`
	ProjectID string `json:"project_id"`
}

// makeCallResponse is returned once the call has been placed.
type makeCallResponse struct {
	Message       string `json:"message"`
	CallSID       string `json:"call_sid"`
	TempSessionID string `json:"temp_session_id"`
}

type callStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
	})
}

// handleMakeCall places an outbound call. GET reads query parameters; POST
// reads a JSON body, or form values when the body is form-encoded.
func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req makeCallRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.ToNumber = q.Get("to_number")
		req.ProjectID = q.Get("project_id")
	} else if isFormRequest(r) {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.ToNumber = r.PostForm.Get("to_number")
		req.ProjectID = r.PostForm.Get("project_id")
	} else if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateParam("to_number", req.ToNumber, maxPhoneLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateParam("project_id", req.ProjectID, maxIDLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	started, err := s.calls.InitiateCall(r.Context(), req.ToNumber, req.ProjectID, s.publicHost(r))
	if err != nil {
		switch {
		case errors.Is(err, call.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, call.ErrUpstreamFailure):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.logger.Error("makecall failed", "error", err)
			writeError(w, http.StatusInternalServerError, "error processing request")
		}
		return
	}

	s.logger.Info("outbound call requested",
		"call_id", started.CallID,
		"session_id", started.SessionID,
		"caller", middleware.CallerSubject(r.Context()),
	)
	writeJSON(w, http.StatusOK, makeCallResponse{
		Message:       "Call initiated successfully.",
		CallSID:       started.CallID,
		TempSessionID: started.SessionID,
	})
}

// handleCallStatus receives Twilio status callbacks. Twilio retries non-2xx
// answers, so it is always answered with 200.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("unreadable status callback", "error", err)
		writeJSON(w, http.StatusOK, callStatusResponse{Status: "error", Message: "invalid form body"})
		return
	}

	cb := twilio.ParseStatusCallback(r.PostForm)
	s.calls.OnStatusCallback(r.Context(), cb)
	writeJSON(w, http.StatusOK, callStatusResponse{Status: "success"})
}

// handleTwiML serves the welcome TwiML fetched when an outbound call is answered.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if errMsg := validateParam("session_id", sessionID, maxIDLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	doc, err := s.calls.WelcomeTwiML(s.publicHost(r), sessionID)
	if err != nil {
		if errors.Is(err, call.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("rendering welcome twiml failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "error rendering twiml")
		return
	}
	writeTwiML(w, doc)
}

// handleIncomingCall answers an inbound call with TwiML bridging it to a
// new media stream.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	doc, err := s.calls.AcceptInbound(r.Form.Get("CallSid"), r.Form.Get("From"), s.publicHost(r))
	if err != nil {
		if errors.Is(err, call.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("accepting inbound call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "error accepting call")
		return
	}
	writeTwiML(w, doc)
}

func isFormRequest(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data"
}
