// Package call drives the lifecycle of a telephony call: placing outbound
// calls, answering inbound ones, serving the TwiML that bridges audio into
// the relay and reacting to Twilio status callbacks.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/voicerelay/internal/session"
	"github.com/flowpbx/voicerelay/internal/settings"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

var (
	// ErrInvalidArgument marks caller mistakes: missing or malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUpstreamFailure marks failures of Twilio or the project store.
	ErrUpstreamFailure = errors.New("upstream failure")
)

const (
	placeCallTimeout    = 30 * time.Second
	notifyStatusTimeout = 30 * time.Second
)

// Placer places outbound calls.
type Placer interface {
	PlaceCall(ctx context.Context, req twilio.CallRequest) (string, error)
}

// ProjectResolver looks up the prompt of a project.
type ProjectResolver interface {
	ProjectPrompt(ctx context.Context, projectID string) (string, error)
}

// StatusNotifier reports call status changes downstream.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, callID, status string, at time.Time) error
}

// Options are the call parameters taken from loaded settings.
type Options struct {
	CountryCode      string
	Voice            twilio.VoiceSettings
	InboundVoice     twilio.VoiceSettings
	InboundGreeting  string
	InboundPrompt    string
	InboundProjectID string
}

// Initiated identifies a freshly placed call.
type Initiated struct {
	CallID    string
	SessionID string
}

// Service implements the call lifecycle.
type Service struct {
	store    *session.Store
	placer   Placer
	projects ProjectResolver
	notifier StatusNotifier
	opts     Options
	logger   *slog.Logger

	newID func() string
	now   func() time.Time

	wg sync.WaitGroup
}

// NewService creates a call service.
func NewService(store *session.Store, placer Placer, projects ProjectResolver, notifier StatusNotifier, opts Options, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		placer:   placer,
		projects: projects,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With("subsystem", "call"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// InitiateCall places an outbound call to toNumber for projectID. host is
// the public host Twilio uses to reach this service.
func (s *Service) InitiateCall(ctx context.Context, toNumber, projectID, host string) (Initiated, error) {
	if strings.TrimSpace(toNumber) == "" {
		return Initiated{}, fmt.Errorf("%w: to_number is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(projectID) == "" {
		return Initiated{}, fmt.Errorf("%w: project_id is required", ErrInvalidArgument)
	}
	if host == "" {
		return Initiated{}, fmt.Errorf("%w: host is required", ErrInvalidArgument)
	}

	to, err := NormalizeNumber(toNumber, s.opts.CountryCode)
	if err != nil {
		return Initiated{}, err
	}

	prompt, err := s.projects.ProjectPrompt(ctx, projectID)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidProjectID) {
			return Initiated{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return Initiated{}, fmt.Errorf("%w: resolving project: %v", ErrUpstreamFailure, err)
	}

	sessionID := s.newID()
	placeCtx, cancel := context.WithTimeout(ctx, placeCallTimeout)
	defer cancel()

	callID, err := s.placer.PlaceCall(placeCtx, twilio.CallRequest{
		To:                to,
		TwiMLURL:          "https://" + host + "/twiml?session_id=" + sessionID,
		StatusCallbackURL: "https://" + host + "/call-status",
		Voice:             s.opts.Voice,
	})
	if err != nil {
		s.logger.Error("placing call failed", "to", to, "project_id", projectID, "error", err)
		return Initiated{}, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	if callID == "" {
		return Initiated{}, fmt.Errorf("%w: call placed without a call id", ErrUpstreamFailure)
	}

	if err := s.store.PutRecord(session.CallRecord{
		CallID:        callID,
		ToNumber:      to,
		ProjectID:     projectID,
		ProjectPrompt: prompt,
	}); err != nil {
		return Initiated{}, fmt.Errorf("storing call record: %w", err)
	}
	if err := s.store.PutSession(sessionID, callID); err != nil {
		s.store.RemoveRecord(callID)
		return Initiated{}, fmt.Errorf("binding session: %w", err)
	}

	s.logger.Info("call initiated",
		"call_id", callID,
		"session_id", sessionID,
		"to", to,
		"project_id", projectID,
	)
	return Initiated{CallID: callID, SessionID: sessionID}, nil
}

// WelcomeTwiML is served when an outbound call is answered: greet the
// callee then bridge the call into the media stream for sessionID.
func (s *Service) WelcomeTwiML(host, sessionID string) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrInvalidArgument)
	}
	if _, err := s.store.CallID(sessionID); err != nil {
		s.logger.Warn("serving twiml for unknown session", "session_id", sessionID)
	}
	voice := s.opts.Voice
	greeting := voice.WelcomeMessage
	if greeting == "" {
		greeting = twilio.DefaultVoiceSettings.WelcomeMessage
	}
	return twilio.ConnectStream(greeting, voice, twilio.StreamURL(host, sessionID))
}

// AcceptInbound registers an inbound call and returns the TwiML that
// bridges it into a new media stream session.
func (s *Service) AcceptInbound(callSID, from, host string) ([]byte, error) {
	if callSID == "" {
		return nil, fmt.Errorf("%w: CallSid is required", ErrInvalidArgument)
	}

	sessionID := s.newID()
	if err := s.store.PutRecord(session.CallRecord{
		CallID:        callSID,
		ToNumber:      from,
		ProjectID:     s.opts.InboundProjectID,
		ProjectPrompt: s.opts.InboundPrompt,
		Inbound:       true,
	}); err != nil && !errors.Is(err, session.ErrRecordExists) {
		return nil, fmt.Errorf("storing inbound call: %w", err)
	}
	if err := s.store.PutSession(sessionID, callSID); err != nil {
		s.store.RemoveRecord(callSID)
		return nil, fmt.Errorf("binding inbound session: %w", err)
	}

	s.logger.Info("inbound call accepted", "call_id", callSID, "session_id", sessionID, "from", from)
	return twilio.ConnectStream(s.opts.InboundGreeting, s.opts.InboundVoice, twilio.StreamURL(host, sessionID))
}

// OnStatusCallback applies the notification policy to a status callback and,
// when it says so, reports the status downstream in the background. It
// returns whether a notification was dispatched.
func (s *Service) OnStatusCallback(ctx context.Context, cb twilio.StatusCallback) bool {
	logger := s.logger.With("call_id", cb.CallSID, "status", cb.CallStatus)

	switch cb.CallStatus {
	case twilio.StatusAnswered:
		logger.Info("call answered", "answered_by", cb.AnsweredBy)
	case twilio.StatusCompleted:
		logger.Info("call completed", "duration_sec", cb.CallDuration)
	case twilio.StatusBusy, twilio.StatusNoAnswer, twilio.StatusFailed, twilio.StatusCanceled:
		logger.Info("call did not connect", "to", cb.To, "from", cb.From)
		// No media stream will follow, so no transcript will evict the record.
		if s.store.RemoveRecord(cb.CallSID) {
			logger.Debug("evicted record of unconnected call")
		}
	default:
		logger.Debug("call status update")
	}

	if !ShouldNotify(cb.CallStatus, cb.AnsweredBy) {
		return false
	}
	if cb.CallSID == "" {
		logger.Warn("status callback without CallSid, not notifying")
		return false
	}

	at := s.now()
	notifyCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(notifyCtx, notifyStatusTimeout)
		defer cancel()
		if err := s.notifier.NotifyStatus(ctx, cb.CallSID, cb.CallStatus, at); err != nil {
			logger.Error("status webhook failed", "error", err)
		}
	}()
	return true
}

// Wait blocks until background status notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ShouldNotify decides whether a status change is reported downstream:
// calls answered by a machine or fax, and every terminal status.
func ShouldNotify(status, answeredBy string) bool {
	switch status {
	case twilio.StatusAnswered:
		return answeredBy == "fax" || answeredBy == "machine" || strings.HasPrefix(answeredBy, "machine_")
	case twilio.StatusCompleted, twilio.StatusBusy, twilio.StatusNoAnswer, twilio.StatusFailed, twilio.StatusCanceled:
		return true
	default:
		return false
	}
}
