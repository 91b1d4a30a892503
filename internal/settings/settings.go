// Package settings loads the service-wide agent settings kept as reserved
// project configs and composes the per-call prompts built from them.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/voicerelay/internal/database/models"
	"github.com/flowpbx/voicerelay/internal/openai"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

// Reserved project ids holding service-wide settings.
const (
	InboundProjectID          int64 = 9999999900
	OutboundProjectID         int64 = 9999999901
	SessionConfigProjectID    int64 = 9999999902
	CompletionConfigProjectID int64 = 9999999903
)

// ErrInvalidProjectID is returned for project ids that are not integers.
var ErrInvalidProjectID = errors.New("invalid project id")

// DefaultInboundGreeting is spoken to inbound callers before the stream
// connects.
const DefaultInboundGreeting = "Please wait while we connect your call to the A. I. voice assistant"

// ProjectSource reads stored project configs. GetByID returns nil, nil for
// unknown ids.
type ProjectSource interface {
	GetByID(ctx context.Context, id int64) (*models.ProjectConfig, error)
}

// outboundCustom is the custom JSON of the outbound global project.
type outboundCustom struct {
	Voice          *twilio.VoiceSettings `json:"TWILIO_VOICE_SETTINGS"`
	CloseCallDelay *float64              `json:"WAITTIME_BEFORE_CALL_function_call_closethecall"`
}

// Settings is the loaded service-wide configuration.
type Settings struct {
	SystemMessage       string
	InboundPrompt       string
	InboundGreeting     string
	Voice               twilio.VoiceSettings
	InboundVoice        twilio.VoiceSettings
	CloseCallDelay      time.Duration
	SessionTemplate     json.RawMessage
	ExtractInstructions string
	ResponseFormat      json.RawMessage

	projects ProjectSource
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// Load reads the reserved projects from src. Missing projects fall back to
// built-in defaults; a store error aborts loading.
func Load(ctx context.Context, src ProjectSource, loc *time.Location, logger *slog.Logger) (*Settings, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Settings{
		InboundGreeting:     DefaultInboundGreeting,
		Voice:               twilio.DefaultVoiceSettings,
		InboundVoice:        twilio.DefaultVoiceSettings,
		SessionTemplate:     openai.DefaultSessionTemplate(),
		ExtractInstructions: DefaultExtractInstructions,
		ResponseFormat:      DefaultResponseFormat(),
		projects:            src,
		loc:                 loc,
		now:                 time.Now,
		logger:              logger.With("subsystem", "settings"),
	}

	outbound, err := src.GetByID(ctx, OutboundProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading outbound project: %w", err)
	}
	if outbound != nil {
		s.SystemMessage = outbound.Prompts
		if len(outbound.CustomSettings) > 0 {
			var custom outboundCustom
			if err := json.Unmarshal(outbound.CustomSettings, &custom); err != nil {
				return nil, fmt.Errorf("decoding outbound project settings: %w", err)
			}
			if custom.Voice != nil {
				s.Voice = *custom.Voice
			}
			if custom.CloseCallDelay != nil && *custom.CloseCallDelay > 0 {
				s.CloseCallDelay = time.Duration(*custom.CloseCallDelay * float64(time.Second))
			}
		}
	} else {
		s.logger.Warn("outbound project not configured, using defaults", "project_id", OutboundProjectID)
	}

	inbound, err := src.GetByID(ctx, InboundProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading inbound project: %w", err)
	}
	if inbound != nil {
		s.InboundPrompt = inbound.Prompts
	}

	sessionCfg, err := src.GetByID(ctx, SessionConfigProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading session config project: %w", err)
	}
	if sessionCfg != nil && len(sessionCfg.CustomSettings) > 0 {
		if _, err := openai.SessionUpdate(sessionCfg.CustomSettings, ""); err != nil {
			return nil, fmt.Errorf("session config project: %w", err)
		}
		s.SessionTemplate = sessionCfg.CustomSettings
	}

	completion, err := src.GetByID(ctx, CompletionConfigProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading completion config project: %w", err)
	}
	if completion != nil {
		if completion.Prompts != "" {
			s.ExtractInstructions = completion.Prompts
		}
		if format := unwrapResponseFormat(completion.CustomSettings); len(format) > 0 {
			s.ResponseFormat = format
		}
	}

	s.logger.Info("settings loaded",
		"system_message_chars", len([]rune(s.SystemMessage)),
		"voice", s.Voice.Voice,
		"language", s.Voice.Language,
		"close_call_delay", s.CloseCallDelay,
	)
	return s, nil
}

// unwrapResponseFormat descends through objects whose only key is
// "response_format" and returns the innermost value.
func unwrapResponseFormat(raw json.RawMessage) json.RawMessage {
	for len(raw) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil
		}
		inner, ok := obj["response_format"]
		if !ok {
			return raw
		}
		raw = inner
	}
	return nil
}

// ProjectPrompt returns the prompt of a caller-supplied project id. Unknown
// projects yield an empty prompt.
func (s *Settings) ProjectPrompt(ctx context.Context, projectID string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(projectID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}
	p, err := s.projects.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading project %d: %w", id, err)
	}
	if p == nil {
		s.logger.Warn("project not found, calling without project prompt", "project_id", id)
		return "", nil
	}
	return p.Prompts, nil
}

// Location returns the timezone used for date facts.
func (s *Settings) Location() *time.Location {
	return s.loc
}

// Instructions composes the agent instructions for a call.
func (s *Settings) Instructions(projectPrompt string) string {
	return s.SystemMessage + "\n" + projectPrompt + "\n" + DateFact(s.now().In(s.loc))
}

// SessionUpdate renders the session.update event that opens a call's
// realtime session.
func (s *Settings) SessionUpdate(projectPrompt string) ([]byte, error) {
	return openai.SessionUpdate(s.SessionTemplate, s.Instructions(projectPrompt))
}

// ExtractionPrompt returns the system prompt and response format for
// transcript extraction.
func (s *Settings) ExtractionPrompt() (system string, format json.RawMessage) {
	return s.ExtractInstructions + "\n" + DateFact(s.now().In(s.loc)), s.ResponseFormat
}

// RequiredFields lists the fields the response format marks as required.
func (s *Settings) RequiredFields() []string {
	return RequiredFields(s.ResponseFormat)
}

var weekdayNames = [...]string{"日", "一", "二", "三", "四", "五", "六"}

// DateFact states today's date so the agent can reason about bookings.
func DateFact(t time.Time) string {
	return fmt.Sprintf("[今日日期]\n今天是 %d 年 %d 月 %d 日，星期%s",
		t.Year(), int(t.Month()), t.Day(), weekdayNames[t.Weekday()])
}
