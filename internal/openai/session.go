// Package openai holds the two OpenAI surfaces the service uses: the
// realtime websocket that voices the agent and the chat completions endpoint
// that extracts structured results from a finished transcript.
package openai

import (
	"encoding/json"
	"fmt"
)

// Client event types sent on the realtime socket.
const (
	EventSessionUpdate     = "session.update"
	EventInputAudioAppend  = "input_audio_buffer.append"
	EventInputAudioCommit  = "input_audio_buffer.commit"
	EventResponseCreate    = "response.create"
	audioFormatG711ULaw    = "g711_ulaw"
	defaultRealtimeVoice   = "alloy"
	defaultTranscribeModel = "whisper-1"
)

// SessionConfig is the session object of a session.update event.
type SessionConfig struct {
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions"`
	Modalities              []string       `json:"modalities,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
}

// TurnDetection configures server side voice activity detection.
type TurnDetection struct {
	Type string `json:"type"`
}

// Transcription enables transcripts of caller audio.
type Transcription struct {
	Model string `json:"model"`
}

// Tool is a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CloseCallTool lets the model end the call once the conversation is done.
func CloseCallTool() Tool {
	return Tool{
		Type:        "function",
		Name:        CloseCallFunction,
		Description: "Hang up the phone call after the conversation has reached its natural end and goodbyes were said.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// DefaultSessionConfig is used when no session template is configured.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TurnDetection:           &TurnDetection{Type: "server_vad"},
		InputAudioFormat:        audioFormatG711ULaw,
		OutputAudioFormat:       audioFormatG711ULaw,
		InputAudioTranscription: &Transcription{Model: defaultTranscribeModel},
		Voice:                   defaultRealtimeVoice,
		Modalities:              []string{"text", "audio"},
		Temperature:             0.8,
		Tools:                   []Tool{CloseCallTool()},
		ToolChoice:              "auto",
	}
}

// DefaultSessionTemplate returns DefaultSessionConfig wrapped as a
// session.update event.
func DefaultSessionTemplate() json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"type":    EventSessionUpdate,
		"session": DefaultSessionConfig(),
	})
	return data
}

// SessionUpdate renders a session.update event from template with the
// given instructions. The template is either a full session.update event or
// a bare session object; unknown session fields pass through untouched.
func SessionUpdate(template json.RawMessage, instructions string) ([]byte, error) {
	if len(template) == 0 {
		template = DefaultSessionTemplate()
	}

	var frame map[string]any
	if err := json.Unmarshal(template, &frame); err != nil {
		return nil, fmt.Errorf("openai: decoding session template: %w", err)
	}
	if frame == nil {
		return nil, fmt.Errorf("openai: session template is not an object")
	}

	session, ok := frame["session"].(map[string]any)
	if !ok {
		if _, typed := frame["type"]; typed {
			return nil, fmt.Errorf("openai: session template has no session object")
		}
		session = frame
		frame = map[string]any{"session": session}
	}
	frame["type"] = EventSessionUpdate
	session["instructions"] = instructions

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("openai: encoding session update: %w", err)
	}
	return data, nil
}

// InputAudioAppend wraps base64 caller audio for the realtime input buffer.
func InputAudioAppend(audio string) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{EventInputAudioAppend, audio})
}
