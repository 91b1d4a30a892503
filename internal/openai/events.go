package openai

import (
	"encoding/json"
	"fmt"
)

// Realtime server event types the relay reacts to.
const (
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventAudioDelta                  = "response.audio.delta"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseDone                = "response.done"
	EventConversationItemCreated     = "conversation.item.created"
	EventError                       = "error"
	EventConnectionClosed            = "connection.closed"
)

// CloseCallFunction is the tool the model invokes when it decides the call
// is over.
const CloseCallFunction = "function_call_closethecall"

// Event is a decoded realtime server event.
type Event interface {
	EventType() string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	Session json.RawMessage `json:"session"`
}

// AudioDelta carries a chunk of base64 encoded output audio.
type AudioDelta struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// InputTranscriptionCompleted carries the transcript of a caller utterance.
type InputTranscriptionCompleted struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// ResponseDone marks the end of a model response.
type ResponseDone struct {
	Response Response `json:"response"`
}

// Response is the response object of response.done.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []Item `json:"output"`
}

// Item is a conversation item: a message or a function call.
type Item struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
}

// ContentPart is one part of a message item.
type ContentPart struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
}

// ItemCreated announces a new conversation item.
type ItemCreated struct {
	PreviousItemID string `json:"previous_item_id"`
	Item           Item   `json:"item"`
}

// ErrorEvent reports a server side failure.
type ErrorEvent struct {
	Error APIError `json:"error"`
}

// APIError is the error object carried by error events and HTTP errors.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e APIError) String() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ConnectionClosed signals the realtime session is over.
type ConnectionClosed struct{}

// UnknownEvent is any event type the relay does not act on.
type UnknownEvent struct {
	Type string
}

func (SessionUpdated) EventType() string              { return EventSessionUpdated }
func (AudioDelta) EventType() string                  { return EventAudioDelta }
func (InputTranscriptionCompleted) EventType() string { return EventInputTranscriptionCompleted }
func (ResponseDone) EventType() string                { return EventResponseDone }
func (ItemCreated) EventType() string                 { return EventConversationItemCreated }
func (ErrorEvent) EventType() string                  { return EventError }
func (ConnectionClosed) EventType() string            { return EventConnectionClosed }
func (e UnknownEvent) EventType() string              { return e.Type }

// DecodeEvent parses a realtime server event. Types without a dedicated
// struct decode to UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("openai: decoding event: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("openai: event has no type")
	}

	var ev Event
	var err error
	switch head.Type {
	case EventSessionUpdated:
		ev, err = decodeAs[SessionUpdated](data)
	case EventAudioDelta:
		ev, err = decodeAs[AudioDelta](data)
	case EventInputTranscriptionCompleted:
		ev, err = decodeAs[InputTranscriptionCompleted](data)
	case EventResponseDone:
		ev, err = decodeAs[ResponseDone](data)
	case EventConversationItemCreated:
		ev, err = decodeAs[ItemCreated](data)
	case EventError:
		ev, err = decodeAs[ErrorEvent](data)
	case EventConnectionClosed:
		ev = ConnectionClosed{}
	default:
		ev = UnknownEvent{Type: head.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("openai: decoding %s: %w", head.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// AgentTranscript returns the spoken transcript of the first output item.
// ok is false when the response produced no output at all; an output item
// without a transcript yields a placeholder line.
func (r ResponseDone) AgentTranscript() (text string, ok bool) {
	if len(r.Response.Output) == 0 {
		return "", false
	}
	for _, part := range r.Response.Output[0].Content {
		if part.Transcript != nil {
			return *part.Transcript, true
		}
	}
	return AgentTranscriptMissing, true
}

// AgentTranscriptMissing stands in for an agent turn without a transcript.
const AgentTranscriptMissing = "Agent message not found"

// IsCloseCall reports whether the created item is a call to
// CloseCallFunction.
func (e ItemCreated) IsCloseCall() bool {
	return e.Item.Type == "function_call" && e.Item.Name == CloseCallFunction
}
