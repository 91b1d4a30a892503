package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
)

// StreamFrame is one JSON message on a Media Streams websocket.
type StreamFrame struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
}

// StreamStart carries the identifiers announced when a stream begins.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia is a chunk of base64 encoded audio.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamStop is sent when the call leaves the stream.
type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// StreamMark echoes a named marker previously sent to Twilio.
type StreamMark struct {
	Name string `json:"name"`
}

// DecodeStreamFrame parses a Media Streams message.
func DecodeStreamFrame(data []byte) (StreamFrame, error) {
	var f StreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return StreamFrame{}, fmt.Errorf("twilio: decoding stream frame: %w", err)
	}
	if f.Event == "" {
		return StreamFrame{}, fmt.Errorf("twilio: stream frame has no event")
	}
	return f, nil
}

// MediaFrame builds an outbound media message for streamSID. The payload is
// base64 decoded and re-encoded so only well-formed audio reaches Twilio.
func MediaFrame(streamSID, payload string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("twilio: decoding audio payload: %w", err)
	}
	return json.Marshal(StreamFrame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}
