package twilio

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// VoiceSettings are the per-deployment call and greeting parameters.
// JSON tags match the TWILIO_VOICE_SETTINGS object kept in project config.
type VoiceSettings struct {
	WelcomeMessage   string  `json:"WELCOME_MESSAGE"`
	Language         string  `json:"LANGUAGE"`
	Voice            string  `json:"VOICE"`
	InitPauseSec     float64 `json:"INIT_PAUSE_LENGTH_SEC"`
	TimeoutSec       int     `json:"CALL_TIMEOUT_SEC"`
	TimeLimitSec     int     `json:"CALL_TIME_LIMIT_SEC"`
	MachineDetection string  `json:"CALL_MACHINE_DETECTION"`
	Record           Flag    `json:"CALL_RECORD"`
}

// DefaultVoiceSettings is used when project config carries none.
var DefaultVoiceSettings = VoiceSettings{
	WelcomeMessage:   "唯 你好",
	Language:         "zh-TW",
	Voice:            "alice",
	InitPauseSec:     0.5,
	TimeoutSec:       30,
	TimeLimitSec:     300,
	MachineDetection: "Enable",
	Record:           false,
}

// withDefaults fills zero fields from DefaultVoiceSettings.
func (v VoiceSettings) withDefaults() VoiceSettings {
	d := DefaultVoiceSettings
	if v.WelcomeMessage == "" {
		v.WelcomeMessage = d.WelcomeMessage
	}
	if v.Language == "" {
		v.Language = d.Language
	}
	if v.Voice == "" {
		v.Voice = d.Voice
	}
	if v.TimeoutSec <= 0 {
		v.TimeoutSec = d.TimeoutSec
	}
	if v.TimeLimitSec <= 0 {
		v.TimeLimitSec = d.TimeLimitSec
	}
	return v
}

// Flag is a boolean that also accepts the strings "True"/"False" found in
// hand-edited config.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a bool or string: %w", err)
	}
	if s == "" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return fmt.Errorf("flag %q: %w", s, err)
	}
	*f = Flag(b)
	return nil
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type sayVerb struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type pauseVerb struct {
	XMLName xml.Name `xml:"Pause"`
	Length  string   `xml:"length,attr,omitempty"`
}

type connectVerb struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  streamNoun
}

type streamNoun struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

// StreamURL is the websocket address Twilio connects the call audio to.
func StreamURL(host, sessionID string) string {
	return "wss://" + host + "/media-stream/" + url.PathEscape(sessionID)
}

// ConnectStream renders TwiML that greets the callee, pauses, then bridges
// the call audio to streamURL.
func ConnectStream(greeting string, voice VoiceSettings, streamURL string) ([]byte, error) {
	voice = voice.withDefaults()

	doc := twimlResponse{
		Verbs: []any{
			sayVerb{Language: voice.Language, Voice: voice.Voice, Text: greeting},
		},
	}
	if voice.InitPauseSec > 0 {
		doc.Verbs = append(doc.Verbs, pauseVerb{Length: strconv.FormatFloat(voice.InitPauseSec, 'f', -1, 64)})
	}
	doc.Verbs = append(doc.Verbs, connectVerb{Stream: streamNoun{URL: streamURL}})

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("twilio: encoding twiml: %w", err)
	}
	return buf.Bytes(), nil
}
