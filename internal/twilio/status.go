package twilio

import (
	"net/url"
	"strconv"
)

// Call statuses reported in status callbacks.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusAnswered   = "answered"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// StatusCallback is the form Twilio posts to the status callback URL.
type StatusCallback struct {
	CallSID      string
	CallStatus   string
	AnsweredBy   string
	To           string
	From         string
	Direction    string
	CallDuration int
}

// ParseStatusCallback reads a status callback from its form values.
func ParseStatusCallback(form url.Values) StatusCallback {
	cb := StatusCallback{
		CallSID:    form.Get("CallSid"),
		CallStatus: form.Get("CallStatus"),
		AnsweredBy: form.Get("AnsweredBy"),
		To:         form.Get("To"),
		From:       form.Get("From"),
		Direction:  form.Get("Direction"),
	}
	if d, err := strconv.Atoi(form.Get("CallDuration")); err == nil {
		cb.CallDuration = d
	}
	return cb
}
