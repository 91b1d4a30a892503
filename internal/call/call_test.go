package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/voicerelay/internal/session"
	"github.com/flowpbx/voicerelay/internal/settings"
	"github.com/flowpbx/voicerelay/internal/twilio"
)

type fakePlacer struct {
	mu    sync.Mutex
	calls []twilio.CallRequest
	err   error
}

func (p *fakePlacer) PlaceCall(_ context.Context, req twilio.CallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.calls = append(p.calls, req)
	return fmt.Sprintf("CA%d", len(p.calls)), nil
}

type fakeProjects map[string]string

func (f fakeProjects) ProjectPrompt(_ context.Context, id string) (string, error) {
	if id == "bad" {
		return "", fmt.Errorf("%w: %q", settings.ErrInvalidProjectID, id)
	}
	if id == "down" {
		return "", errors.New("database is locked")
	}
	return f[id], nil
}

type statusCall struct {
	callID string
	status string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []statusCall
}

func (n *fakeNotifier) NotifyStatus(_ context.Context, callID, status string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, statusCall{callID, status})
	return nil
}

func (n *fakeNotifier) snapshot() []statusCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusCall(nil), n.calls...)
}

func newTestService(placer *fakePlacer) (*Service, *session.Store, *fakeNotifier) {
	store := session.NewStore(slog.Default())
	notifier := &fakeNotifier{}
	svc := NewService(store, placer, fakeProjects{"42": "book a table"}, notifier, Options{
		CountryCode:      "886",
		Voice:            twilio.DefaultVoiceSettings,
		InboundVoice:     twilio.DefaultVoiceSettings,
		InboundGreeting:  settings.DefaultInboundGreeting,
		InboundPrompt:    "answer the phone",
		InboundProjectID: "9999999900",
	}, slog.Default())
	return svc, store, notifier
}

func TestInitiateCall(t *testing.T) {
	placer := &fakePlacer{}
	svc, store, _ := newTestService(placer)

	got, err := svc.InitiateCall(context.Background(), "0912345678", "42", "relay.example.com")
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if got.CallID != "CA1" || got.SessionID == "" {
		t.Fatalf("InitiateCall = %+v", got)
	}

	callID, err := store.CallID(got.SessionID)
	if err != nil || callID != got.CallID {
		t.Errorf("CallID(%s) = %q, %v; want %q", got.SessionID, callID, err, got.CallID)
	}

	rec, ok := store.Record(got.CallID)
	if !ok {
		t.Fatal("record not stored")
	}
	if rec.ToNumber != "+886912345678" || rec.ProjectPrompt != "book a table" || rec.Inbound {
		t.Errorf("record = %+v", rec)
	}

	req := placer.calls[0]
	if req.To != "+886912345678" {
		t.Errorf("To = %q", req.To)
	}
	if want := "https://relay.example.com/twiml?session_id=" + got.SessionID; req.TwiMLURL != want {
		t.Errorf("TwiMLURL = %q, want %q", req.TwiMLURL, want)
	}
	if req.StatusCallbackURL != "https://relay.example.com/call-status" {
		t.Errorf("StatusCallbackURL = %q", req.StatusCallbackURL)
	}
}

func TestInitiateCallTwiceCreatesDistinctRecords(t *testing.T) {
	svc, store, _ := newTestService(&fakePlacer{})

	first, err := svc.InitiateCall(context.Background(), "+886912345678", "42", "h")
	if err != nil {
		t.Fatalf("first InitiateCall: %v", err)
	}
	second, err := svc.InitiateCall(context.Background(), "+886912345678", "42", "h")
	if err != nil {
		t.Fatalf("second InitiateCall: %v", err)
	}
	if first.CallID == second.CallID || first.SessionID == second.SessionID {
		t.Errorf("calls not distinct: %+v / %+v", first, second)
	}
	if _, records := store.Counts(); records != 2 {
		t.Errorf("records = %d, want 2", records)
	}
}

func TestInitiateCallPlacementFailure(t *testing.T) {
	svc, store, _ := newTestService(&fakePlacer{err: errors.New("status 401: code 20003: Authenticate")})

	_, err := svc.InitiateCall(context.Background(), "+886912345678", "42", "h")
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("error = %v, want ErrUpstreamFailure", err)
	}
	if sessions, records := store.Counts(); sessions != 0 || records != 0 {
		t.Errorf("store not empty after failure: %d sessions, %d records", sessions, records)
	}
}

func TestInitiateCallInvalidArguments(t *testing.T) {
	tests := []struct {
		name      string
		to        string
		projectID string
		want      error
	}{
		{"missing number", "", "42", ErrInvalidArgument},
		{"missing project", "+886912345678", " ", ErrInvalidArgument},
		{"not a number", "call me", "42", ErrInvalidArgument},
		{"too short", "123", "42", ErrInvalidArgument},
		{"malformed project", "+886912345678", "bad", ErrInvalidArgument},
		{"project store down", "+886912345678", "down", ErrUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			placer := &fakePlacer{}
			svc, _, _ := newTestService(placer)
			if _, err := svc.InitiateCall(context.Background(), tt.to, tt.projectID, "h"); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if len(placer.calls) != 0 {
				t.Error("call placed despite invalid input")
			}
		})
	}
}

func TestWelcomeTwiML(t *testing.T) {
	svc, _, _ := newTestService(&fakePlacer{})

	doc, err := svc.WelcomeTwiML("relay.example.com", "sess-1")
	if err != nil {
		t.Fatalf("WelcomeTwiML: %v", err)
	}
	body := string(doc)
	for _, want := range []string{
		`<Say language="zh-TW" voice="alice">唯 你好</Say>`,
		`url="wss://relay.example.com/media-stream/sess-1"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q:\n%s", want, body)
		}
	}

	if _, err := svc.WelcomeTwiML("h", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty session error = %v, want ErrInvalidArgument", err)
	}
}

func TestAcceptInbound(t *testing.T) {
	svc, store, _ := newTestService(&fakePlacer{})
	svc.newID = func() string { return "sess-in" }

	doc, err := svc.AcceptInbound("CA900", "+886223456789", "relay.example.com")
	if err != nil {
		t.Fatalf("AcceptInbound: %v", err)
	}
	if !strings.Contains(string(doc), settings.DefaultInboundGreeting) {
		t.Errorf("inbound twiml lacks greeting:\n%s", doc)
	}
	if !strings.Contains(string(doc), "wss://relay.example.com/media-stream/sess-in") {
		t.Errorf("inbound twiml lacks stream url:\n%s", doc)
	}

	callID, err := store.CallID("sess-in")
	if err != nil || callID != "CA900" {
		t.Fatalf("CallID = %q, %v", callID, err)
	}
	rec, _ := store.Record("CA900")
	if !rec.Inbound || rec.ProjectPrompt != "answer the phone" || rec.ToNumber != "+886223456789" {
		t.Errorf("record = %+v", rec)
	}

	// A retried webhook for the same call keeps the record.
	if _, err := svc.AcceptInbound("CA900", "+886223456789", "relay.example.com"); err != nil {
		t.Errorf("retried AcceptInbound: %v", err)
	}

	if _, err := svc.AcceptInbound("", "", "h"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("missing CallSid error = %v", err)
	}
}

func TestShouldNotify(t *testing.T) {
	tests := []struct {
		status     string
		answeredBy string
		want       bool
	}{
		{"answered", "human", false},
		{"answered", "unknown", false},
		{"answered", "machine_start", true},
		{"answered", "machine_end_beep", true},
		{"answered", "fax", true},
		{"completed", "", true},
		{"busy", "", true},
		{"no-answer", "", true},
		{"failed", "", true},
		{"canceled", "", true},
		{"ringing", "", false},
		{"initiated", "", false},
		{"in-progress", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status+"/"+tt.answeredBy, func(t *testing.T) {
			if got := ShouldNotify(tt.status, tt.answeredBy); got != tt.want {
				t.Errorf("ShouldNotify(%q, %q) = %v, want %v", tt.status, tt.answeredBy, got, tt.want)
			}
		})
	}
}

func TestOnStatusCallback(t *testing.T) {
	svc, store, notifier := newTestService(&fakePlacer{})
	store.PutRecord(session.CallRecord{CallID: "CA123"})
	store.PutRecord(session.CallRecord{CallID: "CA456"})

	if !svc.OnStatusCallback(context.Background(), twilio.StatusCallback{CallSID: "CA123", CallStatus: "completed", CallDuration: 42}) {
		t.Error("completed not notified")
	}
	if svc.OnStatusCallback(context.Background(), twilio.StatusCallback{CallSID: "CA123", CallStatus: "answered", AnsweredBy: "human"}) {
		t.Error("answered by human notified")
	}
	if !svc.OnStatusCallback(context.Background(), twilio.StatusCallback{CallSID: "CA456", CallStatus: "busy"}) {
		t.Error("busy not notified")
	}
	svc.Wait()

	got := notifier.snapshot()
	if len(got) != 2 {
		t.Fatalf("notifications = %+v, want 2", got)
	}
	seen := map[statusCall]bool{}
	for _, c := range got {
		seen[c] = true
	}
	if !seen[statusCall{"CA123", "completed"}] || !seen[statusCall{"CA456", "busy"}] {
		t.Errorf("notifications = %+v", got)
	}

	// Completed calls keep their record for the transcript hand-off; busy
	// calls never produce one.
	if _, ok := store.Record("CA123"); !ok {
		t.Error("completed call record evicted")
	}
	if _, ok := store.Record("CA456"); ok {
		t.Error("busy call record kept")
	}
}

func TestOnStatusCallbackWithoutCallSID(t *testing.T) {
	svc, _, notifier := newTestService(&fakePlacer{})
	if svc.OnStatusCallback(context.Background(), twilio.StatusCallback{CallStatus: "completed"}) {
		t.Error("notified without CallSid")
	}
	svc.Wait()
	if n := len(notifier.snapshot()); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"0912345678", "+886912345678", false},
		{"0912-345-678", "+886912345678", false},
		{"912345678", "+886912345678", false},
		{"886912345678", "+886912345678", false},
		{"+1 (415) 555-0100", "+14155550100", false},
		{"+886 2 2345 6789", "+886223456789", false},
		{"", "", true},
		{"abc", "", true},
		{"12", "", true},
		{"+1234567890123456", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeNumber(tt.raw, "886")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("NormalizeNumber(%q) error = %v, want ErrInvalidArgument", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeNumber(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeNumber(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
