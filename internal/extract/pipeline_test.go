package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/flowpbx/voicerelay/internal/session"
)

type fakeCompleter struct {
	content string
	err     error

	mu      sync.Mutex
	system  string
	user    string
	format  json.RawMessage
	invoked int
}

func (c *fakeCompleter) Complete(_ context.Context, system, user string, format json.RawMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoked++
	c.system, c.user, c.format = system, user, format
	return c.content, c.err
}

type fakePrompts struct{ required []string }

func (p fakePrompts) ExtractionPrompt() (string, json.RawMessage) {
	return "extract the booking", json.RawMessage(`{"type":"json_object"}`)
}

func (p fakePrompts) RequiredFields() []string { return p.required }

type result struct {
	callID     string
	fields     map[string]string
	transcript string
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []result
	err     error
}

func (n *fakeNotifier) NotifyResult(_ context.Context, callID string, fields map[string]string, transcript string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result{callID, fields, transcript})
	return n.err
}

const testTranscript = "User: 我想訂位\nAgent: 好的，請問幾位？\nUser: 四位\n"

func newTestPipeline(content string, completeErr error) (*Pipeline, *session.Store, *fakeCompleter, *fakeNotifier) {
	store := session.NewStore(slog.Default())
	store.PutRecord(session.CallRecord{CallID: "CA1", ProjectID: "42"})
	completer := &fakeCompleter{content: content, err: completeErr}
	notifier := &fakeNotifier{}
	p := NewPipeline(store, completer, fakePrompts{required: []string{"result", "customerCount"}}, notifier, slog.Default())
	return p, store, completer, notifier
}

func TestProcessTranscriptSuccess(t *testing.T) {
	p, store, completer, notifier := newTestPipeline(`{"result":"booked","customerCount":4,"specialNotes":""}`, nil)

	if err := p.ProcessTranscript(context.Background(), "CA1", testTranscript); err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}

	if completer.user != testTranscript || completer.system != "extract the booking" {
		t.Errorf("completion prompt = %q / %q", completer.system, completer.user)
	}
	if len(notifier.results) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(notifier.results))
	}
	got := notifier.results[0]
	if got.callID != "CA1" || got.transcript != testTranscript {
		t.Errorf("webhook = %+v", got)
	}
	if got.fields["result"] != "booked" || got.fields["customerCount"] != "4" {
		t.Errorf("fields = %v", got.fields)
	}
	if _, ok := store.Record("CA1"); ok {
		t.Error("record not evicted after success")
	}
	if n := p.Stats().Succeeded.Load(); n != 1 {
		t.Errorf("Succeeded = %d, want 1", n)
	}
}

func TestProcessTranscriptMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"not json", "Sure! Here is the summary.", ErrMalformedResult},
		{"json array", `["booked"]`, ErrMalformedResult},
		{"missing field", `{"result":"booked"}`, ErrMissingFields},
		{"null field", `{"result":"booked","customerCount":null}`, ErrMissingFields},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, _, notifier := newTestPipeline(tt.content, nil)

			if err := p.ProcessTranscript(context.Background(), "CA1", testTranscript); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if len(notifier.results) != 0 {
				t.Error("webhook sent for rejected result")
			}
			rec, ok := store.Record("CA1")
			if !ok {
				t.Fatal("record evicted after rejected result")
			}
			if len(rec.Transcript) != 0 || len(rec.ExtractedFields) != 0 {
				t.Errorf("record modified: %+v", rec)
			}
		})
	}
}

func TestProcessTranscriptCompletionError(t *testing.T) {
	p, store, _, notifier := newTestPipeline("", errors.New("status 429"))

	if err := p.ProcessTranscript(context.Background(), "CA1", testTranscript); err == nil {
		t.Fatal("expected error")
	}
	if len(notifier.results) != 0 {
		t.Error("webhook sent after completion error")
	}
	if _, ok := store.Record("CA1"); !ok {
		t.Error("record evicted after completion error")
	}
	if n := p.Stats().Failed.Load(); n != 1 {
		t.Errorf("Failed = %d, want 1", n)
	}
}

func TestProcessTranscriptMissingRecord(t *testing.T) {
	p, _, _, notifier := newTestPipeline(`{"result":"x","customerCount":"1"}`, nil)

	if err := p.ProcessTranscript(context.Background(), "CA-unknown", testTranscript); err != nil {
		t.Fatalf("ProcessTranscript: %v", err)
	}
	if len(notifier.results) != 0 {
		t.Error("webhook sent for unknown call")
	}
	if n := p.Stats().Orphaned.Load(); n != 1 {
		t.Errorf("Orphaned = %d, want 1", n)
	}
}

func TestProcessTranscriptWebhookError(t *testing.T) {
	p, store, _, notifier := newTestPipeline(`{"result":"x","customerCount":"1"}`, nil)
	notifier.err = errors.New("connection refused")

	if err := p.ProcessTranscript(context.Background(), "CA1", testTranscript); err == nil {
		t.Fatal("expected webhook error")
	}
	if _, ok := store.Record("CA1"); ok {
		t.Error("record kept after webhook error")
	}
}

func TestProcessTranscriptInFlight(t *testing.T) {
	p, _, completer, _ := newTestPipeline(`{"result":"x","customerCount":"1"}`, nil)
	p.inFlight.Store("CA1", struct{}{})

	if err := p.ProcessTranscript(context.Background(), "CA1", testTranscript); !errors.Is(err, ErrInProgress) {
		t.Fatalf("error = %v, want ErrInProgress", err)
	}
	if completer.invoked != 0 {
		t.Error("completion ran for duplicate hand-off")
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines(testTranscript)
	want := []string{"User: 我想訂位\n", "Agent: 好的，請問幾位？\n", "User: 四位\n"}
	if !slices.Equal(got, want) {
		t.Errorf("splitLines = %q, want %q", got, want)
	}
	if got := splitLines(""); len(got) != 0 {
		t.Errorf("splitLines(\"\") = %q", got)
	}
}
