// Package extract turns a finished call transcript into structured fields
// using a chat completion, stores them on the call record and reports the
// result downstream.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/voicerelay/internal/session"
)

var (
	// ErrMalformedResult is returned when the completion is not a JSON object.
	ErrMalformedResult = errors.New("extract: completion is not a JSON object")

	// ErrMissingFields is returned when required fields are absent.
	ErrMissingFields = errors.New("extract: required fields missing")

	// ErrInProgress is returned when the call is already being processed.
	ErrInProgress = errors.New("extract: transcript already being processed")
)

// Completer runs a chat completion constrained by a response format.
type Completer interface {
	Complete(ctx context.Context, system, user string, responseFormat json.RawMessage) (string, error)
}

// Prompts supplies the extraction prompt and its required fields.
type Prompts interface {
	ExtractionPrompt() (system string, format json.RawMessage)
	RequiredFields() []string
}

// ResultNotifier reports extracted results downstream.
type ResultNotifier interface {
	NotifyResult(ctx context.Context, callID string, fields map[string]string, transcript string) error
}

// Stats counts pipeline outcomes.
type Stats struct {
	Succeeded atomic.Uint64
	Rejected  atomic.Uint64 // malformed or incomplete completions
	Failed    atomic.Uint64 // completion errors
	Orphaned  atomic.Uint64 // record gone before the result could be stored
}

// Pipeline processes finished transcripts.
type Pipeline struct {
	store     *session.Store
	completer Completer
	prompts   Prompts
	notifier  ResultNotifier
	logger    *slog.Logger

	inFlight sync.Map // call id -> struct{}
	stats    Stats
}

// NewPipeline creates an extraction pipeline.
func NewPipeline(store *session.Store, completer Completer, prompts Prompts, notifier ResultNotifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		completer: completer,
		prompts:   prompts,
		notifier:  notifier,
		logger:    logger.With("subsystem", "extract"),
	}
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// ProcessTranscript extracts fields from transcript and finalizes callID.
//
// A completion that is not valid JSON or lacks a required field leaves the
// call record untouched and sends nothing. On success the fields and
// transcript are merged into the record, the result webhook is sent once
// and the record is evicted. A webhook error is returned after eviction.
func (p *Pipeline) ProcessTranscript(ctx context.Context, callID, transcript string) error {
	if _, busy := p.inFlight.LoadOrStore(callID, struct{}{}); busy {
		p.logger.Warn("duplicate transcript hand-off ignored", "call_id", callID)
		return ErrInProgress
	}
	defer p.inFlight.Delete(callID)

	logger := p.logger.With("call_id", callID)

	system, format := p.prompts.ExtractionPrompt()
	content, err := p.completer.Complete(ctx, system, transcript, format)
	if err != nil {
		p.stats.Failed.Add(1)
		logger.Error("transcript completion failed", "error", err)
		return fmt.Errorf("extract: completing transcript: %w", err)
	}

	fields, err := parseFields(content, p.prompts.RequiredFields())
	if err != nil {
		p.stats.Rejected.Add(1)
		logger.Error("extraction result rejected", "error", err, "content", content)
		return err
	}

	lines := splitLines(transcript)
	if _, ok := p.store.Update(callID, func(rec *session.CallRecord) {
		if rec.ExtractedFields == nil {
			rec.ExtractedFields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			rec.ExtractedFields[k] = v
		}
		rec.Transcript = append(rec.Transcript, lines...)
	}); !ok {
		p.stats.Orphaned.Add(1)
		logger.Warn("call record missing, result not reported")
		return nil
	}

	notifyErr := p.notifier.NotifyResult(ctx, callID, fields, transcript)
	p.store.RemoveRecord(callID)
	p.stats.Succeeded.Add(1)

	if notifyErr != nil {
		logger.Error("result webhook failed", "error", notifyErr)
		return fmt.Errorf("extract: reporting result: %w", notifyErr)
	}
	logger.Info("call finalized", "fields", len(fields))
	return nil
}

// parseFields decodes a completion into string fields and checks that
// every required field is present. Non-string values keep their JSON text.
func parseFields(content string, required []string) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil || raw == nil {
		return nil, ErrMalformedResult
	}

	var missing []string
	for _, f := range required {
		v, ok := raw[f]
		if !ok || string(v) == "null" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields[k] = s
			continue
		}
		fields[k] = string(v)
	}
	return fields, nil
}

// splitLines splits a transcript into its newline-terminated lines.
func splitLines(transcript string) []string {
	lines := strings.SplitAfter(transcript, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
