// Package webhook delivers call status changes and extracted call results
// to the downstream receiver.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const (
	deliveryTimeout = 30 * time.Second
	maxResponseBody = 4 * 1024

	// timestampLayout matches ISO 8601 with microseconds and offset.
	timestampLayout = "2006-01-02T15:04:05.000000-07:00"
)

// ErrDelivery is returned when the receiver answers with a non-2xx status.
var ErrDelivery = errors.New("webhook: delivery rejected")

// Kind names a webhook endpoint.
type Kind string

const (
	KindResult Kind = "call-result"
	KindStatus Kind = "call-status"
)

// TokenSource supplies bearer tokens for an audience.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// ResultPayload is posted once per call after extraction succeeds.
type ResultPayload struct {
	CallID     string            `json:"call_id"`
	Result     map[string]string `json:"result"`
	Transcript string            `json:"transcript"`
}

// StatusPayload is posted for call status changes worth reporting.
type StatusPayload struct {
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Stats counts delivery outcomes.
type Stats struct {
	Delivered atomic.Uint64
	Failed    atomic.Uint64
}

// Dispatcher posts JSON payloads to the configured endpoints.
type Dispatcher struct {
	httpClient *http.Client
	urls       map[Kind]string
	tokens     TokenSource // nil disables authentication
	loc        *time.Location
	logger     *slog.Logger

	stats map[Kind]*Stats
}

// NewDispatcher creates a dispatcher. tokens may be nil, in which case
// requests carry no Authorization header.
func NewDispatcher(resultURL, statusURL string, tokens TokenSource, loc *time.Location, logger *slog.Logger) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: deliveryTimeout},
		urls: map[Kind]string{
			KindResult: resultURL,
			KindStatus: statusURL,
		},
		tokens: tokens,
		loc:    loc,
		logger: logger.With("subsystem", "webhook"),
		stats: map[Kind]*Stats{
			KindResult: {},
			KindStatus: {},
		},
	}
}

// NotifyResult posts the extracted fields and transcript of a call.
func (d *Dispatcher) NotifyResult(ctx context.Context, callID string, fields map[string]string, transcript string) error {
	return d.Notify(ctx, KindResult, ResultPayload{
		CallID:     callID,
		Result:     fields,
		Transcript: transcript,
	})
}

// NotifyStatus posts a call status change stamped with at in the
// dispatcher's timezone.
func (d *Dispatcher) NotifyStatus(ctx context.Context, callID, status string, at time.Time) error {
	return d.Notify(ctx, KindStatus, StatusPayload{
		CallID:    callID,
		Status:    status,
		Timestamp: at.In(d.loc).Format(timestampLayout),
	})
}

// Notify posts payload to the endpoint for kind. It does not retry.
func (d *Dispatcher) Notify(ctx context.Context, kind Kind, payload any) error {
	err := d.post(ctx, kind, payload)
	if st := d.stats[kind]; st != nil {
		if err != nil {
			st.Failed.Add(1)
		} else {
			st.Delivered.Add(1)
		}
	}
	return err
}

func (d *Dispatcher) post(ctx context.Context, kind Kind, payload any) error {
	target, ok := d.urls[kind]
	if !ok || target == "" {
		return fmt.Errorf("webhook: no endpoint for %s", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshalling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if d.tokens != nil {
		audience, err := Audience(target)
		if err != nil {
			return err
		}
		token, err := d.tokens.Token(ctx, audience)
		if err != nil {
			return fmt.Errorf("webhook: obtaining id token for %s: %w", audience, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: sending %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		d.logger.Error("webhook rejected",
			"kind", kind,
			"status", resp.StatusCode,
			"body", strings.TrimSpace(string(snippet)),
		)
		return fmt.Errorf("%w: %s returned %d", ErrDelivery, kind, resp.StatusCode)
	}

	d.logger.Info("webhook delivered", "kind", kind, "status", resp.StatusCode)
	return nil
}

// Audience returns the token audience for a webhook URL: its host, port
// included when present.
func Audience(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("webhook: parsing url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("webhook: url %q has no host", target)
	}
	return u.Host, nil
}

// Snapshot returns delivered and failed counts for kind.
func (d *Dispatcher) Snapshot(kind Kind) (delivered, failed uint64) {
	st, ok := d.stats[kind]
	if !ok {
		return 0, 0
	}
	return st.Delivered.Load(), st.Failed.Load()
}
