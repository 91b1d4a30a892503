package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

// RealtimeDialer opens realtime websocket sessions.
type RealtimeDialer struct {
	endpoint string
	model    string
	apiKey   string
	dialer   *websocket.Dialer
}

// NewRealtimeDialer creates a dialer for the realtime endpoint, e.g.
// "wss://api.openai.com/v1/realtime".
func NewRealtimeDialer(endpoint, model, apiKey string) *RealtimeDialer {
	return &RealtimeDialer{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}
}

// URL returns the websocket address including the model parameter.
func (d *RealtimeDialer) URL() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if d.model != "" {
		q := u.Query()
		q.Set("model", d.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the realtime endpoint.
func (d *RealtimeDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := d.URL()
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+d.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultHandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := d.dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("openai: realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: realtime dial: %w", err)
	}
	return conn, nil
}
