// Package twilio talks to the Twilio voice platform: the REST API used to
// place and hang up calls, the TwiML documents Twilio fetches, the Media
// Streams websocket frames and the status callbacks Twilio posts back.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a Twilio response body is read.
	maxResponseBytes = 64 * 1024

	machineDetectionTimeoutSec = 3
)

// CallbackEvents are the call progress events Twilio reports to the status
// callback URL.
var CallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// Client is a minimal Twilio REST client for the Calls resource.
type Client struct {
	httpClient *http.Client
	apiBase    string
	accountSID string
	authToken  string
	from       string
}

// NewClient creates a Twilio client. apiBase is the versioned API root,
// e.g. "https://api.twilio.com/2010-04-01".
func NewClient(apiBase, accountSID, authToken, from string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiBase:    strings.TrimRight(apiBase, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
	}
}

// CallRequest describes an outbound call.
type CallRequest struct {
	To                string
	TwiMLURL          string
	StatusCallbackURL string
	Voice             VoiceSettings
}

// apiError is the error body Twilio returns for non-2xx responses.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// callResource is the subset of the Call resource we read back.
type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall asks Twilio to dial req.To and returns the new call SID.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	voice := req.Voice.withDefaults()

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", c.from)
	form.Set("Url", req.TwiMLURL)
	form.Set("StatusCallback", req.StatusCallbackURL)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range CallbackEvents {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("Timeout", strconv.Itoa(voice.TimeoutSec))
	form.Set("TimeLimit", strconv.Itoa(voice.TimeLimitSec))
	if voice.MachineDetection != "" {
		form.Set("MachineDetection", voice.MachineDetection)
		form.Set("MachineDetectionTimeout", strconv.Itoa(machineDetectionTimeoutSec))
	}
	form.Set("Record", strconv.FormatBool(bool(voice.Record)))

	var call callResource
	if err := c.post(ctx, "Calls.json", form, &call); err != nil {
		return "", fmt.Errorf("twilio: placing call: %w", err)
	}
	if call.SID == "" {
		return "", fmt.Errorf("twilio: placing call: response carried no call sid")
	}
	return call.SID, nil
}

// HangUp ends an in-progress call.
func (c *Client) HangUp(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	if err := c.post(ctx, "Calls/"+url.PathEscape(callSID)+".json", form, nil); err != nil {
		return fmt.Errorf("twilio: hanging up %s: %w", callSID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, resource string, form url.Values, out any) error {
	endpoint := c.apiBase + "/Accounts/" + url.PathEscape(c.accountSID) + "/" + resource

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("status %d: code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
