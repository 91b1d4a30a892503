package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultChatTimeout = 60 * time.Second
	maxErrorBody       = 16 * 1024
)

// ErrEmptyCompletion is returned when a completion carries no message
// content.
var ErrEmptyCompletion = errors.New("openai: completion has no content")

// ChatClient calls the chat completions endpoint.
type ChatClient struct {
	httpClient *http.Client
	url        string
	model      string
	apiKey     string
}

// NewChatClient creates a chat completions client.
func NewChatClient(url, model, apiKey string) *ChatClient {
	return &ChatClient{
		httpClient: &http.Client{Timeout: defaultChatTimeout},
		url:        url,
		model:      model,
		apiKey:     apiKey,
	}
}

// ChatMessage is one message of a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a system and user message and returns the content of the
// first choice. responseFormat is passed through verbatim when set.
func (c *ChatClient) Complete(ctx context.Context, system, user string, responseFormat json.RawMessage) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: responseFormat,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", parseError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var wrapped struct {
		Error APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, wrapped.Error)
	}
	return fmt.Errorf("openai: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
