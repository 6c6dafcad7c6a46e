package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"anamnesis-pipeline-go/internal/httpretry"
)

// Completer sends one system+user exchange to a chat model and returns the
// assistant text.
type Completer interface {
	Complete(ctx context.Context, system, user string, jsonMode bool) (string, error)
}

// GatewayCompleter talks to an OpenAI-compatible /chat/completions endpoint.
type GatewayCompleter struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *httpretry.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// Complete posts the exchange. Transient failures are retried by HTTP.
func (g *GatewayCompleter) Complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	payload := chatRequest{
		Model: g.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		payload.ResponseFormat = map[string]string{"type": "json_object"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimRight(g.BaseURL, "/") + "/chat/completions"
	body, err := g.HTTP.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if g.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return contentFromChoices(body)
}

// contentFromChoices reads choices[0].message.content from an OpenAI-style
// response body.
func contentFromChoices(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
