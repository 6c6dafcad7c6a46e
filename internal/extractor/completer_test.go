package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anamnesis-pipeline-go/internal/httpretry"
)

func chatServer(t *testing.T, status *int32, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if s := atomic.SwapInt32(status, 0); s != 0 {
			w.WriteHeader(int(s))
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-5-nano",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
}

func TestGatewayCompleter(t *testing.T) {
	status := int32(http.StatusServiceUnavailable)
	var seen chatRequest
	srv := chatServer(t, &status, `{"anamnesis":"x"}`, &seen)
	defer srv.Close()

	g := &GatewayCompleter{
		BaseURL: srv.URL + "/v1",
		APIKey:  "sk-test",
		Model:   "gpt-5-nano",
		HTTP:    httpretry.New(0, time.Second, httpretry.Policy{Tries: 3, Backoff: time.Millisecond}, nil),
	}
	out, err := g.Complete(context.Background(), "sys", "user", true)
	require.NoError(t, err)
	assert.Equal(t, `{"anamnesis":"x"}`, out)

	assert.Equal(t, "gpt-5-nano", seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "sys"}, seen.Messages[0])
	assert.Equal(t, "json_object", seen.ResponseFormat["type"])
}

func TestGatewayCompleterClientError(t *testing.T) {
	status := int32(http.StatusUnauthorized)
	srv := chatServer(t, &status, "", nil)
	defer srv.Close()

	g := &GatewayCompleter{
		BaseURL: srv.URL + "/v1",
		HTTP:    httpretry.New(0, time.Second, httpretry.Policy{Tries: 3, Backoff: time.Millisecond}, nil),
	}
	_, err := g.Complete(context.Background(), "sys", "user", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestLangchainCompleterOpenAI(t *testing.T) {
	status := int32(0)
	srv := chatServer(t, &status, "resumo", nil)
	defer srv.Close()

	lc, err := NewLangchainCompleter(LangchainConfig{
		Provider: "openai",
		Model:    "gpt-5-nano",
		APIKey:   "sk-test",
		BaseURL:  srv.URL + "/v1",
	})
	require.NoError(t, err)

	out, err := lc.Complete(context.Background(), "sys", "user", false)
	require.NoError(t, err)
	assert.Equal(t, "resumo", out)
}

func TestNewLangchainCompleterValidation(t *testing.T) {
	_, err := NewLangchainCompleter(LangchainConfig{Provider: "openai"})
	assert.Error(t, err)
	_, err = NewLangchainCompleter(LangchainConfig{Provider: "anthropic"})
	assert.Error(t, err)
	_, err = NewLangchainCompleter(LangchainConfig{Provider: "watson"})
	assert.Error(t, err)
}
