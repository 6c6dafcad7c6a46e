package extractor

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainConfig selects an SDK-backed provider.
type LangchainConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	OllamaHost string
}

// LangchainCompleter runs completions through langchaingo models.
type LangchainCompleter struct {
	llm   llms.Model
	model string
}

// NewLangchainCompleter builds a completer for openai, anthropic or ollama.
func NewLangchainCompleter(cfg LangchainConfig) (*LangchainCompleter, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	return &LangchainCompleter{llm: model, model: cfg.Model}, nil
}

// Complete sends a system and a human message.
func (l *LangchainCompleter) Complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	var opts []llms.CallOption
	if jsonMode {
		opts = append(opts, llms.WithJSONMode())
	}
	resp, err := l.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("generate with system: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return resp.Choices[0].Content, nil
}
