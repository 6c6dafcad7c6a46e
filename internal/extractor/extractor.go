// Package extractor turns a consultation transcript into a structured
// anamnesis, follow-up questions and risk flags through a chat model.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"anamnesis-pipeline-go/internal/insights"
	"anamnesis-pipeline-go/internal/logger"
)

// ErrExtraction marks a response that is not a JSON object.
var ErrExtraction = errors.New("extraction returned no JSON object")

// Result is a parsed extraction response. Questions and flags are kept raw
// for the insights normalizer.
type Result struct {
	Anamnesis string
	Summary   string
	Questions []insights.RawItem
	Flags     []insights.RawItem
}

// Config bounds the extraction calls.
type Config struct {
	MaxTranscriptWords int
	ChatTimeout        time.Duration
	ExtractionTimeout  time.Duration
}

// Client runs summarization and extraction calls.
type Client struct {
	completer Completer
	cfg       Config
	log       *logger.Logger
}

// New returns a Client on top of completer.
func New(completer Completer, cfg Config, log *logger.Logger) *Client {
	if cfg.MaxTranscriptWords <= 0 {
		cfg.MaxTranscriptWords = 4500
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{completer: completer, cfg: cfg, log: log.Component("extractor")}
}

// PrepareTranscript returns transcript unchanged when it fits the word
// ceiling. Longer transcripts are chunked and each chunk summarized; failed
// chunks are dropped, and the original is returned if every chunk failed.
func (c *Client) PrepareTranscript(ctx context.Context, transcript string) string {
	words := strings.Fields(transcript)
	if len(words) <= c.cfg.MaxTranscriptWords {
		return transcript
	}

	size := c.cfg.MaxTranscriptWords - 500
	if size < 500 {
		size = 500
	}
	chunks := chunkWords(words, size)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := c.summarize(ctx, chunk, i+1, len(chunks))
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"chunk": i + 1, "chunks": len(chunks)}).Warn("chunk summary failed, dropping")
			continue
		}
		if summary == "" {
			continue
		}
		summaries = append(summaries, summary)
	}
	c.log.WithFields(logrus.Fields{
		"words":     len(words),
		"chunks":    len(chunks),
		"summaries": len(summaries),
	}).Info("long transcript summarized")
	if len(summaries) == 0 {
		return transcript
	}
	return strings.Join(summaries, "\n\n")
}

func (c *Client) summarize(ctx context.Context, chunk string, index, total int) (string, error) {
	if c.cfg.ChatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ChatTimeout)
		defer cancel()
	}
	out, err := c.completer.Complete(ctx, fmt.Sprintf(summarizePrompt, index, total), chunk, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func chunkWords(words []string, size int) []string {
	var chunks []string
	for start := 0; start < len(words); start += size {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// Extract runs one extraction call in mode. Any failure is final; transient
// transport errors are retried below this layer.
func (c *Client) Extract(ctx context.Context, mode Mode, in Input) (Result, error) {
	if c.cfg.ExtractionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ExtractionTimeout)
		defer cancel()
	}

	log := c.log.WithField("mode", mode.Name())
	content, err := c.completer.Complete(ctx, mode.SystemPrompt(), mode.UserPrompt(in), true)
	if err != nil {
		return Result{}, fmt.Errorf("extraction call: %w", err)
	}

	res, err := ParseResult(content)
	if err != nil {
		log.WithField("content_len", len(content)).Error("unparseable extraction response")
		return Result{}, err
	}
	log.WithFields(logrus.Fields{
		"anamnesis_len": len(res.Anamnesis),
		"questions":     len(res.Questions),
		"flags":         len(res.Flags),
	}).Debug("extraction parsed")
	return res, nil
}

// ParseResult decodes a model answer. The answer must be a JSON object,
// optionally wrapped in prose or code fences.
func ParseResult(content string) (Result, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &obj); err != nil || obj == nil {
		candidate := extractJSON(content)
		if candidate == "" {
			return Result{}, ErrExtraction
		}
		obj = nil
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
			return Result{}, ErrExtraction
		}
	}

	lowered := make(map[string]any, len(obj))
	for k, v := range obj {
		lowered[strings.ToLower(k)] = v
	}
	return Result{
		Anamnesis: firstString(lowered, "anamnesis", "note"),
		Summary:   strings.TrimSpace(firstString(lowered, "summary")),
		Questions: insights.ParseItems(firstValue(lowered, "missing_questions", "questions")),
		Flags:     insights.ParseItems(firstValue(lowered, "dynamic_flags", "flags")),
	}, nil
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	s, _ := firstValue(m, keys...).(string)
	return s
}
