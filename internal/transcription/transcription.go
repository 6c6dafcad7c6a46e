package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"anamnesis-pipeline-go/internal/httpretry"
	"anamnesis-pipeline-go/internal/logger"
)

// ErrNoTranscript means every segment failed to transcribe. It is distinct
// from an empty transcript.
var ErrNoTranscript = errors.New("no transcript: every segment failed")

// Opener reads stored segment files.
type Opener interface {
	Open(rel string) (*os.File, error)
}

// Config selects the speech-to-text endpoint and model.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
}

// Client calls an OpenAI-compatible /audio/transcriptions endpoint.
type Client struct {
	cfg   Config
	http  *httpretry.Client
	files Opener
	log   *logger.Logger
}

// New returns a Client. httpClient carries the timeout and retry policy.
func New(cfg Config, httpClient *httpretry.Client, files Opener, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Client{cfg: cfg, http: httpClient, files: files, log: log.Component("transcription")}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// TranscribeOne transcribes a single stored file.
func (c *Client) TranscribeOne(ctx context.Context, rel string) (string, error) {
	f, err := c.files.Open(rel)
	if err != nil {
		return "", err
	}
	audio, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/audio/transcriptions"
	build := func(ctx context.Context) (*http.Request, error) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("file", filepath.Base(rel))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, err
		}
		fields := [][2]string{{"model", c.cfg.Model}, {"response_format", "json"}}
		if c.cfg.Language != "" {
			fields = append(fields, [2]string{"language", c.cfg.Language})
		}
		for _, f := range fields {
			if err := w.WriteField(f[0], f[1]); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return req, nil
	}

	raw, err := c.http.Do(ctx, build)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", rel, err)
	}
	var resp transcriptionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode transcription for %s: %w", rel, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// TranscribeMany transcribes segments in order and joins them with a blank
// line. Failed or empty segments are skipped; ErrNoTranscript is returned
// when nothing succeeded.
func (c *Client) TranscribeMany(ctx context.Context, paths []string) (string, error) {
	parts := make([]string, 0, len(paths))
	for i, p := range paths {
		text, err := c.TranscribeOne(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.log.WithError(err).WithFields(logrus.Fields{"segment": p, "index": i}).Warn("segment transcription failed, skipping")
			continue
		}
		if text == "" {
			c.log.WithFields(logrus.Fields{"segment": p, "index": i}).Warn("empty segment transcription, skipping")
			continue
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return "", ErrNoTranscript
	}
	c.log.WithFields(logrus.Fields{
		"segments":  len(paths),
		"succeeded": len(parts),
	}).Info("transcription assembled")
	return strings.Join(parts, "\n\n"), nil
}
