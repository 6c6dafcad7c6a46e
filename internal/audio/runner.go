package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandLog captures one ffmpeg/ffprobe invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// TranscodeError is a failed external audio tool invocation. It is fatal to
// the job that triggered it.
type TranscodeError struct {
	Stage   string     `json:"stage"`
	Message string     `json:"message"`
	Command CommandLog `json:"command"`
	Err     error      `json:"-"`
}

func (e *TranscodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Command.Command == "" {
		return fmt.Sprintf("audio %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("audio %s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Command.Command, e.Command.ExitCode)
}

func (e *TranscodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Diagnostic returns the tail of the tool's stderr for logs.
func (e *TranscodeError) Diagnostic() string {
	s := strings.TrimSpace(e.Command.Stderr)
	if len(s) > 2000 {
		s = s[len(s)-2000:]
	}
	return s
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution so tests can fake ffmpeg.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}
