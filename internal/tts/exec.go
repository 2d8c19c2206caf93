package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	SSML       string `json:"ssml"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	OutputPath string `json:"output_path"`
}

type execResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewExecSynth runs an external command per chunk. The request is written as
// JSON to stdin and "--out <path>" is appended to the arguments. The command
// answers with a JSON status line; status 413 means the payload was too large.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Render(ctx context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		SSML:       req.SSML,
		Voice:      req.Voice,
		Language:   req.Language,
		Format:     req.Format,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		OutputPath: req.OutputPath,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--out", req.OutputPath)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var resp execResponse
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil && runErr == nil {
			return fmt.Errorf("decode tts exec response: %w", err)
		}
	}
	if resp.Status == http.StatusRequestEntityTooLarge {
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, resp.Error)
	}
	if runErr != nil {
		return fmt.Errorf("tts command failed: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	if resp.Status >= 400 {
		return fmt.Errorf("tts command returned status %d: %s", resp.Status, resp.Error)
	}
	if _, err := os.Stat(req.OutputPath); err != nil {
		return fmt.Errorf("tts command produced no output: %w", err)
	}
	return nil
}
