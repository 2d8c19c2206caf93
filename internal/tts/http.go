package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxErrorBody = 512

type httpSynth struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewHTTPSynth posts each chunk's SSML payload to a REST synthesis endpoint
// and stores the response body as the chunk's audio.
func NewHTTPSynth(endpoint, apiKey string, timeout time.Duration) (Synthesizer, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("tts endpoint empty")
	}
	return &httpSynth{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}, nil
}

func (h *httpSynth) Render(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(req.SSML))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("User-Agent", "ttsbatch")
	if req.Format != "" {
		httpReq.Header.Set("X-Microsoft-OutputFormat", req.Format)
	}
	if h.apiKey != "" {
		httpReq.Header.Set("Ocp-Apim-Subscription-Key", h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, readSnippet(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tts backend returned %s: %s", resp.Status, readSnippet(resp.Body))
	}
	return writeAtomic(req.OutputPath, resp.Body)
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(bytes.TrimSpace(data))
}

func writeAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ttsbatch-*.part")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tts backend returned empty audio")
	}
	return os.Rename(tmp.Name(), path)
}
