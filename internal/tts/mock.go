package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// msPerChar sets the length of the silence written per character of text.
const msPerChar = 10

type mockSynth struct {
	sampleRate      int
	channels        int
	maxPayloadChars int
}

// NewMockSynth writes silent WAV files. A positive maxPayloadChars makes it
// reject larger payloads the way a real backend would.
func NewMockSynth(sampleRate, channels, maxPayloadChars int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, maxPayloadChars: maxPayloadChars}
}

func (m *mockSynth) Render(ctx context.Context, req Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	if size := utf8.RuneCountInString(req.SSML); m.maxPayloadChars > 0 && size > m.maxPayloadChars {
		return fmt.Errorf("%w: %d > %d chars", ErrPayloadTooLarge, size, m.maxPayloadChars)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(req.OutputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer file.Close()

	frames := m.sampleRate * utf8.RuneCountInString(req.Text) * msPerChar / 1000
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: m.channels, SampleRate: m.sampleRate},
		Data:   make([]int, frames*m.channels),
	}
	enc := wav.NewEncoder(file, m.sampleRate, 16, m.channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
