package tts

import (
	"context"
	"errors"
)

// ErrPayloadTooLarge is returned when the backend rejects a payload for its
// size. It is the only render error that triggers a smaller chunk budget.
var ErrPayloadTooLarge = errors.New("tts payload too large")

// Request describes one chunk to render into OutputPath.
type Request struct {
	RunID      string
	Index      int
	Text       string
	SSML       string
	Voice      string
	Language   string
	Format     string
	SampleRate int
	Channels   int
	OutputPath string
}

// Synthesizer is the contract for producing audio files.
type Synthesizer interface {
	Render(ctx context.Context, req Request) error
}
