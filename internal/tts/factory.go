package tts

import (
	"fmt"
	"time"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
)

// FromConfig builds the synthesizer selected by cfg.Mode.
func FromConfig(cfg config.SynthConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.MaxPayloadChars), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Mode)
	}
}
