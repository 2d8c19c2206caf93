package main

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

type chunkLine struct {
	Index   int    `json:"index"`
	Chars   int    `json:"chars"`
	Payload int    `json:"payload_chars"`
	Text    string `json:"text"`
}

// runSplit prints the chunks a render would send, one JSON object per line.
func runSplit(args []string) error {
	var f renderFlags
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	cfg, _, err := f.load()
	if err != nil {
		return err
	}
	f.apply(&cfg)
	text, err := readInput(f.in)
	if err != nil {
		return err
	}

	opts := cfg.Render.Options()
	wrap := tts.SSMLWrapper(cfg.Synth.Voice, cfg.Synth.Language)
	var chunks []chunk.Chunk
	if chunk.IsMarkup(text) {
		chunks, err = chunk.SplitSSML(text, opts, wrap)
	} else {
		chunks, err = chunk.SplitPlainText(text, opts, wrap)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, c := range chunks {
		line := chunkLine{Index: c.Index, Chars: len([]rune(c.Text)), Payload: c.EstimatedSize(), Text: c.Text}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
