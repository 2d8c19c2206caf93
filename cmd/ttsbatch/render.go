package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/journal"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/merge"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/pipeline"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/runtime"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

// renderFlags override the render and synth sections of the config.
type renderFlags struct {
	commonFlags
	in              string
	out             string
	mergeMode       string
	target          int
	min             int
	margin          int
	voice           string
	language        string
	ignoreSentences bool
	splitParagraphs bool
}

func (f *renderFlags) register(fs *flag.FlagSet) {
	f.commonFlags.register(fs)
	fs.StringVar(&f.in, "in", "", "Input text or SSML file, - for stdin")
	fs.StringVar(&f.out, "out", "", "Output audio path (default <input>.<format ext>)")
	fs.StringVar(&f.mergeMode, "mode", "", "Merge mode: single or separate")
	fs.IntVar(&f.target, "target", 0, "Target chunk size in characters")
	fs.IntVar(&f.min, "min", 0, "Minimum chunk size in characters")
	fs.IntVar(&f.margin, "margin", 0, "Safety margin in characters")
	fs.StringVar(&f.voice, "voice", "", "Voice name")
	fs.StringVar(&f.language, "lang", "", "Language tag")
	fs.BoolVar(&f.ignoreSentences, "ignore-sentences", false, "Pack words instead of sentences")
	fs.BoolVar(&f.splitParagraphs, "split-paragraphs", false, "Start a new chunk at every paragraph")
}

func (f *renderFlags) apply(cfg *config.Config) {
	if f.mergeMode != "" {
		cfg.Render.MergeMode = f.mergeMode
	}
	if f.target > 0 {
		cfg.Render.TargetChunkChars = f.target
	}
	if f.min > 0 {
		cfg.Render.MinChunkChars = f.min
	}
	if f.margin > 0 {
		cfg.Render.SafetyMarginChars = f.margin
	}
	if f.ignoreSentences {
		cfg.Render.RespectSentenceBoundaries = false
	}
	if f.splitParagraphs {
		cfg.Render.KeepShortParagraphsTogether = false
	}
	if f.voice != "" {
		cfg.Synth.Voice = f.voice
	}
	if f.language != "" {
		cfg.Synth.Language = f.language
	}
}

type renderSummary struct {
	RunID            string `json:"run_id"`
	Path             string `json:"path"`
	Merged           bool   `json:"merged"`
	Partial          bool   `json:"partial"`
	Cancelled        bool   `json:"cancelled"`
	Chunks           int    `json:"chunks"`
	Failed           []int  `json:"failed,omitempty"`
	TargetChunkChars int    `json:"target_chunk_chars"`
	Passes           int    `json:"passes"`
	MergeError       string `json:"merge_error,omitempty"`
}

func runRender(ctx context.Context, args []string) error {
	var f renderFlags
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	cfg, logger, err := f.load()
	if err != nil {
		return err
	}
	f.apply(&cfg)
	opts := cfg.Render.Options()
	if err := opts.Validate(); err != nil {
		return err
	}

	text, err := readInput(f.in)
	if err != nil {
		return err
	}
	out := f.out
	if out == "" {
		out = defaultOutput(f.in, cfg.Synth.OutputFormat)
	}

	shutdown, _, err := runtime.SetupTelemetry(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdown(context.WithoutCancel(ctx))

	store, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	synth, err := tts.FromConfig(cfg.Synth)
	if err != nil {
		return err
	}
	orch := pipeline.New(synth, merge.FromConfig(cfg.Merge, logger), logger, pipeline.Options{Journal: store})

	base := tts.Request{
		Voice:      cfg.Synth.Voice,
		Language:   cfg.Synth.Language,
		Format:     cfg.Synth.OutputFormat,
		SampleRate: cfg.Synth.SampleRate,
		Channels:   cfg.Synth.Channels,
		OutputPath: out,
	}
	res, err := orch.ProcessWithAdaptiveBudget(ctx, text, opts, base)
	if err != nil {
		return err
	}

	summary := renderSummary{
		RunID:            res.RunID,
		Path:             res.Path,
		Merged:           res.Merged,
		Partial:          res.Partial,
		Cancelled:        res.Cancelled,
		Chunks:           res.Chunks,
		Failed:           res.Failed,
		TargetChunkChars: res.TargetChunkChars,
		Passes:           res.Passes,
	}
	if res.MergeErr != nil {
		summary.MergeError = res.MergeErr.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func defaultOutput(in, format string) string {
	ext := tts.FileExtension(format)
	if in == "" || in == "-" {
		return "output" + ext
	}
	return strings.TrimSuffix(in, filepath.Ext(in)) + ext
}
