package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/journal"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

// fakeSynth writes a small file per successful request. fn decides the
// outcome from the request and the 1-based attempt count for its index.
type fakeSynth struct {
	mu       sync.Mutex
	fn       func(req tts.Request, attempt int) error
	attempts map[int]int
	requests []tts.Request
}

func (f *fakeSynth) Render(_ context.Context, req tts.Request) error {
	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[int]int)
	}
	f.attempts[req.Index]++
	attempt := f.attempts[req.Index]
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(req, attempt); err != nil {
			return err
		}
	}
	return os.WriteFile(req.OutputPath, []byte(fmt.Sprintf("chunk-%d", req.Index)), 0o644)
}

type fakeMerger struct {
	calls [][]string
	err   error
}

func (f *fakeMerger) Merge(_ context.Context, paths []string, out string) (string, error) {
	f.calls = append(f.calls, append([]string(nil), paths...))
	if f.err != nil {
		return "", f.err
	}
	var buf []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		buf = append(buf, data...)
	}
	return out, os.WriteFile(out, buf, 0o644)
}

func testWrap(text string) string { return "<speak>" + text + "</speak>" }

// fiveChunkOptions packs one 59-char sentence per chunk.
func fiveChunkOptions() chunk.RenderOptions {
	opts := chunk.DefaultOptions()
	opts.TargetChunkChars = 120
	opts.MinChunkChars = 0
	opts.SafetyMarginChars = 20
	return opts
}

func sentences(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Sentence number %d is here and it carries some filler words.", i%10)
	}
	return strings.Join(parts, " ")
}

func baseRequest(t *testing.T) tts.Request {
	t.Helper()
	return tts.Request{
		Voice:      "en-US-JennyNeural",
		Language:   "en-US",
		Format:     "riff-24khz-16bit-mono-pcm",
		SampleRate: 24000,
		Channels:   1,
		OutputPath: filepath.Join(t.TempDir(), "book.wav"),
	}
}

func newOrchestrator(synth tts.Synthesizer, merger Merger, rec Recorder) *Orchestrator {
	return New(synth, merger, newLogger(), Options{Wrap: testWrap, Journal: rec, NewBackOff: noWait})
}

func TestPartFileNameRoundTrip(t *testing.T) {
	if got := PartFileName("out/book.wav", 7); got != "out/book_part_007.wav" {
		t.Fatalf("unexpected part name %q", got)
	}
	if got := PartFileName("book", 12); got != "book_part_012" {
		t.Fatalf("unexpected part name without extension %q", got)
	}
	for i := 1; i <= 999; i++ {
		name := PartFileName("/data/out/my.book.mp3", i)
		if filepath.Dir(name) != "/data/out" {
			t.Fatalf("part %d left the output dir: %q", i, name)
		}
		got, ok := PartIndex(name)
		if !ok || got != i {
			t.Fatalf("round trip %d: got %d ok=%v from %q", i, got, ok, name)
		}
	}
	if _, ok := PartIndex("/data/out/book.wav"); ok {
		t.Fatalf("expected no index for a non-part file")
	}
}

func TestChunkRequestInheritsBase(t *testing.T) {
	base := baseRequest(t)
	base.RunID = "run-1"
	c := chunk.Chunk{Index: 3, Text: "hello", Wrapped: "<speak>hello</speak>"}
	req := ChunkRequest(base, c)
	if req.Voice != base.Voice || req.Format != base.Format || req.SampleRate != 24000 || req.Channels != 1 || req.RunID != "run-1" {
		t.Fatalf("base settings not inherited: %+v", req)
	}
	if req.Index != 3 || req.Text != "hello" || req.SSML != c.Wrapped {
		t.Fatalf("chunk payload not applied: %+v", req)
	}
	if req.OutputPath != PartFileName(base.OutputPath, 3) {
		t.Fatalf("unexpected output path %q", req.OutputPath)
	}
}

func TestProcessSingleChunkSkipsMerge(t *testing.T) {
	synth := &fakeSynth{}
	merger := &fakeMerger{}
	base := baseRequest(t)

	res, err := newOrchestrator(synth, merger, nil).Process(context.Background(), "Just one sentence.", chunk.DefaultOptions(), base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != PartFileName(base.OutputPath, 1) || res.Merged || res.Partial {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(merger.calls) != 0 {
		t.Fatalf("merger should not run for one chunk")
	}
	if res.RunID == "" {
		t.Fatalf("expected a generated run id")
	}
}

func TestProcessMergesInOrderAndRemovesParts(t *testing.T) {
	synth := &fakeSynth{}
	merger := &fakeMerger{}
	base := baseRequest(t)

	res, err := newOrchestrator(synth, merger, nil).Process(context.Background(), sentences(5), fiveChunkOptions(), base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Chunks != 5 || !res.Merged || res.Path != base.OutputPath || res.Partial {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(merger.calls) != 1 || len(merger.calls[0]) != 5 {
		t.Fatalf("unexpected merge calls: %v", merger.calls)
	}
	for i, p := range merger.calls[0] {
		if got, _ := PartIndex(p); got != i+1 {
			t.Fatalf("merge input %d out of order: %q", i, p)
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected part %q removed after merge", p)
		}
	}
	data, err := os.ReadFile(base.OutputPath)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if string(data) != "chunk-1chunk-2chunk-3chunk-4chunk-5" {
		t.Fatalf("unexpected merged content %q", data)
	}
}

func TestProcessSeparateFilesOnly(t *testing.T) {
	merger := &fakeMerger{}
	base := baseRequest(t)
	opts := fiveChunkOptions()
	opts.MergeMode = chunk.SeparateFilesOnly

	res, err := newOrchestrator(&fakeSynth{}, merger, nil).Process(context.Background(), sentences(3), opts, base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Path != filepath.Dir(base.OutputPath) || res.Merged {
		t.Fatalf("expected the parts directory, got %+v", res)
	}
	if len(merger.calls) != 0 {
		t.Fatalf("merger should not run in separate mode")
	}
	if len(res.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %v", res.Parts)
	}
	for _, p := range res.Parts {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("part %q missing: %v", p, err)
		}
	}
}

func TestProcessMergeFailureKeepsParts(t *testing.T) {
	merger := &fakeMerger{err: errors.New("ffmpeg exploded")}
	base := baseRequest(t)

	res, err := newOrchestrator(&fakeSynth{}, merger, nil).Process(context.Background(), sentences(2), fiveChunkOptions(), base)
	if err != nil {
		t.Fatalf("merge failure must not fail the run: %v", err)
	}
	if res.Path != filepath.Dir(base.OutputPath) || res.Merged || res.MergeErr == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, p := range res.Parts {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("part %q should survive a failed merge: %v", p, err)
		}
	}
}

func TestProcessRetriesAndSkipsFailedChunks(t *testing.T) {
	transient := errors.New("503 service unavailable")
	synth := &fakeSynth{fn: func(req tts.Request, attempt int) error {
		switch req.Index {
		case 2:
			if attempt < 3 {
				return transient
			}
		case 4:
			// Non-transient errors also consume every attempt.
			return errors.New("401 unauthorized")
		}
		return nil
	}}
	merger := &fakeMerger{}
	base := baseRequest(t)

	res, err := newOrchestrator(synth, merger, nil).Process(context.Background(), sentences(5), fiveChunkOptions(), base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if synth.attempts[2] != 3 || synth.attempts[4] != MaxAttempts || synth.attempts[1] != 1 {
		t.Fatalf("unexpected attempts: %v", synth.attempts)
	}
	if !res.Partial || len(res.Failed) != 1 || res.Failed[0] != 4 {
		t.Fatalf("expected chunk 4 failed, got %+v", res)
	}
	if len(res.Rendered) != 4 || !res.Merged {
		t.Fatalf("expected the other chunks merged, got %+v", res)
	}
	if len(merger.calls[0]) != 4 {
		t.Fatalf("merge should skip the failed chunk: %v", merger.calls[0])
	}
}

func TestProcessAllChunksFail(t *testing.T) {
	synth := &fakeSynth{fn: func(tts.Request, int) error { return errors.New("down") }}
	_, err := newOrchestrator(synth, &fakeMerger{}, nil).Process(context.Background(), sentences(2), fiveChunkOptions(), baseRequest(t))
	if !errors.Is(err, ErrNoChunksRendered) {
		t.Fatalf("expected ErrNoChunksRendered, got %v", err)
	}
}

func TestProcessEmptyInput(t *testing.T) {
	synth := &fakeSynth{}
	_, err := newOrchestrator(synth, &fakeMerger{}, nil).Process(context.Background(), "   \n ", chunk.DefaultOptions(), baseRequest(t))
	if !errors.Is(err, ErrNoChunksRendered) {
		t.Fatalf("expected ErrNoChunksRendered, got %v", err)
	}
	if len(synth.requests) != 0 {
		t.Fatalf("backend should not be called for empty input")
	}
}

func TestProcessPayloadTooLargeAbortsPass(t *testing.T) {
	synth := &fakeSynth{fn: func(req tts.Request, _ int) error {
		if req.Index == 3 {
			return fmt.Errorf("backend: %w", tts.ErrPayloadTooLarge)
		}
		return nil
	}}
	base := baseRequest(t)
	res, err := newOrchestrator(synth, &fakeMerger{}, nil).Process(context.Background(), sentences(5), fiveChunkOptions(), base)
	if !errors.Is(err, tts.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	var ce *ChunkError
	if !errors.As(err, &ce) || ce.Index != 3 || ce.Attempts != 1 {
		t.Fatalf("expected chunk 3 error after one attempt, got %v", err)
	}
	if synth.attempts[4] != 0 {
		t.Fatalf("pass should stop at the oversize chunk")
	}
	for _, i := range res.Rendered {
		if _, err := os.Stat(PartFileName(base.OutputPath, i)); !os.IsNotExist(err) {
			t.Fatalf("part %d from the aborted pass should be discarded", i)
		}
	}
}

func TestProcessMalformedMarkupIsFatal(t *testing.T) {
	synth := &fakeSynth{}
	_, err := newOrchestrator(synth, &fakeMerger{}, nil).ProcessWithAdaptiveBudget(context.Background(), "<speak><p>open</speak>", chunk.DefaultOptions(), baseRequest(t))
	if !errors.Is(err, chunk.ErrInvalidMarkup) {
		t.Fatalf("expected ErrInvalidMarkup, got %v", err)
	}
	if len(synth.requests) != 0 {
		t.Fatalf("backend should not be called")
	}
}

func TestAdaptiveBudgetShrinksUntilAccepted(t *testing.T) {
	const limit = 1700
	synth := &fakeSynth{fn: func(req tts.Request, _ int) error {
		if utf8.RuneCountInString(req.SSML) > limit {
			return tts.ErrPayloadTooLarge
		}
		return nil
	}}
	merger := &fakeMerger{}
	base := baseRequest(t)
	orch := New(synth, merger, newLogger(), Options{NewBackOff: noWait})

	res, err := orch.ProcessWithAdaptiveBudget(context.Background(), sentences(40), chunk.DefaultOptions(), base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Passes != 2 || res.TargetChunkChars != 1700 {
		t.Fatalf("expected success on second pass at 1700, got passes=%d target=%d", res.Passes, res.TargetChunkChars)
	}
	if !res.Merged || res.Path != base.OutputPath {
		t.Fatalf("unexpected result: %+v", res)
	}
	last := merger.calls[len(merger.calls)-1]
	if len(last) != res.Chunks {
		t.Fatalf("merged %d parts, expected %d", len(last), res.Chunks)
	}
	if !strings.HasPrefix(synth.requests[0].SSML, "<speak version=\"1.0\"") {
		t.Fatalf("expected default SSML wrapper, got %q", synth.requests[0].SSML[:40])
	}
}

func TestAdaptiveBudgetExhaustsAtFloor(t *testing.T) {
	synth := &fakeSynth{fn: func(tts.Request, int) error { return tts.ErrPayloadTooLarge }}
	orch := newOrchestrator(synth, &fakeMerger{}, nil)

	res, err := orch.ProcessWithAdaptiveBudget(context.Background(), sentences(40), chunk.DefaultOptions(), baseRequest(t))
	if !errors.Is(err, ErrBudgetExhausted) || !errors.Is(err, tts.ErrPayloadTooLarge) {
		t.Fatalf("expected exhausted budget wrapping payload too large, got %v", err)
	}
	if !strings.Contains(err.Error(), "floor 1400") {
		t.Fatalf("error should name the floor: %v", err)
	}
	if res.Passes != 3 || res.TargetChunkChars != 1445 {
		t.Fatalf("expected passes at 2000, 1700, 1445; got passes=%d last=%d", res.Passes, res.TargetChunkChars)
	}
	if len(synth.requests) != 3 {
		t.Fatalf("expected one request per pass, got %d", len(synth.requests))
	}
}

func TestAdaptiveBudgetStopsAboveSafetyMargin(t *testing.T) {
	synth := &fakeSynth{fn: func(tts.Request, int) error { return tts.ErrPayloadTooLarge }}
	orch := newOrchestrator(synth, &fakeMerger{}, nil)
	opts := chunk.DefaultOptions()
	opts.MinChunkChars = 100
	opts.SafetyMarginChars = 600

	res, err := orch.ProcessWithAdaptiveBudget(context.Background(), sentences(40), opts, baseRequest(t))
	if !errors.Is(err, ErrBudgetExhausted) || !errors.Is(err, tts.ErrPayloadTooLarge) {
		t.Fatalf("expected exhausted budget wrapping payload too large, got %v", err)
	}
	if errors.Is(err, chunk.ErrInvalidOptions) {
		t.Fatalf("shrinking must not produce invalid options: %v", err)
	}
	if !strings.Contains(err.Error(), "floor 601, 7 shrinks") {
		t.Fatalf("error should name the margin floor and shrink count: %v", err)
	}
	// 2000, 1700, 1445, 1228, 1043, 886, 753, 640; 544 would leave no text budget.
	if res.Passes != 8 || res.TargetChunkChars != 640 {
		t.Fatalf("expected 8 passes ending at 640, got passes=%d last=%d", res.Passes, res.TargetChunkChars)
	}
}

func TestAdaptiveBudgetDoesNotShrinkOnOtherErrors(t *testing.T) {
	synth := &fakeSynth{fn: func(tts.Request, int) error { return errors.New("connection reset") }}
	res, err := newOrchestrator(synth, &fakeMerger{}, nil).ProcessWithAdaptiveBudget(context.Background(), sentences(3), fiveChunkOptions(), baseRequest(t))
	if !errors.Is(err, ErrNoChunksRendered) {
		t.Fatalf("expected ErrNoChunksRendered, got %v", err)
	}
	if res.Passes != 1 {
		t.Fatalf("expected a single pass, got %d", res.Passes)
	}
}

func TestProcessCancellationKeepsRenderedChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := &fakeSynth{fn: func(req tts.Request, _ int) error {
		if req.Index == 2 {
			cancel()
		}
		return nil
	}}
	merger := &fakeMerger{}
	base := baseRequest(t)

	res, err := newOrchestrator(synth, merger, nil).Process(ctx, sentences(5), fiveChunkOptions(), base)
	if err != nil {
		t.Fatalf("cancellation after progress should not fail: %v", err)
	}
	if !res.Cancelled || !res.Partial || len(res.Rendered) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(merger.calls) != 0 {
		t.Fatalf("merge should be skipped once cancelled")
	}
	if res.Path != filepath.Dir(base.OutputPath) {
		t.Fatalf("expected parts directory, got %q", res.Path)
	}
	if synth.attempts[3] != 0 {
		t.Fatalf("no chunk should start after cancellation")
	}
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	synth := &fakeSynth{}
	_, err := newOrchestrator(synth, &fakeMerger{}, nil).Process(ctx, sentences(3), fiveChunkOptions(), baseRequest(t))
	if !errors.Is(err, ErrNoChunksRendered) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled empty run, got %v", err)
	}
	if len(synth.requests) != 0 {
		t.Fatalf("backend should not be called")
	}
}

func TestChunkBackOffSchedule(t *testing.T) {
	b := ChunkBackOff()
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("delay %d: got %v want %v", i, got, w)
		}
	}
}

func TestRunIsJournaled(t *testing.T) {
	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	synth := &fakeSynth{fn: func(req tts.Request, _ int) error {
		if req.Index == 2 {
			return errors.New("boom")
		}
		return nil
	}}
	base := baseRequest(t)
	base.RunID = "run-journal"
	res, err := newOrchestrator(synth, &fakeMerger{}, store).ProcessWithAdaptiveBudget(context.Background(), sentences(3), fiveChunkOptions(), base)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	run, err := store.GetRun(context.Background(), "run-journal")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != journal.StatusPartial || run.Output != res.Path || run.InputKind != "text" {
		t.Fatalf("unexpected run record: %+v", run)
	}
	events, err := store.ListChunkEvents(context.Background(), "run-journal", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 chunk events, got %d", len(events))
	}
	if events[1].Status != journal.StatusFailed || events[1].Attempts != MaxAttempts || events[1].Error == "" {
		t.Fatalf("unexpected failed event: %+v", events[1])
	}
}
