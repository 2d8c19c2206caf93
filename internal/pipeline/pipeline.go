// Package pipeline drives chunking, rendering and merging for one document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/budget"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/journal"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

const (
	// MaxAttempts bounds the tries per chunk within one pass.
	MaxAttempts = 3
	// RetryBaseDelay is the wait after the first failed attempt; it doubles each time.
	RetryBaseDelay = 500 * time.Millisecond

	instrumentation = "github.com/Coffee285/azure-tts-batch-studio-sub000/pipeline"
)

// Merger joins rendered parts into one file.
type Merger interface {
	Merge(ctx context.Context, paths []string, outputPath string) (string, error)
}

// Recorder persists run and chunk outcomes. *journal.Store satisfies it.
type Recorder interface {
	StartRun(ctx context.Context, run journal.Run) error
	RecordChunk(ctx context.Context, evt journal.ChunkEvent) error
	FinishRun(ctx context.Context, runID, status string, targetChunkChars int, output, errMsg string) error
}

type Options struct {
	// Wrap builds the backend payload. Defaults to an SSML voice wrapper
	// derived from the base request.
	Wrap chunk.WrapFunc
	// Journal is optional.
	Journal Recorder
	// NewBackOff returns the per-chunk retry schedule.
	NewBackOff func() backoff.BackOff
}

// Result is the end state of a run.
type Result struct {
	RunID string
	// Path is the merged file, the only part file, or the directory of parts.
	Path      string
	Merged    bool
	Partial   bool
	Cancelled bool
	Chunks    int
	Rendered  []int
	Failed    []int
	// Parts lists part files left on disk.
	Parts            []string
	MergeErr         error
	TargetChunkChars int
	Passes           int
}

type Orchestrator struct {
	synth      tts.Synthesizer
	merger     Merger
	journal    Recorder
	wrap       chunk.WrapFunc
	newBackOff func() backoff.BackOff
	log        *slog.Logger
	tracer     trace.Tracer

	rendered metric.Int64Counter
	failed   metric.Int64Counter
	shrinks  metric.Int64Counter
}

func New(synth tts.Synthesizer, merger Merger, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.NewBackOff == nil {
		opts.NewBackOff = ChunkBackOff
	}
	o := &Orchestrator{
		synth:      synth,
		merger:     merger,
		journal:    opts.Journal,
		wrap:       opts.Wrap,
		newBackOff: opts.NewBackOff,
		log:        logger.With(slog.String("component", "pipeline")),
		tracer:     otel.Tracer(instrumentation),
	}
	meter := otel.Meter(instrumentation)
	var err error
	if o.rendered, err = meter.Int64Counter("ttsbatch.chunks.rendered", metric.WithDescription("Chunks rendered successfully")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	if o.failed, err = meter.Int64Counter("ttsbatch.chunks.failed", metric.WithDescription("Chunks that exhausted their retries")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	if o.shrinks, err = meter.Int64Counter("ttsbatch.budget.shrinks", metric.WithDescription("Chunk budget reductions after oversize rejections")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

// ChunkBackOff waits 500ms, then 1s, between the attempts of one chunk.
func ChunkBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 8 * RetryBaseDelay
	b.Reset()
	return b
}

// Process renders text in a single pass at opts' budget. A payload-too-large
// rejection aborts the pass and is returned wrapped in a *ChunkError.
func (o *Orchestrator) Process(ctx context.Context, text string, opts chunk.RenderOptions, base tts.Request) (Result, error) {
	if base.RunID == "" {
		base.RunID = uuid.NewString()
	}
	res, err := o.pass(ctx, text, opts, base, 1)
	res.Passes = 1
	return res, err
}

// ProcessWithAdaptiveBudget runs passes, shrinking the chunk budget after
// each payload-too-large rejection until it succeeds or the floor is hit.
func (o *Orchestrator) ProcessWithAdaptiveBudget(ctx context.Context, text string, opts chunk.RenderOptions, base tts.Request) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	if base.RunID == "" {
		base.RunID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", base.RunID),
		attribute.Int("target_chunk_chars", opts.TargetChunkChars),
	))
	defer span.End()

	log := o.log.With(slog.String("run_id", base.RunID))
	o.startRun(ctx, base.RunID, text, opts)

	mgr := budget.New(opts.TargetChunkChars, opts.MinChunkChars)
	current := opts
	for passNo := 1; ; passNo++ {
		res, err := o.pass(ctx, text, current, base, passNo)
		res.Passes = passNo
		if err == nil {
			o.finishRun(ctx, res, nil)
			return res, nil
		}
		if !errors.Is(err, tts.ErrPayloadTooLarge) || ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.finishRun(ctx, res, err)
			return res, err
		}

		// A target at or below the safety margin leaves no budget for text.
		floor := max(mgr.Floor(), current.SafetyMarginChars+1)
		shrinks := mgr.Shrinks()
		next, ok := mgr.Shrink()
		if !ok || next < floor {
			err = fmt.Errorf("%w (floor %d, %d shrinks): %w", ErrBudgetExhausted, floor, shrinks, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.finishRun(ctx, res, err)
			log.Error("payload too large at floor budget",
				slog.Int("original", mgr.Original()),
				slog.Int("target_chunk_chars", current.TargetChunkChars),
				slog.Int("floor", floor),
				slog.Int("shrinks", shrinks),
				slogError(err),
			)
			return res, err
		}
		if o.shrinks != nil {
			o.shrinks.Add(ctx, 1)
		}
		log.Warn("payload too large, shrinking chunk budget",
			slog.Int("pass", passNo),
			slog.Int("from", current.TargetChunkChars),
			slog.Int("to", next),
		)
		span.AddEvent("budget.shrink", trace.WithAttributes(attribute.Int("target_chunk_chars", next)))
		current = shrunk(current, next)
	}
}

// shrunk keeps the minimum strictly below a reduced target.
func shrunk(opts chunk.RenderOptions, target int) chunk.RenderOptions {
	opts = opts.WithTarget(target)
	if opts.MinChunkChars >= target {
		opts.MinChunkChars = target - 1
	}
	return opts
}

func (o *Orchestrator) pass(ctx context.Context, text string, opts chunk.RenderOptions, base tts.Request, passNo int) (Result, error) {
	res := Result{RunID: base.RunID, TargetChunkChars: opts.TargetChunkChars}
	log := o.log.With(slog.String("run_id", base.RunID), slog.Int("pass", passNo))

	chunks, err := o.split(text, opts, base)
	if err != nil {
		return res, fmt.Errorf("split: %w", err)
	}
	res.Chunks = len(chunks)
	log.Info("split input", slog.Int("chunks", len(chunks)), slog.Int("target_chunk_chars", opts.TargetChunkChars))

	var done []chunk.Chunk
	for _, c := range chunks {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		req := ChunkRequest(base, c)
		attempts, err := o.renderChunk(ctx, req)
		if err != nil && errors.Is(err, tts.ErrPayloadTooLarge) {
			o.recordChunk(ctx, base.RunID, passNo, c, journal.StatusFailed, attempts, err)
			o.discard(done)
			return res, &ChunkError{Index: c.Index, Attempts: attempts, Err: err}
		}
		if err != nil && ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if err != nil {
			res.Failed = append(res.Failed, c.Index)
			if o.failed != nil {
				o.failed.Add(ctx, 1)
			}
			o.recordChunk(ctx, base.RunID, passNo, c, journal.StatusFailed, attempts, err)
			log.Warn("chunk failed", slog.Int("chunk", c.Index), slog.Int("attempts", attempts), slogError(err))
			continue
		}
		res.Rendered = append(res.Rendered, c.Index)
		if o.rendered != nil {
			o.rendered.Add(ctx, 1)
		}
		o.recordChunk(ctx, base.RunID, passNo, c, journal.StatusRendered, attempts, nil)
		done = append(done, c.WithOutput(req.OutputPath))
	}

	if res.Cancelled {
		log.Warn("run cancelled", slog.Int("rendered", len(done)), slog.Int("chunks", len(chunks)))
	}
	if len(done) == 0 {
		if res.Cancelled {
			return res, fmt.Errorf("%w: %w", ErrNoChunksRendered, ctx.Err())
		}
		return res, fmt.Errorf("%w: %d of %d chunks failed", ErrNoChunksRendered, len(res.Failed), len(chunks))
	}
	res.Partial = len(done) < len(chunks)
	res.Parts = outputPaths(done)

	switch {
	case len(done) == 1:
		res.Path = done[0].OutputPath
		return res, nil
	case opts.MergeMode == chunk.SeparateFilesOnly || res.Cancelled:
		res.Path = filepath.Dir(base.OutputPath)
		return res, nil
	}

	merged, err := o.merger.Merge(ctx, res.Parts, base.OutputPath)
	if err != nil {
		res.MergeErr = err
		res.Path = filepath.Dir(base.OutputPath)
		log.Warn("merge failed, keeping part files", slog.String("dir", res.Path), slogError(err))
		return res, nil
	}
	res.Merged = true
	res.Path = merged
	o.discard(done)
	res.Parts = nil
	log.Info("merged parts", slog.String("output", merged), slog.Int("parts", len(done)))
	return res, nil
}

func (o *Orchestrator) split(text string, opts chunk.RenderOptions, base tts.Request) ([]chunk.Chunk, error) {
	wrap := o.wrap
	if wrap == nil {
		wrap = tts.SSMLWrapper(base.Voice, base.Language)
	}
	if chunk.IsMarkup(text) {
		return chunk.SplitSSML(text, opts, wrap)
	}
	return chunk.SplitPlainText(text, opts, wrap)
}

// renderChunk tries req up to MaxAttempts times. Oversize rejections and
// cancellation stop the retries immediately.
func (o *Orchestrator) renderChunk(ctx context.Context, req tts.Request) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempts++
		err := o.synth.Render(ctx, req)
		if errors.Is(err, tts.ErrPayloadTooLarge) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.log.Debug("retrying chunk",
				slog.String("run_id", req.RunID),
				slog.Int("chunk", req.Index),
				slog.Int("attempt", attempts),
				slog.Duration("wait", wait),
				slogError(err),
			)
		}),
	)
	return attempts, err
}

func (o *Orchestrator) discard(chunks []chunk.Chunk) {
	for _, c := range chunks {
		if !c.Rendered() {
			continue
		}
		if err := os.Remove(c.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warn("failed to remove part file", slog.String("path", c.OutputPath), slogError(err))
		}
	}
}

func outputPaths(chunks []chunk.Chunk) []string {
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.OutputPath
	}
	return paths
}

func (o *Orchestrator) startRun(ctx context.Context, runID, text string, opts chunk.RenderOptions) {
	if o.journal == nil {
		return
	}
	kind := "text"
	if chunk.IsMarkup(text) {
		kind = "ssml"
	}
	run := journal.Run{ID: runID, InputKind: kind, MergeMode: string(opts.MergeMode), TargetChunkChars: opts.TargetChunkChars}
	if err := o.journal.StartRun(context.WithoutCancel(ctx), run); err != nil {
		o.log.Warn("journal start run failed", slog.String("run_id", runID), slogError(err))
	}
}

func (o *Orchestrator) recordChunk(ctx context.Context, runID string, passNo int, c chunk.Chunk, status string, attempts int, cause error) {
	if o.journal == nil {
		return
	}
	evt := journal.ChunkEvent{
		RunID:        runID,
		Pass:         passNo,
		Index:        c.Index,
		Status:       status,
		Attempts:     attempts,
		PayloadChars: c.EstimatedSize(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	if err := o.journal.RecordChunk(context.WithoutCancel(ctx), evt); err != nil {
		o.log.Warn("journal record chunk failed", slog.String("run_id", runID), slogError(err))
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, res Result, cause error) {
	if o.journal == nil {
		return
	}
	status := journal.StatusDone
	switch {
	case cause != nil:
		status = journal.StatusFailed
	case res.Partial || res.MergeErr != nil:
		status = journal.StatusPartial
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	} else if res.MergeErr != nil {
		msg = res.MergeErr.Error()
	}
	if err := o.journal.FinishRun(context.WithoutCancel(ctx), res.RunID, status, res.TargetChunkChars, res.Path, msg); err != nil {
		o.log.Warn("journal finish run failed", slog.String("run_id", res.RunID), slogError(err))
	}
}
