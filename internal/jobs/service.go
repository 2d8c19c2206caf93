// Package jobs accepts render jobs over the bus and runs them one at a time.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/bus"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/pipeline"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/protocol"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

// StatusBucket is the JetStream key-value bucket holding the last status of each job.
const StatusBucket = "ttsbatch_jobs"

var ErrJobNotFound = errors.New("job not found")

// Renderer runs one document through the pipeline.
type Renderer interface {
	ProcessWithAdaptiveBudget(ctx context.Context, text string, opts chunk.RenderOptions, base tts.Request) (pipeline.Result, error)
}

type Service struct {
	cfg      config.JobsConfig
	render   config.RenderConfig
	synth    config.SynthConfig
	bus      *bus.Client
	renderer Renderer
	sub      *nats.Subscription
	kv       nats.KeyValue
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	// runs are serialized; the pipeline is sequential by contract.
	runMu  sync.Mutex
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, renderer Renderer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg.Jobs,
		render:   cfg.Render,
		synth:    cfg.Synth,
		bus:      busClient,
		renderer: renderer,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "jobs-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.kv = s.statusBucket()
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// statusBucket opens or creates the status bucket. Without JetStream the
// service still runs and statuses are only published.
func (s *Service) statusBucket() nats.KeyValue {
	js := s.bus.JetStream()
	if js == nil {
		return nil
	}
	kv, err := js.KeyValue(StatusBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: StatusBucket, History: 1})
	}
	if err != nil {
		s.logger.Warn("job status bucket unavailable", slogError(err))
		return nil
	}
	return kv
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// Status returns the last recorded status of a job.
func (s *Service) Status(jobID string) (protocol.RenderStatus, error) {
	if s.kv == nil {
		return protocol.RenderStatus{}, ErrJobNotFound
	}
	entry, err := s.kv.Get(jobID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return protocol.RenderStatus{}, ErrJobNotFound
	}
	if err != nil {
		return protocol.RenderStatus{}, err
	}
	var st protocol.RenderStatus
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return protocol.RenderStatus{}, fmt.Errorf("decode job status: %w", err)
	}
	return st, nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var job protocol.RenderJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode render job", slogError(err))
		s.reply(msg, protocol.RenderStatus{State: protocol.StateFailed, Error: "invalid job: " + err.Error(), Timestamp: time.Now().UTC()})
		return
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}

	opts, base, err := s.prepare(job)
	if err != nil {
		st := protocol.RenderStatus{JobID: job.JobID, State: protocol.StateFailed, Error: err.Error(), Timestamp: time.Now().UTC()}
		s.reply(msg, st)
		s.publish(st)
		return
	}

	accepted := protocol.RenderStatus{JobID: job.JobID, State: protocol.StateAccepted, Path: base.OutputPath, Timestamp: time.Now().UTC()}
	s.store(accepted)
	s.reply(msg, accepted)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(job, opts, base)
	}()
}

func (s *Service) run(job protocol.RenderJob, opts chunk.RenderOptions, base tts.Request) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	log := s.logger.With(slog.String("job_id", job.JobID))
	log.Info("render job started", slog.String("output", base.OutputPath), slog.Int("chars", len(job.Text)))

	res, err := s.renderer.ProcessWithAdaptiveBudget(ctx, job.Text, opts, base)
	st := statusFor(job.JobID, res, err)
	if err != nil {
		log.Warn("render job failed", slogError(err))
	} else {
		log.Info("render job finished", slog.String("state", st.State), slog.String("path", st.Path))
	}
	s.publish(st)
}

// prepare applies job overrides on top of the daemon defaults.
func (s *Service) prepare(job protocol.RenderJob) (chunk.RenderOptions, tts.Request, error) {
	if job.Text == "" {
		return chunk.RenderOptions{}, tts.Request{}, errors.New("job text is empty")
	}
	opts := s.render.Options()
	if job.MergeMode != "" {
		opts.MergeMode = chunk.MergeMode(job.MergeMode)
	}
	if job.TargetChunkChars > 0 {
		opts.TargetChunkChars = job.TargetChunkChars
	}
	if job.MinChunkChars > 0 {
		opts.MinChunkChars = job.MinChunkChars
	}
	if job.SafetyMarginChars > 0 {
		opts.SafetyMarginChars = job.SafetyMarginChars
	}
	if job.RespectSentenceBoundaries != nil {
		opts.RespectSentenceBoundaries = *job.RespectSentenceBoundaries
	}
	if job.KeepShortParagraphsTogether != nil {
		opts.KeepShortParagraphsTogether = *job.KeepShortParagraphsTogether
	}
	if err := opts.Validate(); err != nil {
		return chunk.RenderOptions{}, tts.Request{}, err
	}

	base := tts.Request{
		RunID:      job.JobID,
		Voice:      s.synth.Voice,
		Language:   s.synth.Language,
		Format:     s.synth.OutputFormat,
		SampleRate: s.synth.SampleRate,
		Channels:   s.synth.Channels,
	}
	if job.Voice != "" {
		base.Voice = job.Voice
	}
	if job.Language != "" {
		base.Language = job.Language
	}
	base.OutputPath = s.outputPath(job)
	return opts, base, nil
}

func (s *Service) outputPath(job protocol.RenderJob) string {
	out := job.Output
	if out == "" {
		out = job.JobID + tts.FileExtension(s.synth.OutputFormat)
	}
	if filepath.IsAbs(out) || s.cfg.OutputDir == "" {
		return out
	}
	return filepath.Join(s.cfg.OutputDir, out)
}

func statusFor(jobID string, res pipeline.Result, err error) protocol.RenderStatus {
	st := protocol.RenderStatus{
		JobID:            jobID,
		RunID:            res.RunID,
		State:            protocol.StateCompleted,
		Path:             res.Path,
		Merged:           res.Merged,
		Partial:          res.Partial,
		Chunks:           res.Chunks,
		Failed:           res.Failed,
		TargetChunkChars: res.TargetChunkChars,
		Passes:           res.Passes,
		Timestamp:        time.Now().UTC(),
	}
	switch {
	case err != nil:
		st.State = protocol.StateFailed
		st.Error = err.Error()
	case res.Partial || res.MergeErr != nil:
		st.State = protocol.StatePartial
	}
	if res.MergeErr != nil {
		st.MergeError = res.MergeErr.Error()
	}
	return st
}

func (s *Service) publish(st protocol.RenderStatus) {
	s.store(st)
	if err := s.bus.PublishJSON(protocol.SubjectRenderDone, st); err != nil {
		s.logger.Warn("failed to publish job status", slogError(err))
	}
}

func (s *Service) store(st protocol.RenderStatus) {
	if s.kv == nil || st.JobID == "" {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn("failed to marshal job status", slogError(err))
		return
	}
	if _, err := s.kv.Put(st.JobID, data); err != nil {
		s.logger.Warn("failed to store job status", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, st protocol.RenderStatus) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		s.logger.Warn("failed to marshal job reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to render job", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
