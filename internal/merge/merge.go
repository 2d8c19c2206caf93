// Package merge concatenates per-chunk audio files into one artifact.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
)

var (
	ErrNoInputs     = errors.New("no input files to merge")
	ErrToolNotFound = errors.New("concatenation tool not found")
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures tool discovery and the fallback encoding parameters.
type Options struct {
	Candidates         []string
	ProbeTimeout       time.Duration
	FallbackSampleRate int
	FallbackChannels   int
	FallbackBitrate    string
	// TempDir holds concat manifests; empty means os.TempDir().
	TempDir string
	Runner  Runner
}

// Merger joins rendered audio parts with an external tool, falling back to
// a byte copy when only one part exists.
type Merger struct {
	opts      Options
	log       *slog.Logger
	fallbacks metric.Int64Counter

	mu   sync.Mutex
	tool string
}

func New(opts Options, logger *slog.Logger) *Merger {
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	m := &Merger{opts: opts, log: logger.With(slog.String("component", "merger"))}
	counter, err := otel.Meter("github.com/Coffee285/azure-tts-batch-studio-sub000/merge").Int64Counter(
		"ttsbatch.merge.fallbacks",
		metric.WithDescription("Merges that fell back to re-encoding"),
	)
	if err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	m.fallbacks = counter
	return m
}

func FromConfig(cfg config.MergeConfig, logger *slog.Logger) *Merger {
	return New(Options{
		Candidates:         cfg.ToolCandidates,
		ProbeTimeout:       time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		FallbackSampleRate: cfg.FallbackSampleRate,
		FallbackChannels:   cfg.FallbackChannels,
		FallbackBitrate:    cfg.FallbackBitrate,
	}, logger)
}

// Merge writes the files in order into outputPath and returns it. A single
// input is copied; several go through a stream-copy concat with a
// re-encoding fallback.
func (m *Merger) Merge(ctx context.Context, paths []string, outputPath string) (string, error) {
	switch len(paths) {
	case 0:
		return "", ErrNoInputs
	case 1:
		if err := copyFile(paths[0], outputPath); err != nil {
			return "", fmt.Errorf("copy single input: %w", err)
		}
		return outputPath, nil
	}

	tool, err := m.ResolveTool(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	manifest, err := m.writeManifest(paths)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.Remove(manifest); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove concat manifest", slog.String("path", manifest), slogError(err))
		}
	}()

	concat := []string{"-hide_banner", "-y", "-f", "concat", "-safe", "0", "-i", manifest}
	copyOut, copyErr := m.opts.Runner.Run(ctx, tool, append(concat, "-c", "copy", outputPath)...)
	if copyErr == nil {
		return outputPath, nil
	}
	m.log.Warn("stream copy merge failed, re-encoding", slogError(copyErr), slog.Int("inputs", len(paths)))
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}

	reencode := append(concat,
		"-ar", strconv.Itoa(m.opts.FallbackSampleRate),
		"-ac", strconv.Itoa(m.opts.FallbackChannels),
		"-b:a", m.opts.FallbackBitrate,
		outputPath,
	)
	encOut, encErr := m.opts.Runner.Run(ctx, tool, reencode...)
	if encErr != nil {
		return "", fmt.Errorf("merge failed: stream copy: %v: %s; re-encode: %w: %s",
			copyErr, strings.TrimSpace(string(copyOut)), encErr, strings.TrimSpace(string(encOut)))
	}
	return outputPath, nil
}

// ResolveTool probes the candidates in order with a version check and caches
// the first that answers.
func (m *Merger) ResolveTool(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tool != "" {
		return m.tool, nil
	}
	for _, candidate := range m.opts.Candidates {
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		_, err := m.opts.Runner.Run(probeCtx, candidate, "-version")
		cancel()
		if err != nil {
			m.log.Debug("merge tool probe failed", slog.String("candidate", candidate), slogError(err))
			continue
		}
		if abs, err := exec.LookPath(candidate); err == nil {
			candidate = abs
		}
		m.tool = candidate
		m.log.Info("merge tool resolved", slog.String("tool", candidate))
		return candidate, nil
	}
	return "", fmt.Errorf("%w: tried %s", ErrToolNotFound, strings.Join(m.opts.Candidates, ", "))
}

func (m *Merger) writeManifest(paths []string) (string, error) {
	f, err := os.CreateTemp(m.opts.TempDir, "ttsbatch-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat manifest: %w", err)
	}
	body, err := Manifest(paths)
	if err == nil {
		_, err = f.WriteString(body)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write concat manifest: %w", err)
	}
	return f.Name(), nil
}

// Manifest renders the concat list, one "file '<path>'" line per input with
// absolute, quote-escaped paths.
func Manifest(paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		sb.WriteString("file '")
		sb.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		sb.WriteString("'\n")
	}
	return sb.String(), nil
}

func copyFile(src, dst string) error {
	if sameFile(src, dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sameFile(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(sa, sb)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
