package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Render      RenderConfig    `yaml:"render"`
	Synth       SynthConfig     `yaml:"synth"`
	Merge       MergeConfig     `yaml:"merge"`
	Jobs        JobsConfig      `yaml:"jobs"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RenderConfig struct {
	MergeMode                   string `yaml:"merge_mode"`
	TargetChunkChars            int    `yaml:"target_chunk_chars"`
	MinChunkChars               int    `yaml:"min_chunk_chars"`
	SafetyMarginChars           int    `yaml:"safety_margin_chars"`
	RespectSentenceBoundaries   bool   `yaml:"respect_sentence_boundaries"`
	KeepShortParagraphsTogether bool   `yaml:"keep_short_paragraphs_together"`
}

type SynthConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, http
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Voice           string `yaml:"voice"`
	Language        string `yaml:"language"`
	OutputFormat    string `yaml:"output_format"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	MaxPayloadChars int    `yaml:"max_payload_chars"`
}

type MergeConfig struct {
	ToolCandidates     []string `yaml:"tool_candidates"`
	ProbeTimeoutMS     int      `yaml:"probe_timeout_ms"`
	FallbackSampleRate int      `yaml:"fallback_sample_rate"`
	FallbackChannels   int      `yaml:"fallback_channels"`
	FallbackBitrate    string   `yaml:"fallback_bitrate"`
}

type JobsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Options converts the render section into per-run chunking options.
func (r RenderConfig) Options() chunk.RenderOptions {
	return chunk.RenderOptions{
		MergeMode:                   chunk.MergeMode(r.MergeMode),
		TargetChunkChars:            r.TargetChunkChars,
		MinChunkChars:               r.MinChunkChars,
		SafetyMarginChars:           r.SafetyMarginChars,
		RespectSentenceBoundaries:   r.RespectSentenceBoundaries,
		KeepShortParagraphsTogether: r.KeepShortParagraphsTogether,
	}
}

func Default() Config {
	render := chunk.DefaultOptions()
	return Config{
		RuntimeName: "ttsbatch",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/ttsbatch-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Render: RenderConfig{
			MergeMode:                   string(render.MergeMode),
			TargetChunkChars:            render.TargetChunkChars,
			MinChunkChars:               render.MinChunkChars,
			SafetyMarginChars:           render.SafetyMarginChars,
			RespectSentenceBoundaries:   render.RespectSentenceBoundaries,
			KeepShortParagraphsTogether: render.KeepShortParagraphsTogether,
		},
		Synth: SynthConfig{
			Mode:         "mock",
			Voice:        "en-US-JennyNeural",
			Language:     "en-US",
			OutputFormat: "riff-24khz-16bit-mono-pcm",
			SampleRate:   24000,
			Channels:     1,
			TimeoutMS:    60000,
		},
		Merge: MergeConfig{
			ToolCandidates:     []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/opt/homebrew/bin/ffmpeg", "ffmpeg.exe"},
			ProbeTimeoutMS:     5000,
			FallbackSampleRate: 48000,
			FallbackChannels:   1,
			FallbackBitrate:    "192k",
		},
		Jobs: JobsConfig{
			Enabled:   true,
			OutputDir: "./data/output",
			TimeoutMS: 30 * 60 * 1000,
		},
	}
}

// Load reads path (if set), then a .env file in the working directory (if
// present), then TTSB_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TTSB_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TTSB_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TTSB_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TTSB_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TTSB_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TTSB_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TTSB_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "TTSB_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "TTSB_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TTSB_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TTSB_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TTSB_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TTSB_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TTSB_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TTSB_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TTSB_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TTSB_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TTSB_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "TTSB_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "TTSB_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "TTSB_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "TTSB_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "TTSB_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Render.MergeMode, "TTSB_RENDER_MERGE_MODE")
	overrideInt(&cfg.Render.TargetChunkChars, "TTSB_RENDER_TARGET_CHUNK_CHARS")
	overrideInt(&cfg.Render.MinChunkChars, "TTSB_RENDER_MIN_CHUNK_CHARS")
	overrideInt(&cfg.Render.SafetyMarginChars, "TTSB_RENDER_SAFETY_MARGIN_CHARS")
	overrideBool(&cfg.Render.RespectSentenceBoundaries, "TTSB_RENDER_RESPECT_SENTENCE_BOUNDARIES")
	overrideBool(&cfg.Render.KeepShortParagraphsTogether, "TTSB_RENDER_KEEP_SHORT_PARAGRAPHS_TOGETHER")
	overrideString(&cfg.Synth.Mode, "TTSB_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "TTSB_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Endpoint, "TTSB_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.APIKey, "TTSB_SYNTH_API_KEY")
	overrideString(&cfg.Synth.Voice, "TTSB_SYNTH_VOICE")
	overrideString(&cfg.Synth.Language, "TTSB_SYNTH_LANGUAGE")
	overrideString(&cfg.Synth.OutputFormat, "TTSB_SYNTH_OUTPUT_FORMAT")
	overrideInt(&cfg.Synth.SampleRate, "TTSB_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "TTSB_SYNTH_CHANNELS")
	overrideInt(&cfg.Synth.TimeoutMS, "TTSB_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Synth.MaxPayloadChars, "TTSB_SYNTH_MAX_PAYLOAD_CHARS")
	overrideStringSlice(&cfg.Merge.ToolCandidates, "TTSB_MERGE_TOOL_CANDIDATES")
	overrideInt(&cfg.Merge.ProbeTimeoutMS, "TTSB_MERGE_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Merge.FallbackSampleRate, "TTSB_MERGE_FALLBACK_SAMPLE_RATE")
	overrideInt(&cfg.Merge.FallbackChannels, "TTSB_MERGE_FALLBACK_CHANNELS")
	overrideString(&cfg.Merge.FallbackBitrate, "TTSB_MERGE_FALLBACK_BITRATE")
	overrideBool(&cfg.Jobs.Enabled, "TTSB_JOBS_ENABLED")
	overrideString(&cfg.Jobs.OutputDir, "TTSB_JOBS_OUTPUT_DIR")
	overrideInt(&cfg.Jobs.TimeoutMS, "TTSB_JOBS_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if err := cfg.Render.Options().Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	switch cfg.Synth.Mode {
	case "mock":
	case "exec":
		if cfg.Synth.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
	case "http":
		if cfg.Synth.Endpoint == "" {
			return errors.New("synth.endpoint must be set when mode=http")
		}
	default:
		return errors.New("synth.mode must be one of mock|exec|http")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.Channels <= 0 {
		return errors.New("synth.channels must be positive")
	}
	if len(cfg.Merge.ToolCandidates) == 0 {
		return errors.New("merge.tool_candidates must not be empty")
	}
	if cfg.Merge.ProbeTimeoutMS <= 0 {
		return errors.New("merge.probe_timeout_ms must be positive")
	}
	if cfg.Jobs.Enabled && cfg.Jobs.OutputDir == "" {
		return errors.New("jobs.output_dir must not be empty when jobs are enabled")
	}
	return nil
}
