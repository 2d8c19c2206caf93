// Package protocol defines the messages exchanged on the bus.
package protocol

import "time"

// RenderJob asks a daemon to render one document.
type RenderJob struct {
	JobID  string `json:"job_id"`
	Text   string `json:"text"`
	Output string `json:"output"`
	// Optional overrides of the daemon's render and synth defaults.
	Voice                       string `json:"voice,omitempty"`
	Language                    string `json:"language,omitempty"`
	MergeMode                   string `json:"merge_mode,omitempty"`
	TargetChunkChars            int    `json:"target_chunk_chars,omitempty"`
	MinChunkChars               int    `json:"min_chunk_chars,omitempty"`
	SafetyMarginChars           int    `json:"safety_margin_chars,omitempty"`
	RespectSentenceBoundaries   *bool  `json:"respect_sentence_boundaries,omitempty"`
	KeepShortParagraphsTogether *bool  `json:"keep_short_paragraphs_together,omitempty"`
}

// RenderStatus reports the outcome of a RenderJob.
type RenderStatus struct {
	JobID            string    `json:"job_id"`
	RunID            string    `json:"run_id,omitempty"`
	State            string    `json:"state"`
	Path             string    `json:"path,omitempty"`
	Merged           bool      `json:"merged"`
	Partial          bool      `json:"partial"`
	Chunks           int       `json:"chunks"`
	Failed           []int     `json:"failed,omitempty"`
	TargetChunkChars int       `json:"target_chunk_chars,omitempty"`
	Passes           int       `json:"passes,omitempty"`
	Error            string    `json:"error,omitempty"`
	MergeError       string    `json:"merge_error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	StateAccepted  = "accepted"
	StateCompleted = "completed"
	StatePartial   = "partial"
	StateFailed    = "failed"
)

const (
	SubjectRenderRequest = "ttsbatch.render.request"
	SubjectRenderDone    = "ttsbatch.render.done"
)
