package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidOptions is returned by Validate.
var ErrInvalidOptions = errors.New("invalid render options")

// MergeMode selects whether rendered parts are joined into one output file.
type MergeMode string

const (
	SingleMergedFile  MergeMode = "single"
	SeparateFilesOnly MergeMode = "separate"
)

// RenderOptions are fixed for the duration of one run.
type RenderOptions struct {
	MergeMode                   MergeMode
	TargetChunkChars            int
	MinChunkChars               int
	SafetyMarginChars           int
	RespectSentenceBoundaries   bool
	KeepShortParagraphsTogether bool
}

// DefaultOptions returns the stock chunking parameters.
func DefaultOptions() RenderOptions {
	return RenderOptions{
		MergeMode:                   SingleMergedFile,
		TargetChunkChars:            2000,
		MinChunkChars:               1400,
		SafetyMarginChars:           250,
		RespectSentenceBoundaries:   true,
		KeepShortParagraphsTogether: true,
	}
}

// Budget is the maximum plain-text size a chunk may occupy before wrapping.
func (o RenderOptions) Budget() int {
	return o.TargetChunkChars - o.SafetyMarginChars
}

// WithTarget returns a copy with a new target size and the same safety margin.
func (o RenderOptions) WithTarget(target int) RenderOptions {
	o.TargetChunkChars = target
	return o
}

// Validate checks that the sizes are non-negative and that the minimum and
// safety margin both sit below the target.
func (o RenderOptions) Validate() error {
	switch o.MergeMode {
	case SingleMergedFile, SeparateFilesOnly:
	default:
		return fmt.Errorf("%w: merge mode %q must be one of single|separate", ErrInvalidOptions, o.MergeMode)
	}
	if o.TargetChunkChars <= 0 {
		return fmt.Errorf("%w: target chunk chars must be positive", ErrInvalidOptions)
	}
	if o.MinChunkChars < 0 {
		return fmt.Errorf("%w: min chunk chars must be >= 0", ErrInvalidOptions)
	}
	if o.SafetyMarginChars < 0 {
		return fmt.Errorf("%w: safety margin chars must be >= 0", ErrInvalidOptions)
	}
	if o.MinChunkChars >= o.TargetChunkChars {
		return fmt.Errorf("%w: min chunk chars (%d) must be below target (%d)", ErrInvalidOptions, o.MinChunkChars, o.TargetChunkChars)
	}
	if o.SafetyMarginChars >= o.TargetChunkChars {
		return fmt.Errorf("%w: safety margin (%d) must be below target (%d)", ErrInvalidOptions, o.SafetyMarginChars, o.TargetChunkChars)
	}
	return nil
}
