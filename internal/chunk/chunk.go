// Package chunk splits text into size-bounded synthesis units.
package chunk

import "unicode/utf8"

// WrapFunc turns plain text into the markup payload sent to the backend.
// It must be pure and always return well-formed markup.
type WrapFunc func(text string) string

// Chunk is one unit of synthesis work.
type Chunk struct {
	Index      int
	Text       string
	Wrapped    string
	OutputPath string

	hard bool
}

// EstimatedSize is the payload size the backend limit applies to.
func (c Chunk) EstimatedSize() int {
	return utf8.RuneCountInString(c.Wrapped)
}

// WithOutput returns a copy of c recorded as rendered to path.
func (c Chunk) WithOutput(path string) Chunk {
	c.OutputPath = path
	return c
}

// Rendered reports whether an audio part was written for c.
func (c Chunk) Rendered() bool { return c.OutputPath != "" }

func runeLen(s string) int { return utf8.RuneCountInString(s) }
