package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrWrapFunc marks a wrap function that produced unusable markup. It is a
// configuration error and aborts the run.
var ErrWrapFunc = errors.New("wrap function produced malformed markup")

// hardWrapRatio leaves room for the spaces added when words are re-joined.
const hardWrapRatio = 0.95

var (
	paragraphBreak   = regexp.MustCompile(`\r?\n[ \t]*(?:\r?\n[ \t]*)+`)
	sentenceBoundary = regexp.MustCompile(`(?:[.!?…]+["'”’»)\]}]*\s+)|(?:\s*\r?\n\s*)`)
)

type unit struct {
	text      string
	paragraph bool
}

// SplitPlainText splits plain text into chunks whose plain size stays within
// opts.Budget() and whose wrapped payload stays within opts.TargetChunkChars.
// Empty or all-whitespace input yields no chunks.
func SplitPlainText(text string, opts RenderOptions, wrap WrapFunc) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if wrap == nil {
		return nil, fmt.Errorf("%w: wrap function is nil", ErrWrapFunc)
	}
	normalized := norm.NFC.String(text)
	if strings.TrimSpace(normalized) == "" {
		return nil, nil
	}
	chunks, err := emit(pack(plainUnits(normalized, opts), opts, wrap), wrap)
	if err != nil {
		return nil, err
	}
	return Coalesce(chunks, opts, wrap)
}

func plainUnits(text string, opts RenderOptions) []unit {
	var units []unit
	for _, para := range paragraphBreak.Split(text, -1) {
		var pieces []string
		if opts.RespectSentenceBoundaries {
			pieces = splitSentences(para)
		} else {
			pieces = strings.Fields(para)
		}
		for i, p := range pieces {
			units = append(units, unit{text: p, paragraph: i == 0 && len(units) > 0})
		}
	}
	return units
}

// splitSentences cuts after terminal punctuation (with optional closing
// quote or bracket) followed by whitespace, and at every line break.
func splitSentences(text string) []string {
	var out []string
	prev := 0
	for _, m := range sentenceBoundary.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[prev:m[1]]); s != "" {
			out = append(out, s)
		}
		prev = m[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

// sizeLimit bounds a chunk by its plain length and, when payload is set, by
// the length of its wrapped form. Escaping in the wrapper can grow the payload
// well past the plain text, so both sides are checked.
type sizeLimit struct {
	plain   int
	payload int
	wrap    WrapFunc
}

func (l sizeLimit) fits(text string) bool {
	if runeLen(text) > l.plain {
		return false
	}
	return l.payload <= 0 || l.wrap == nil || runeLen(l.wrap(text)) <= l.payload
}

func softLimit(opts RenderOptions, wrap WrapFunc) sizeLimit {
	return sizeLimit{plain: opts.Budget(), payload: opts.TargetChunkChars, wrap: wrap}
}

func hardLimit(opts RenderOptions, wrap WrapFunc) sizeLimit {
	return sizeLimit{plain: int(float64(opts.Budget()) * hardWrapRatio), payload: opts.TargetChunkChars, wrap: wrap}
}

// piece is packed text awaiting validation. hard marks output of hardWrap,
// which keeps the tighter cushion through coalescing.
type piece struct {
	text string
	hard bool
}

func pack(units []unit, opts RenderOptions, wrap WrapFunc) []piece {
	soft := softLimit(opts, wrap)
	var (
		out []piece
		cur string
	)
	flush := func() {
		if cur != "" {
			out = append(out, piece{text: cur})
			cur = ""
		}
	}
	for _, u := range units {
		if u.paragraph && !opts.KeepShortParagraphsTogether {
			flush()
		}
		if !soft.fits(u.text) {
			flush()
			for _, t := range hardWrap(u.text, hardLimit(opts, wrap)) {
				out = append(out, piece{text: t, hard: true})
			}
			continue
		}
		if cur == "" {
			cur = u.text
			continue
		}
		if joined := cur + " " + u.text; soft.fits(joined) {
			cur = joined
			continue
		}
		flush()
		cur = u.text
	}
	flush()
	return out
}

// hardWrap splits text at word boundaries into pieces that fit limit.
// A single word that does not fit is emitted on its own.
func hardWrap(text string, limit sizeLimit) []string {
	var (
		out  []string
		line string
	)
	for _, word := range strings.Fields(text) {
		if line == "" {
			line = word
			continue
		}
		if joined := line + " " + word; limit.fits(joined) {
			line = joined
			continue
		}
		out = append(out, line)
		line = word
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}

func emit(pieces []piece, wrap WrapFunc) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		t := strings.TrimSpace(p.text)
		if t == "" {
			continue
		}
		c, err := newChunk(len(chunks)+1, t, wrap)
		if err != nil {
			return nil, err
		}
		c.hard = p.hard
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func newChunk(index int, text string, wrap WrapFunc) (Chunk, error) {
	wrapped := wrap(text)
	if err := checkWellFormed(wrapped); err != nil {
		return Chunk{}, fmt.Errorf("%w: chunk %d: %v", ErrWrapFunc, index, err)
	}
	return Chunk{Index: index, Text: text, Wrapped: wrapped}, nil
}

// Coalesce folds chunks smaller than opts.MinChunkChars into the previous
// accumulator, strictly left to right, as long as the merged text stays within
// opts.Budget() and its wrapped payload within opts.TargetChunkChars. A merge
// touching a hard-wrapped piece must also keep the 95% cushion.
// Indices are reassigned from 1.
func Coalesce(chunks []Chunk, opts RenderOptions, wrap WrapFunc) ([]Chunk, error) {
	if len(chunks) < 2 {
		return chunks, nil
	}
	soft, hard := softLimit(opts, wrap), hardLimit(opts, wrap)
	var pieces []piece
	acc := piece{text: chunks[0].Text, hard: chunks[0].hard}
	for _, c := range chunks[1:] {
		small := runeLen(acc.text) < opts.MinChunkChars || runeLen(c.Text) < opts.MinChunkChars
		limit := soft
		if acc.hard || c.hard {
			limit = hard
		}
		if joined := acc.text + " " + c.Text; small && limit.fits(joined) {
			acc = piece{text: joined, hard: acc.hard || c.hard}
			continue
		}
		pieces = append(pieces, acc)
		acc = piece{text: c.Text, hard: c.hard}
	}
	pieces = append(pieces, acc)
	if len(pieces) == len(chunks) {
		out := make([]Chunk, len(chunks))
		for i, c := range chunks {
			c.Index = i + 1
			out[i] = c
		}
		return out, nil
	}
	return emit(pieces, wrap)
}
