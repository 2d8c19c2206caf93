package chunk

import (
	"strings"
	"testing"
)

func chunksOf(texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{Index: i + 1, Text: t, Wrapped: testWrap(t)}
	}
	return out
}

func coalesceOptions(minChars, budget int) RenderOptions {
	opts := DefaultOptions()
	opts.TargetChunkChars = budget
	opts.MinChunkChars = minChars
	opts.SafetyMarginChars = 0
	return opts
}

func TestCoalesceMergesIntoPrevious(t *testing.T) {
	in := chunksOf(strings.Repeat("a", 50), "bb", strings.Repeat("c", 50), "d")
	got, err := Coalesce(in, coalesceOptions(10, 100), testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Text != strings.Repeat("a", 50)+" bb" {
		t.Fatalf("unexpected first chunk %q", got[0].Text)
	}
	if got[1].Index != 2 || got[1].Text != strings.Repeat("c", 50)+" d" {
		t.Fatalf("unexpected second chunk %+v", got[1])
	}
	if got[1].Wrapped != testWrap(got[1].Text) {
		t.Fatalf("payload not rebuilt for merged chunk: %q", got[1].Wrapped)
	}
}

func TestCoalesceRespectsBudget(t *testing.T) {
	in := chunksOf(strings.Repeat("a", 96), "tiny")
	got, err := Coalesce(in, coalesceOptions(10, 100), testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected budget to prevent merge, got %d chunks", len(got))
	}
}

func TestCoalesceIdempotent(t *testing.T) {
	inputs := [][]Chunk{
		chunksOf("a", "b", "c", "d", "e"),
		chunksOf(strings.Repeat("x", 60), "y", strings.Repeat("z", 45), strings.Repeat("w", 45), "v"),
		chunksOf(strings.Repeat("m", 99), "n", strings.Repeat("o", 99)),
	}
	for i, in := range inputs {
		once, err := Coalesce(in, coalesceOptions(20, 100), testWrap)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		twice, err := Coalesce(once, coalesceOptions(20, 100), testWrap)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if len(once) != len(twice) {
			t.Fatalf("case %d: expected %d chunks, got %d", i, len(once), len(twice))
		}
		for j := range once {
			if once[j] != twice[j] {
				t.Fatalf("case %d: chunk %d changed: %+v vs %+v", i, j, once[j], twice[j])
			}
		}
	}
}

func TestCoalesceSingleChunk(t *testing.T) {
	in := chunksOf("lonely")
	got, err := Coalesce(in, coalesceOptions(100, 200), testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "lonely" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestCoalesceChecksWrappedPayload(t *testing.T) {
	// 19 plain runes merged, but 103 once escaped and wrapped.
	in := chunksOf(strings.Repeat("&", 15), "<<<")
	got, err := Coalesce(in, coalesceOptions(10, 100), testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected payload size to prevent merge, got %+v", got)
	}
}

func TestCoalesceKeepsHardWrapCushion(t *testing.T) {
	opts := DefaultOptions()
	opts.TargetChunkChars = 200
	opts.MinChunkChars = 10
	opts.SafetyMarginChars = 100

	in := chunksOf(strings.Repeat("a", 93), "bb")
	got, err := Coalesce(in, opts, testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected soft chunks to merge within budget, got %d", len(got))
	}

	for i := range in {
		in[i].hard = true
	}
	got, err = Coalesce(in, opts, testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected hard-wrapped tail to stay separate, got %d chunks", len(got))
	}
	for _, c := range got {
		if runeLen(c.Text) > int(float64(opts.Budget())*hardWrapRatio) {
			t.Fatalf("chunk %d lost the hard wrap cushion: %d", c.Index, runeLen(c.Text))
		}
	}
}

func TestCoalesceMergedHardChunkStaysHard(t *testing.T) {
	opts := DefaultOptions()
	opts.TargetChunkChars = 200
	opts.MinChunkChars = 10
	opts.SafetyMarginChars = 100

	in := chunksOf("x", "y")
	in[1].hard = true
	got, err := Coalesce(in, opts, testWrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got[0].hard {
		t.Fatalf("expected one hard chunk, got %+v", got)
	}
}

func TestWithOutputMarksRendered(t *testing.T) {
	c := chunksOf("hello")[0]
	if c.Rendered() {
		t.Fatalf("fresh chunk should not be rendered")
	}
	done := c.WithOutput("out/book_part_001.wav")
	if !done.Rendered() || done.OutputPath != "out/book_part_001.wav" {
		t.Fatalf("unexpected chunk %+v", done)
	}
	if c.Rendered() {
		t.Fatalf("WithOutput must not modify the receiver")
	}
}
