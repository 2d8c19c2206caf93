package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrBudgetExhausted means the payload was still too large at the floor budget.
	ErrBudgetExhausted = errors.New("cannot reduce chunk size further")
	// ErrNoChunksRendered means the run finished without a single audio part.
	ErrNoChunksRendered = errors.New("no chunks rendered")
)

// ChunkError ties a render failure to the chunk that produced it.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
