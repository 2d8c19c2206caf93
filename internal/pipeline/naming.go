package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/chunk"
	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/tts"
)

var partSuffix = regexp.MustCompile(`_part_(\d{3,})(\.[^.]*)?$`)

// PartFileName derives the per-chunk output path from the final output path:
// out/book.wav with index 7 becomes out/book_part_007.wav.
func PartFileName(base string, index int) string {
	dir, file := filepath.Split(base)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	return dir + fmt.Sprintf("%s_part_%03d%s", stem, index, ext)
}

// PartIndex recovers the chunk index from a path built by PartFileName.
func PartIndex(path string) (int, bool) {
	m := partSuffix.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ChunkRequest builds the backend request for c from the run's base request.
// Voice and audio settings are inherited; payload and output path are per chunk.
func ChunkRequest(base tts.Request, c chunk.Chunk) tts.Request {
	req := base
	req.Index = c.Index
	req.Text = c.Text
	req.SSML = c.Wrapped
	req.OutputPath = PartFileName(base.OutputPath, c.Index)
	return req
}
