package tts

import "strings"

// FileExtension maps a backend output format name such as
// "riff-24khz-16bit-mono-pcm" or "audio-24khz-48kbitrate-mono-mp3" to the
// extension its files should carry.
func FileExtension(format string) string {
	f := strings.ToLower(format)
	switch {
	case strings.HasSuffix(f, "mp3"):
		return ".mp3"
	case strings.HasPrefix(f, "ogg"):
		return ".ogg"
	case strings.HasPrefix(f, "webm"):
		return ".webm"
	case strings.HasPrefix(f, "raw"):
		return ".pcm"
	default:
		return ".wav"
	}
}
