package tts

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const ssmlNamespace = "http://www.w3.org/2001/10/synthesis"

// SSMLWrapper returns a wrap function that places escaped text inside a
// speak/voice envelope.
func SSMLWrapper(voice, lang string) func(string) string {
	if lang == "" {
		lang = "en-US"
	}
	head := fmt.Sprintf(`<speak version="1.0" xmlns="%s" xml:lang="%s">`, ssmlNamespace, escape(lang))
	tail := "</speak>"
	if voice != "" {
		head += fmt.Sprintf(`<voice name="%s">`, escape(voice))
		tail = "</voice>" + tail
	}
	return func(text string) string {
		return head + escape(text) + tail
	}
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
