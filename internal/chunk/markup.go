package chunk

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidMarkup is returned when an input document cannot be parsed.
var ErrInvalidMarkup = errors.New("invalid speech markup")

const (
	rootOpen  = "<speak"
	rootClose = "</speak>"
)

// IsMarkup reports whether text should take the markup path. It is a plain
// prefix/suffix test: malformed documents still route here and fail to parse.
func IsMarkup(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, rootOpen) && strings.HasSuffix(t, rootClose)
}

// SplitSSML splits a markup document using its leaf text nodes, in document
// order, as the unit of accumulation.
func SplitSSML(document string, opts RenderOptions, wrap WrapFunc) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if wrap == nil {
		return nil, fmt.Errorf("%w: wrap function is nil", ErrWrapFunc)
	}
	leaves, err := leafText(document)
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(leaves))
	for _, l := range leaves {
		units = append(units, unit{text: l})
	}
	chunks, err := emit(pack(units, opts, wrap), wrap)
	if err != nil {
		return nil, err
	}
	return Coalesce(chunks, opts, wrap)
}

func leafText(document string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(document))
	var out []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMarkup, err)
		}
		cd, ok := tok.(xml.CharData)
		if !ok {
			continue
		}
		text := strings.Join(strings.Fields(norm.NFC.String(string(cd))), " ")
		if text != "" {
			out = append(out, text)
		}
	}
}

// checkWellFormed requires exactly one root element and a clean parse.
func checkWellFormed(markup string) error {
	dec := xml.NewDecoder(strings.NewReader(markup))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				return errors.New("text outside root element")
			}
		}
	}
	if depth != 0 {
		return errors.New("unclosed element")
	}
	if roots != 1 {
		return fmt.Errorf("expected one root element, found %d", roots)
	}
	return nil
}
