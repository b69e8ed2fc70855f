// Package ingestion runs the upload-to-indexed pipeline: accept a file,
// store the original, extract and normalize its text, segment it into
// chunks, and hand the chunks to the embedding service over the bus.
package ingestion

import (
	"bufio"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/chunking"
)

// SupportedContentTypes is the upload allow-list
var SupportedContentTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword":                           true,
	"text/plain":                                   true,
	"text/markdown":                                true,
	"text/html":                                    true,
	"application/rtf":                              true,
	"application/vnd.oasis.opendocument.text":      true,
}

// Extractor pulls normalized text out of an uploaded document
type Extractor interface {
	Extract(contentType string, body io.Reader) (string, error)
}

// TextExtractor handles the supported content types. Plain-text families
// pass through, HTML is stripped, and binary formats are salvaged by
// collecting printable runs; the caller's minimum-text check rejects
// documents the salvage could not read.
type TextExtractor struct{}

// NewTextExtractor creates the default extractor
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

func (e *TextExtractor) Extract(contentType string, body io.Reader) (string, error) {
	if !SupportedContentTypes[contentType] {
		return "", apperrors.Newf(apperrors.KindInvalidArgument, "unsupported content type %q", contentType)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindUnavailable, "read document body", err)
	}

	var text string
	switch contentType {
	case "text/plain", "text/markdown":
		text = string(data)
	case "text/html":
		text = stripHTML(string(data))
	default:
		text = salvageText(data)
	}
	return chunking.Normalize(text), nil
}

// stripHTML drops tags, scripts, and styles, keeping visible text.
// Block-level closing tags become line breaks so paragraph structure
// survives for the semantic chunker.
func stripHTML(html string) string {
	var b strings.Builder
	i := 0
	for i < len(html) {
		if html[i] != '<' {
			b.WriteByte(html[i])
			i++
			continue
		}
		end := strings.IndexByte(html[i:], '>')
		if end < 0 {
			break
		}
		tag := strings.ToLower(html[i+1 : i+end])
		i += end + 1

		name := strings.TrimPrefix(strings.Fields(tag + " ")[0], "/")
		switch name {
		case "script", "style":
			if !strings.HasPrefix(tag, "/") {
				close := "</" + name
				idx := strings.Index(strings.ToLower(html[i:]), close)
				if idx < 0 {
					i = len(html)
					continue
				}
				i += idx
			}
		case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n")
		}
	}
	return collapseBlank(b.String())
}

// salvageText collects printable UTF-8 runs out of a binary document.
// Runs shorter than four characters read as structure noise and are
// dropped.
func salvageText(data []byte) string {
	const minRun = 4
	var b strings.Builder
	var run []rune

	flush := func() {
		if len(run) >= minRun {
			b.WriteString(string(run))
			b.WriteByte('\n')
		}
		run = run[:0]
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			flush()
			continue
		}
		if unicode.IsPrint(r) || r == ' ' || r == '\t' {
			run = append(run, r)
			continue
		}
		flush()
	}
	flush()
	return collapseBlank(b.String())
}

// collapseBlank trims lines and collapses runs of blank lines to one
func collapseBlank(text string) string {
	var b strings.Builder
	blank := true
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			if !blank {
				b.WriteByte('\n')
			}
			blank = true
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		blank = false
	}
	return strings.TrimRight(b.String(), "\n")
}

// visibleChars counts letters and digits for the minimum-text check
func visibleChars(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
