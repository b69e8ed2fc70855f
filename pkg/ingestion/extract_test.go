package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

func TestExtractPlainText(t *testing.T) {
	e := NewTextExtractor()
	text, err := e.Extract("text/plain", strings.NewReader("hello\r\nworld"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", text)
}

func TestExtractMarkdownPassthrough(t *testing.T) {
	e := NewTextExtractor()
	src := "# Title\n\nSome *emphasis* and a [link](https://example.com)."
	text, err := e.Extract("text/markdown", strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, src, text)
}

func TestExtractUnsupportedType(t *testing.T) {
	e := NewTextExtractor()
	_, err := e.Extract("image/png", strings.NewReader("data"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
}

func TestExtractHTML(t *testing.T) {
	e := NewTextExtractor()
	src := `<html><head><style>body { color: red; }</style>
<script>alert("never shown")</script></head>
<body><h1>Report</h1><p>First paragraph.</p><div>Second  section.</div></body></html>`

	text, err := e.Extract("text/html", strings.NewReader(src))
	require.NoError(t, err)

	assert.Contains(t, text, "Report")
	assert.Contains(t, text, "First paragraph.")
	assert.Contains(t, text, "Second  section.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "<")

	// Block tags became line breaks
	assert.True(t, strings.Index(text, "Report") < strings.Index(text, "First paragraph."))
	assert.NotContains(t, text, "ReportFirst")
}

func TestExtractHTMLUnclosedScript(t *testing.T) {
	e := NewTextExtractor()
	text, err := e.Extract("text/html", strings.NewReader(`<p>visible</p><script>var x = 1;`))
	require.NoError(t, err)
	assert.Contains(t, text, "visible")
	assert.NotContains(t, text, "var x")
}

func TestExtractSalvagesBinary(t *testing.T) {
	e := NewTextExtractor()

	// Binary noise interleaved with readable runs, as a crude word
	// processor file would look
	var b strings.Builder
	b.Write([]byte{0x00, 0x01, 0xff, 0xfe})
	b.WriteString("Quarterly revenue grew by twelve percent.")
	b.Write([]byte{0x02, 0x03})
	b.WriteString("ab")
	b.Write([]byte{0x00})
	b.WriteString("Costs stayed flat across the period.")
	b.Write([]byte{0xff})

	text, err := e.Extract("application/pdf", strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Contains(t, text, "Quarterly revenue grew by twelve percent.")
	assert.Contains(t, text, "Costs stayed flat across the period.")
	// Sub-minimum runs are structure noise, not content
	assert.NotContains(t, text, "ab\n")
}

func TestExtractGarbageYieldsLittleText(t *testing.T) {
	e := NewTextExtractor()

	noise := make([]byte, 512)
	for i := range noise {
		noise[i] = byte(i % 4)
	}
	text, err := e.Extract("application/pdf", strings.NewReader(string(noise)))
	require.NoError(t, err)
	assert.Less(t, visibleChars(text), 50)
}

func TestCollapseBlank(t *testing.T) {
	in := "first  \n\n\n\nsecond\t\n\nthird\n\n\n"
	assert.Equal(t, "first\n\nsecond\n\nthird", collapseBlank(in))
}

func TestVisibleChars(t *testing.T) {
	assert.Equal(t, 0, visibleChars("  \n\t---"))
	assert.Equal(t, 7, visibleChars("abc 123 4"))
}
