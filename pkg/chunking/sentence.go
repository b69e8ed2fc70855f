package chunking

import (
	"strings"
	"unicode"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

// sentenceSplitter produces sentence spans that tile the text: each span
// runs to the start of the next sentence, so adjacent chunks share exact
// byte boundaries and reconstruction stays byte-exact.
type sentenceSplitter struct {
	abbreviations map[string]bool
}

func newSentenceSplitter() *sentenceSplitter {
	return &sentenceSplitter{abbreviations: commonAbbreviations()}
}

func commonAbbreviations() map[string]bool {
	abbrs := []string{
		"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st",
		"vs", "etc", "inc", "ltd", "corp", "co", "no",
		"e.g", "i.e", "a.m", "p.m", "u.s", "u.k",
	}
	m := make(map[string]bool, len(abbrs))
	for _, a := range abbrs {
		m[a] = true
	}
	return m
}

// split returns sentence spans covering [0, len(text))
func (s *sentenceSplitter) split(text string) []span {
	if text == "" {
		return nil
	}

	var spans []span
	buf := []byte(text)
	start := 0

	for i := 0; i < len(buf); i++ {
		// Paragraph boundary: blank line ends the sentence
		if buf[i] == '\n' && i+1 < len(buf) && buf[i+1] == '\n' {
			j := i + 1
			for j < len(buf) && buf[j] == '\n' {
				j++
			}
			spans = append(spans, span{start: start, end: j})
			start = j
			i = j - 1
			continue
		}

		if !isSentenceEnd(buf[i]) {
			continue
		}
		if buf[i] == '.' && s.isAbbreviation(text, i) {
			continue
		}
		// Sentence ends only when punctuation is followed by whitespace
		if i+1 < len(buf) && !isWhitespace(buf[i+1]) {
			continue
		}
		// Extend through trailing whitespace so spans tile
		j := i + 1
		for j < len(buf) && isWhitespace(buf[j]) {
			// Stop before a paragraph break; the branch above owns it
			if buf[j] == '\n' && j+1 < len(buf) && buf[j+1] == '\n' {
				break
			}
			j++
		}
		spans = append(spans, span{start: start, end: j})
		start = j
		i = j - 1
	}

	if start < len(buf) {
		spans = append(spans, span{start: start, end: len(buf)})
	}
	return spans
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n'
}

// isAbbreviation looks back at the word preceding the period
func (s *sentenceSplitter) isAbbreviation(text string, pos int) bool {
	wordStart := pos
	for wordStart > 0 && !unicode.IsSpace(rune(text[wordStart-1])) {
		wordStart--
	}
	word := strings.ToLower(strings.TrimRight(text[wordStart:pos], "."))
	if s.abbreviations[word] {
		return true
	}
	// Single letters read as initials
	return len(word) == 1
}

// SentenceChunker packs whole sentences greedily up to the policy size.
// The next chunk starts with the trailing sentences worth of `overlap`
// tokens from the previous chunk.
type SentenceChunker struct {
	tokenizer tokenizer.Tokenizer
	splitter  *sentenceSplitter
}

func (c *SentenceChunker) Chunk(text string, policy models.ChunkingPolicy) ([]Piece, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	sentences := c.splitter.split(text)
	return c.pack(text, sentences, policy), nil
}

// pack greedily fills chunks with consecutive sentence spans
func (c *SentenceChunker) pack(text string, sentences []span, policy models.ChunkingPolicy) []Piece {
	if len(sentences) == 0 {
		return nil
	}

	counts := make([]int, len(sentences))
	for i, sp := range sentences {
		counts[i] = c.tokenizer.CountTokens(text[sp.start:sp.end])
	}

	var pieces []Piece
	i := 0
	for i < len(sentences) {
		tokens := 0
		j := i
		for j < len(sentences) {
			if j > i && tokens+counts[j] > policy.Size {
				break
			}
			tokens += counts[j]
			j++
		}

		content := text[sentences[i].start:sentences[j-1].end]
		pieces = append(pieces, Piece{
			Content:     content,
			StartOffset: sentences[i].start,
			EndOffset:   sentences[j-1].end,
			TokenCount:  c.tokenizer.CountTokens(content),
		})
		if j >= len(sentences) {
			break
		}

		// Walk back whole sentences worth of overlap tokens
		next := j
		if policy.Overlap > 0 {
			overlapTokens := 0
			for next > i+1 && overlapTokens+counts[next-1] <= policy.Overlap {
				next--
				overlapTokens += counts[next]
			}
		}
		i = next
	}
	return pieces
}
