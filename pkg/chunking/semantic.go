package chunking

import (
	"strings"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

// SemanticChunker packs sentences like SentenceChunker but prefers to cut
// at paragraph or heading boundaries. A block is a run of text between
// blank lines or before a markdown-style heading.
type SemanticChunker struct {
	tokenizer tokenizer.Tokenizer
	splitter  *sentenceSplitter
}

func (c *SemanticChunker) Chunk(text string, policy models.ChunkingPolicy) ([]Piece, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	blocks := blockSpans(text)
	if len(blocks) == 0 {
		return nil, nil
	}

	sc := &SentenceChunker{tokenizer: c.tokenizer, splitter: c.splitter}
	var pieces []Piece

	// Greedily merge whole blocks up to the size budget; blocks larger
	// than the budget fall back to sentence packing within the block.
	i := 0
	for i < len(blocks) {
		blockText := text[blocks[i].start:blocks[i].end]
		blockTokens := c.tokenizer.CountTokens(blockText)

		if blockTokens > policy.Size {
			sub := sc.pack(blockText, c.splitter.split(blockText), policy)
			for _, p := range sub {
				pieces = append(pieces, Piece{
					Content:     p.Content,
					StartOffset: blocks[i].start + p.StartOffset,
					EndOffset:   blocks[i].start + p.EndOffset,
					TokenCount:  p.TokenCount,
				})
			}
			i++
			continue
		}

		tokens := blockTokens
		j := i + 1
		for j < len(blocks) {
			nextTokens := c.tokenizer.CountTokens(text[blocks[j].start:blocks[j].end])
			if tokens+nextTokens > policy.Size {
				break
			}
			if isHeading(text[blocks[j].start:blocks[j].end]) && j > i {
				// Start a new chunk at a heading when one is available
				break
			}
			tokens += nextTokens
			j++
		}

		content := text[blocks[i].start : blocks[j-1].end]
		pieces = append(pieces, Piece{
			Content:     content,
			StartOffset: blocks[i].start,
			EndOffset:   blocks[j-1].end,
			TokenCount:  c.tokenizer.CountTokens(content),
		})
		i = j
	}
	return pieces, nil
}

// blockSpans splits text at blank lines into tiling block spans
func blockSpans(text string) []span {
	if text == "" {
		return nil
	}
	var spans []span
	start := 0
	i := 0
	for i < len(text) {
		if text[i] == '\n' && i+1 < len(text) && text[i+1] == '\n' {
			j := i + 1
			for j < len(text) && text[j] == '\n' {
				j++
			}
			spans = append(spans, span{start: start, end: j})
			start = j
			i = j
			continue
		}
		i++
	}
	if start < len(text) {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// isHeading recognizes markdown-style headings at the start of a block
func isHeading(block string) bool {
	trimmed := strings.TrimLeft(block, "\n")
	return strings.HasPrefix(trimmed, "#")
}
