package chunking

import (
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

// FixedSizeChunker slides a window of `size` word tokens with `overlap`
// tokens of overlap. Windows break only at whitespace.
type FixedSizeChunker struct {
	tokenizer tokenizer.Tokenizer
}

func (c *FixedSizeChunker) Chunk(text string, policy models.ChunkingPolicy) ([]Piece, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	words := wordSpans(text)
	if len(words) == 0 {
		return nil, nil
	}

	step := policy.Size - policy.Overlap
	var pieces []Piece
	for start := 0; start < len(words); start += step {
		end := start + policy.Size
		if end > len(words) {
			end = len(words)
		}
		content := text[words[start].start:words[end-1].end]
		pieces = append(pieces, Piece{
			Content:     content,
			StartOffset: words[start].start,
			EndOffset:   words[end-1].end,
			TokenCount:  c.tokenizer.CountTokens(content),
		})
		if end == len(words) {
			break
		}
	}
	return pieces, nil
}
