// Package chunking segments normalized extracted text into ordered pieces
// for vectorization. Every piece records its byte offsets in the
// normalized text, so concatenating pieces in order (dropping overlap
// regions by offset) reconstructs the source exactly.
package chunking

import (
	"strings"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

// Piece is one chunk of normalized text with its byte offsets
type Piece struct {
	Content     string
	StartOffset int
	EndOffset   int
	TokenCount  int
}

// Chunker segments text according to a tenant's chunking policy
type Chunker interface {
	Chunk(text string, policy models.ChunkingPolicy) ([]Piece, error)
}

// Normalize canonicalizes line endings. Offsets in pieces refer to the
// normalized text, not the raw extractor output.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// New returns the chunker for the policy's strategy
func New(strategy models.ChunkingStrategy) (Chunker, error) {
	est := tokenizer.NewEstimator()
	switch strategy {
	case models.StrategyFixedSize:
		return &FixedSizeChunker{tokenizer: est}, nil
	case models.StrategySentence:
		return &SentenceChunker{tokenizer: est, splitter: newSentenceSplitter()}, nil
	case models.StrategySemantic:
		return &SemanticChunker{tokenizer: est, splitter: newSentenceSplitter()}, nil
	default:
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "unknown chunking strategy %q", strategy)
	}
}

func validatePolicy(policy models.ChunkingPolicy) error {
	if policy.Size <= 0 {
		return apperrors.InvalidArgument("chunk size must be positive")
	}
	if policy.Overlap < 0 || policy.Overlap >= policy.Size {
		return apperrors.InvalidArgument("chunk overlap must be in [0, size)")
	}
	return nil
}

// span is a byte range within the normalized text
type span struct {
	start int
	end   int
}

// wordSpans scans text into whitespace-delimited word spans so windows
// never split a token
func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}
