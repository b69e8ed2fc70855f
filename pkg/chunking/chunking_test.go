package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/models"
)

const sampleText = `The quick brown fox jumps over the lazy dog. Dr. Smith examined the results carefully. The experiment succeeded beyond expectations!

A new paragraph begins here. It contains several sentences of varying length. Some are short. Others ramble on for quite a while before reaching any kind of conclusion.

# Findings

The data shows a clear trend. Costs decreased while throughput improved. Nobody expected both at once.`

func allStrategies() []models.ChunkingStrategy {
	return []models.ChunkingStrategy{
		models.StrategyFixedSize,
		models.StrategySentence,
		models.StrategySemantic,
	}
}

// Concatenating each chunk's bytes beyond the previous chunk's end must
// reproduce the normalized input exactly.
func TestChunkReconstruction(t *testing.T) {
	text := Normalize(sampleText)
	policy := models.ChunkingPolicy{Size: 40, Overlap: 10}

	for _, strategy := range allStrategies() {
		t.Run(string(strategy), func(t *testing.T) {
			policy.Strategy = strategy
			chunker, err := New(strategy)
			require.NoError(t, err)

			pieces, err := chunker.Chunk(text, policy)
			require.NoError(t, err)
			require.NotEmpty(t, pieces)

			var rebuilt strings.Builder
			covered := 0
			for _, p := range pieces {
				assert.Equal(t, text[p.StartOffset:p.EndOffset], p.Content)
				start := p.StartOffset
				if start < covered {
					start = covered
				}
				if p.EndOffset > covered {
					rebuilt.WriteString(text[start:p.EndOffset])
					covered = p.EndOffset
				}
			}
			assert.Equal(t, text, rebuilt.String())
		})
	}
}

func TestChunkOffsetsOrdered(t *testing.T) {
	text := Normalize(sampleText)
	for _, strategy := range allStrategies() {
		chunker, err := New(strategy)
		require.NoError(t, err)
		pieces, err := chunker.Chunk(text, models.ChunkingPolicy{Size: 30, Overlap: 5, Strategy: strategy})
		require.NoError(t, err)

		for i := 1; i < len(pieces); i++ {
			assert.Greater(t, pieces[i].StartOffset, pieces[i-1].StartOffset,
				"strategy %s piece %d", strategy, i)
			assert.Greater(t, pieces[i].EndOffset, pieces[i-1].EndOffset)
		}
	}
}

func TestChunkTokenBudget(t *testing.T) {
	text := Normalize(sampleText)
	policy := models.ChunkingPolicy{Size: 50, Overlap: 0, Strategy: models.StrategySentence}
	chunker, err := New(models.StrategySentence)
	require.NoError(t, err)

	pieces, err := chunker.Chunk(text, policy)
	require.NoError(t, err)
	for _, p := range pieces {
		// A single oversized sentence may exceed the budget; packed
		// chunks of several sentences must not.
		if strings.Count(p.Content, ". ") > 1 {
			assert.LessOrEqual(t, p.TokenCount, policy.Size+10)
		}
	}
}

func TestValidatePolicy(t *testing.T) {
	chunker, err := New(models.StrategyFixedSize)
	require.NoError(t, err)

	tests := []struct {
		name   string
		policy models.ChunkingPolicy
	}{
		{name: "zero size", policy: models.ChunkingPolicy{Size: 0, Overlap: 0}},
		{name: "negative overlap", policy: models.ChunkingPolicy{Size: 10, Overlap: -1}},
		{name: "overlap equals size", policy: models.ChunkingPolicy{Size: 10, Overlap: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chunker.Chunk("some text", tt.policy)
			assert.Error(t, err)
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("paragraph")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb\nc", Normalize("a\r\nb\rc"))
}

func TestEmptyInput(t *testing.T) {
	for _, strategy := range allStrategies() {
		chunker, err := New(strategy)
		require.NoError(t, err)
		pieces, err := chunker.Chunk("", models.ChunkingPolicy{Size: 10, Strategy: strategy})
		require.NoError(t, err)
		assert.Empty(t, pieces)
	}
}

func TestSentenceSplitterAbbreviations(t *testing.T) {
	splitter := newSentenceSplitter()
	text := "Dr. Smith arrived at 9 a.m. sharp. The meeting began."
	spans := splitter.split(text)
	// Abbreviation periods must not split; two sentences expected
	assert.Len(t, spans, 2)
}

func TestSemanticBreaksAtHeading(t *testing.T) {
	text := Normalize("First block of text here. More words follow.\n\n# Heading\n\nSecond block after the heading.")
	chunker, err := New(models.StrategySemantic)
	require.NoError(t, err)
	pieces, err := chunker.Chunk(text, models.ChunkingPolicy{Size: 500, Overlap: 0, Strategy: models.StrategySemantic})
	require.NoError(t, err)
	require.NotEmpty(t, pieces)
	// The heading starts a new chunk even though everything fits the budget
	assert.GreaterOrEqual(t, len(pieces), 2)
}

func TestFixedSizeOverlap(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "word"
	}
	text := strings.Join(words, " ")

	chunker, err := New(models.StrategyFixedSize)
	require.NoError(t, err)
	pieces, err := chunker.Chunk(text, models.ChunkingPolicy{Size: 20, Overlap: 5, Strategy: models.StrategyFixedSize})
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)

	// Each successive window starts before the previous one ends
	for i := 1; i < len(pieces); i++ {
		assert.Less(t, pieces[i].StartOffset, pieces[i-1].EndOffset)
	}
}
