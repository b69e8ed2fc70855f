package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

func withTokens(sc ScoredChunk, tokens int) ScoredChunk {
	sc.Chunk.TokenCount = tokens
	return sc
}

func TestAssembleContextBudget(t *testing.T) {
	tok := tokenizer.NewEstimator()
	ranked := []ScoredChunk{
		withTokens(scored("a", 0, "first", 0.9), 40),
		withTokens(scored("b", 1, "second", 0.8), 80),
		withTokens(scored("c", 2, "third", 0.7), 30),
	}

	assembled := AssembleContext(ranked, 100, tok)

	// The 80-token chunk is skipped, not truncated; the next one still fits
	require.Len(t, assembled.Chunks, 2)
	assert.Equal(t, "a", assembled.Chunks[0].Chunk.ID)
	assert.Equal(t, "c", assembled.Chunks[1].Chunk.ID)
	assert.Equal(t, 70, assembled.TokensUsed)
}

func TestAssembleContextEmpty(t *testing.T) {
	assembled := AssembleContext(nil, 100, tokenizer.NewEstimator())
	assert.Empty(t, assembled.Chunks)
	assert.Zero(t, assembled.TokensUsed)
}

func TestAssembleContextOrdersWithinDocument(t *testing.T) {
	tok := tokenizer.NewEstimator()
	late := scored("a3", 3, "closing paragraph", 0.9)
	late.Chunk.DocumentID = "doc-1"
	other := scored("b1", 0, "another document", 0.85)
	early := scored("a1", 1, "opening paragraph", 0.8)
	early.Chunk.DocumentID = "doc-1"

	assembled := AssembleContext([]ScoredChunk{
		withTokens(late, 10), withTokens(other, 10), withTokens(early, 10),
	}, 100, tok)

	// doc-1's chunks keep their rank slots but read in sequence order
	require.Len(t, assembled.Chunks, 3)
	assert.Equal(t, "a1", assembled.Chunks[0].Chunk.ID)
	assert.Equal(t, "b1", assembled.Chunks[1].Chunk.ID)
	assert.Equal(t, "a3", assembled.Chunks[2].Chunk.ID)
}

func TestAssembleContextCountsWhenUnset(t *testing.T) {
	tok := tokenizer.NewEstimator()
	ranked := []ScoredChunk{scored("a", 0, "five words of plain text", 0.9)}

	assembled := AssembleContext(ranked, 100, tok)
	require.Len(t, assembled.Chunks, 1)
	assert.Positive(t, assembled.TokensUsed)
}

func TestBuildMessages(t *testing.T) {
	assembled := AssembledContext{Chunks: []ScoredChunk{
		scored("a", 0, "the sky is blue", 0.9),
		scored("b", 1, "grass is green", 0.8),
	}}
	conv := &models.Conversation{
		Summary: "User asked about colors.",
		Turns: []models.Turn{
			{Role: models.TurnUser, Text: "What color is the sea?"},
			{Role: models.TurnAssistant, Text: "Blue, mostly."},
		},
	}

	messages := BuildMessages(assembled, conv, "And the grass?")

	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[0].Content, "[1] the sky is blue")
	assert.Contains(t, messages[0].Content, "[2] grass is green")
	assert.Equal(t, "system", messages[1].Role)
	assert.Contains(t, messages[1].Content, "User asked about colors.")
	assert.Equal(t, "user", messages[2].Role)
	assert.Equal(t, "assistant", messages[3].Role)
	assert.Equal(t, ChatMessage{Role: "user", Content: "And the grass?"}, messages[4])
}

func TestBuildMessagesNoConversation(t *testing.T) {
	messages := BuildMessages(AssembledContext{}, nil, "hello")
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.NotContains(t, messages[0].Content, "Sources:")
	assert.Equal(t, "user", messages[1].Role)
}

func TestExtractCitations(t *testing.T) {
	assembled := AssembledContext{Chunks: []ScoredChunk{
		scored("c1", 0, strings.Repeat("x", 300), 0.9),
		scored("c2", 1, "short content", 0.8),
	}}
	filenames := map[string]string{"doc-c1": "report.pdf", "doc-c2": "notes.md"}

	answer := "The report says so [1], confirmed by the notes [2]. See also [1] and [7]."
	citations, dropped := ExtractCitations(answer, assembled, filenames)

	require.Len(t, citations, 2)
	assert.Equal(t, 1, dropped)

	assert.Equal(t, "c1", citations[0].ChunkID)
	assert.Equal(t, "report.pdf", citations[0].FileName)
	assert.Len(t, citations[0].Excerpt, 200)

	assert.Equal(t, "c2", citations[1].ChunkID)
	assert.Equal(t, "notes.md", citations[1].FileName)
}

func TestExtractCitationsFallbackWithoutMarkers(t *testing.T) {
	mid := scored("c1", 0, "first source", 0)
	mid.Score = 0.6
	top := scored("c2", 1, "second source", 0)
	top.Score = 0.9
	low := scored("c3", 2, "third source", 0)
	low.Score = 0.3
	extra := scored("c4", 3, "fourth source", 0)
	extra.Score = 0.1
	assembled := AssembledContext{Chunks: []ScoredChunk{mid, top, low, extra}}

	// A marker-free answer still cites the top chunks by combined score
	citations, dropped := ExtractCitations("an answer with no markers",
		assembled, map[string]string{"doc-c2": "a.md"})
	assert.Zero(t, dropped)
	require.Len(t, citations, 3)
	assert.Equal(t, "c2", citations[0].ChunkID)
	assert.Equal(t, "a.md", citations[0].FileName)
	assert.Equal(t, "c1", citations[1].ChunkID)
	assert.Equal(t, "c3", citations[2].ChunkID)
}

func TestExtractCitationsExcerptRuneBoundary(t *testing.T) {
	content := strings.Repeat("€", 100)
	assembled := AssembledContext{Chunks: []ScoredChunk{scored("c1", 0, content, 0.9)}}

	citations, _ := ExtractCitations("see [1]", assembled, nil)
	require.Len(t, citations, 1)
	// 200 bytes falls inside a three-byte rune; the cut backs up to 198
	assert.True(t, utf8.ValidString(citations[0].Excerpt))
	assert.Len(t, citations[0].Excerpt, 198)
}

func TestExtractCitationsNone(t *testing.T) {
	citations, dropped := ExtractCitations("no brackets at all", AssembledContext{}, nil)
	assert.Empty(t, citations)
	assert.Zero(t, dropped)
}
