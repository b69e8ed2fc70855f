package rag

import (
	"sort"
	"strings"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

// ScoredChunk is a retrieved chunk with its final relevance score
type ScoredChunk struct {
	Chunk       models.Chunk
	VectorScore float64
	Score       float64
}

const (
	vectorWeight  = 0.7
	lexicalWeight = 0.3
)

// Rerank combines each chunk's vector similarity with lexical term overlap
// against the query, then orders by score. Ties break deterministically by
// sequence number, then chunk id, so identical queries return identical
// orderings.
func Rerank(query string, chunks []ScoredChunk, tok tokenizer.Tokenizer) []ScoredChunk {
	queryTerms := termSet(query, tok)
	for i := range chunks {
		lexical := termOverlap(queryTerms, chunks[i].Chunk.Content, tok)
		chunks[i].Score = vectorWeight*chunks[i].VectorScore + lexicalWeight*lexical
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].Chunk.SequenceNumber != chunks[j].Chunk.SequenceNumber {
			return chunks[i].Chunk.SequenceNumber < chunks[j].Chunk.SequenceNumber
		}
		return chunks[i].Chunk.ID < chunks[j].Chunk.ID
	})
	return chunks
}

func termSet(text string, tok tokenizer.Tokenizer) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range tok.Tokenize(strings.ToLower(text)) {
		if len(t) > 1 {
			terms[t] = true
		}
	}
	return terms
}

// termOverlap is the fraction of query terms present in the chunk
func termOverlap(queryTerms map[string]bool, content string, tok tokenizer.Tokenizer) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := termSet(content, tok)
	matched := 0
	for term := range queryTerms {
		if contentTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}
