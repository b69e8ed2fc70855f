package rag

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
)

const systemPrompt = `You are a knowledgeable assistant answering questions using only the provided sources. Cite the sources you use with bracketed numbers like [1] or [2]. If the sources do not contain the answer, say so plainly instead of guessing.`

// noRelevantContextAnswer is returned without an LLM call when nothing
// retrieved clears the relevance floor
const noRelevantContextAnswer = "I could not find anything in your documents relevant to that question."

// AssembledContext is the set of chunks selected for the prompt, in rank
// order, with their numbered source labels
type AssembledContext struct {
	Chunks     []ScoredChunk
	TokensUsed int
}

// AssembleContext selects whole chunks in rank order until the token
// budget is exhausted. A chunk that does not fit is skipped, not truncated;
// partial chunks would break citation offsets. Selected chunks from the
// same document are then reordered into their within-document sequence so
// the prompt reads as the source does.
func AssembleContext(ranked []ScoredChunk, budget int, tok tokenizer.Tokenizer) AssembledContext {
	var out AssembledContext
	for _, sc := range ranked {
		cost := sc.Chunk.TokenCount
		if cost == 0 {
			cost = tok.CountTokens(sc.Chunk.Content)
		}
		if out.TokensUsed+cost > budget {
			continue
		}
		out.Chunks = append(out.Chunks, sc)
		out.TokensUsed += cost
	}
	orderWithinDocuments(out.Chunks)
	return out
}

// orderWithinDocuments sorts each document's chunks by sequence number,
// keeping the rank positions the document occupies in the overall list
func orderWithinDocuments(chunks []ScoredChunk) {
	positions := make(map[string][]int)
	for i, sc := range chunks {
		positions[sc.Chunk.DocumentID] = append(positions[sc.Chunk.DocumentID], i)
	}
	for _, idxs := range positions {
		if len(idxs) < 2 {
			continue
		}
		group := make([]ScoredChunk, len(idxs))
		for i, idx := range idxs {
			group[i] = chunks[idx]
		}
		sort.SliceStable(group, func(a, b int) bool {
			return group[a].Chunk.SequenceNumber < group[b].Chunk.SequenceNumber
		})
		for i, idx := range idxs {
			chunks[idx] = group[i]
		}
	}
}

// BuildMessages composes the chat transcript: system prompt, numbered
// sources, the conversation summary and recent turns, then the question
func BuildMessages(assembled AssembledContext, conv *models.Conversation, question string) []ChatMessage {
	var sources strings.Builder
	for i, sc := range assembled.Chunks {
		fmt.Fprintf(&sources, "[%d] %s\n\n", i+1, sc.Chunk.Content)
	}

	system := systemPrompt
	if sources.Len() > 0 {
		system += "\n\nSources:\n" + sources.String()
	}

	messages := []ChatMessage{{Role: "system", Content: system}}
	if conv != nil {
		if conv.Summary != "" {
			messages = append(messages, ChatMessage{
				Role:    "system",
				Content: "Conversation so far: " + conv.Summary,
			})
		}
		for _, turn := range conv.Turns {
			messages = append(messages, ChatMessage{
				Role:    string(turn.Role),
				Content: turn.Text,
			})
		}
	}
	return append(messages, ChatMessage{Role: "user", Content: question})
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

const (
	excerptLimit         = 200
	fallbackCitationsMax = 3
)

// ExtractCitations maps the bracketed source numbers in the answer back to
// the assembled chunks. References outside the assembled set are dropped;
// the caller counts them. An answer with no markers at all still cites the
// top contributing chunks by combined score.
func ExtractCitations(answer string, assembled AssembledContext, filenames map[string]string) (citations []models.Citation, dropped int) {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return fallbackCitations(assembled, filenames), 0
	}

	seen := make(map[int]bool)
	for _, match := range matches {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(assembled.Chunks) {
			dropped++
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		citations = append(citations, citationFor(assembled.Chunks[n-1], filenames))
	}
	return citations, dropped
}

// fallbackCitations picks the highest-scored chunks when the model cited
// nothing explicitly
func fallbackCitations(assembled AssembledContext, filenames map[string]string) []models.Citation {
	if len(assembled.Chunks) == 0 {
		return nil
	}
	byScore := make([]ScoredChunk, len(assembled.Chunks))
	copy(byScore, assembled.Chunks)
	sort.SliceStable(byScore, func(i, j int) bool {
		return byScore[i].Score > byScore[j].Score
	})
	if len(byScore) > fallbackCitationsMax {
		byScore = byScore[:fallbackCitationsMax]
	}
	citations := make([]models.Citation, len(byScore))
	for i, sc := range byScore {
		citations[i] = citationFor(sc, filenames)
	}
	return citations
}

func citationFor(sc ScoredChunk, filenames map[string]string) models.Citation {
	excerpt := sc.Chunk.Content
	if len(excerpt) > excerptLimit {
		cut := excerptLimit
		// Back up to a rune boundary so the excerpt stays valid UTF-8
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	return models.Citation{
		ChunkID:        sc.Chunk.ID,
		DocumentID:     sc.Chunk.DocumentID,
		FileName:       filenames[sc.Chunk.DocumentID],
		RelevanceScore: sc.Score,
		Excerpt:        excerpt,
	}
}
