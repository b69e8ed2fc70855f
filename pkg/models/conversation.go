package models

import "time"

// TurnRole identifies the speaker of a conversation turn
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Citation points at a chunk that grounded part of an answer
type Citation struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	FileName       string  `json:"file_name"`
	RelevanceScore float64 `json:"relevance_score"`
	Excerpt        string  `json:"excerpt,omitempty"`
}

// Turn is one exchange entry in a conversation
type Turn struct {
	Role      TurnRole   `json:"role"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Conversation holds the ordered turns of a user session. Older turns are
// replaced by a rolling summary once the transcript exceeds a threshold;
// the summary keeps citations by document id only.
type Conversation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	Turns        []Turn    `json:"turns"`
	Summary      string    `json:"summary,omitempty"`
	SummaryDocs  []string  `json:"summary_docs,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// QueryMetrics records per-query latency and token accounting
type QueryMetrics struct {
	RetrieveMs int64 `json:"retrieve_ms"`
	EmbedMs    int64 `json:"embed_ms"`
	LLMMs      int64 `json:"llm_ms"`
	TotalMs    int64 `json:"total_ms"`
	TokensIn   int   `json:"tokens_in"`
	TokensOut  int   `json:"tokens_out"`
}
