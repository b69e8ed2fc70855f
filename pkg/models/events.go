package models

import "time"

// Event bus topic names. Keys are document ids so per-document ordering is
// preserved by the bus.
const (
	TopicChunksCreated     = "chunks.created"
	TopicChunksIndexed     = "chunks.indexed"
	TopicDocumentCompleted = "document.completed"
	TopicDocumentFailed    = "document.failed"
	TopicChunkFailed       = "chunk.failed"
)

// ChunkCreatedEvent is published per chunk after ingestion persists it
type ChunkCreatedEvent struct {
	TenantID       string `json:"tenant_id"`
	DocumentID     string `json:"document_id"`
	ChunkID        string `json:"chunk_id"`
	SequenceNumber int    `json:"sequence_number"`
	Content        string `json:"content"`
	ModelName      string `json:"model_name"`
}

// ChunkIndexedEvent acknowledges that a chunk's vector is searchable
type ChunkIndexedEvent struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
}

// ChunkFailedEvent is routed to the dead-letter topic after max attempts
type ChunkFailedEvent struct {
	TenantID   string    `json:"tenant_id"`
	DocumentID string    `json:"document_id"`
	ChunkID    string    `json:"chunk_id"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// DocumentLifecycleEvent signals a terminal document state
type DocumentLifecycleEvent struct {
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}
