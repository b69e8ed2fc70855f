// Package models defines the core entities shared across ContextMesh
// services. Entities reference each other by id; repositories resolve the
// relationships.
package models

import (
	"time"
)

// TenantStatus is the lifecycle state of a tenant
type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
)

// ChunkingStrategy selects how extracted text is segmented
type ChunkingStrategy string

const (
	StrategyFixedSize ChunkingStrategy = "fixed_size"
	StrategySentence  ChunkingStrategy = "sentence"
	StrategySemantic  ChunkingStrategy = "semantic"
)

// ChunkingPolicy is the per-tenant segmentation configuration
type ChunkingPolicy struct {
	Size     int              `json:"size" db:"chunk_size"`
	Overlap  int              `json:"overlap" db:"chunk_overlap"`
	Strategy ChunkingStrategy `json:"strategy" db:"chunk_strategy"`
}

// TenantQuotas bounds per-tenant resource consumption
type TenantQuotas struct {
	MaxDocuments    int64 `json:"max_documents" db:"max_documents"`
	MaxStorageBytes int64 `json:"max_storage_bytes" db:"max_storage_bytes"`
}

// Tenant is the unit of isolation. Every other entity belongs to one.
type Tenant struct {
	ID             string         `json:"id" db:"id"`
	Slug           string         `json:"slug" db:"slug"`
	Status         TenantStatus   `json:"status" db:"status"`
	Quotas         TenantQuotas   `json:"quotas"`
	ChunkingPolicy ChunkingPolicy `json:"chunking_policy"`
	EmbeddingModel string         `json:"embedding_model" db:"embedding_model"`
	LLMModel       string         `json:"llm_model" db:"llm_model"`
	LLMFallback    string         `json:"llm_fallback,omitempty" db:"llm_fallback"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// UserRole determines what a user may do within their tenant
type UserRole string

const (
	RoleAdmin  UserRole = "ADMIN"
	RoleUser   UserRole = "USER"
	RoleReader UserRole = "READER"
)

// UserStatus is the lifecycle state of a user account
type UserStatus string

const (
	UserActive    UserStatus = "ACTIVE"
	UserSuspended UserStatus = "SUSPENDED"
	UserPending   UserStatus = "PENDING"
)

// User belongs to exactly one tenant
type User struct {
	ID           string     `json:"id" db:"id"`
	TenantID     string     `json:"tenant_id" db:"tenant_id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         UserRole   `json:"role" db:"role"`
	Status       UserStatus `json:"status" db:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// DocumentStatus tracks a document through the ingestion pipeline
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// Document is one uploaded file
type Document struct {
	ID               string                 `json:"id" db:"id"`
	TenantID         string                 `json:"tenant_id" db:"tenant_id"`
	OriginalFilename string                 `json:"original_filename" db:"original_filename"`
	StoredFilename   string                 `json:"stored_filename" db:"stored_filename"`
	ContentType      string                 `json:"content_type" db:"content_type"`
	Size             int64                  `json:"size" db:"size"`
	UploadedBy       string                 `json:"uploaded_by" db:"uploaded_by"`
	Status           DocumentStatus         `json:"status" db:"status"`
	StatusMessage    string                 `json:"status_message,omitempty" db:"status_message"`
	ChunkCount       int            `json:"chunk_count" db:"chunk_count"`
	Metadata         JSONMap        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// Chunk is an ordered fragment of a document, the unit of vectorization
type Chunk struct {
	ID             string    `json:"id" db:"id"`
	DocumentID     string    `json:"document_id" db:"document_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	SequenceNumber int       `json:"sequence_number" db:"sequence_number"`
	Content        string    `json:"content" db:"content"`
	StartOffset    int       `json:"start_offset" db:"start_offset"`
	EndOffset      int       `json:"end_offset" db:"end_offset"`
	TokenCount     int       `json:"token_count" db:"token_count"`
	VectorID       *string   `json:"vector_id,omitempty" db:"vector_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DocumentSummary is the list-view projection of a document
type DocumentSummary struct {
	ID               string         `json:"id" db:"id"`
	OriginalFilename string         `json:"original_filename" db:"original_filename"`
	ContentType      string         `json:"content_type" db:"content_type"`
	Size             int64          `json:"size" db:"size"`
	Status           DocumentStatus `json:"status" db:"status"`
	ChunkCount       int            `json:"chunk_count" db:"chunk_count"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// DocumentStats aggregates a tenant's document usage
type DocumentStats struct {
	TotalDocuments int64 `json:"total_documents" db:"total_documents"`
	StorageBytes   int64 `json:"storage_bytes" db:"storage_bytes"`
}

// Page is a generic paginated result
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	Size       int   `json:"size"`
	TotalItems int64 `json:"total_items"`
}
