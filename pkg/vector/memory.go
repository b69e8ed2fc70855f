package vector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and single-node
// development stacks. Namespacing semantics match the production store.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Record
}

// NewMemoryStore creates an empty in-memory vector store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]Record)}
}

func (s *MemoryStore) Upsert(ctx context.Context, tenantID string, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	ns := Namespace(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.namespaces[ns] == nil {
		s.namespaces[ns] = make(map[string]Record)
	}
	now := time.Now().UTC()
	if existing, ok := s.namespaces[ns][record.ChunkID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.namespaces[ns][record.ChunkID] = record
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	ns := Namespace(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.namespaces[ns], id)
	}
	return nil
}

func (s *MemoryStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	ns := Namespace(tenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.namespaces[ns] {
		if rec.DocumentID == documentID {
			delete(s.namespaces[ns], id)
		}
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, tenantID string, embedding []float32, topK int, filters *SearchFilters) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	ns := Namespace(tenantID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, rec := range s.namespaces[ns] {
		if !matchesFilters(rec, filters) {
			continue
		}
		score, err := CosineSimilarity(embedding, rec.Embedding)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Score:      score,
			Metadata:   rec.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *MemoryStore) Count(ctx context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.namespaces[Namespace(tenantID)])), nil
}

func matchesFilters(rec Record, filters *SearchFilters) bool {
	if filters == nil {
		return true
	}
	if len(filters.DocumentIDs) > 0 {
		found := false
		for _, id := range filters.DocumentIDs {
			if rec.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range filters.Metadata {
		if got, ok := rec.Metadata[k].(string); !ok || got != v {
			return false
		}
	}
	return true
}
