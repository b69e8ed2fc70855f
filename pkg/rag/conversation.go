package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// LeaseKV is the KV surface conversation state needs: plain get/set plus
// the advisory lease that serializes concurrent appends
type LeaseKV interface {
	cache.Cache
	AcquireLeaseBlocking(ctx context.Context, key string, ttl time.Duration) (*cache.Lease, error)
}

// ConversationStore keeps conversations in the KV store with an idle TTL.
// Once a transcript exceeds the turn threshold, the oldest turns fold into
// a rolling summary so context stays bounded.
type ConversationStore struct {
	kv            LeaseKV
	llm           LLMProvider
	summaryModel  string
	idleTTL       time.Duration
	turnThreshold int
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewConversationStore wires conversation memory
func NewConversationStore(
	kv LeaseKV,
	llm LLMProvider,
	summaryModel string,
	idleTTL time.Duration,
	turnThreshold int,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *ConversationStore {
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	if turnThreshold <= 0 {
		turnThreshold = 12
	}
	return &ConversationStore{
		kv:            kv,
		llm:           llm,
		summaryModel:  summaryModel,
		idleTTL:       idleTTL,
		turnThreshold: turnThreshold,
		logger:        logger.WithPrefix("conversation"),
		metrics:       metrics,
	}
}

func conversationKey(tenantID, conversationID string) string {
	return cache.TenantKey(tenantID, "conv", conversationID)
}

func conversationLockKey(tenantID, conversationID string) string {
	return cache.TenantKey(tenantID, "conv-lock", conversationID)
}

// Get loads a conversation. Conversations of other users surface as
// NotFound, same as conversations of other tenants.
func (s *ConversationStore) Get(ctx context.Context, tenantID, userID, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.kv.Get(ctx, conversationKey(tenantID, conversationID), &conv)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, apperrors.NotFound("conversation not found")
		}
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "load conversation", err)
	}
	if conv.UserID != userID {
		return nil, apperrors.NotFound("conversation not found")
	}
	return &conv, nil
}

// Delete removes a conversation
func (s *ConversationStore) Delete(ctx context.Context, tenantID, userID, conversationID string) error {
	if _, err := s.Get(ctx, tenantID, userID, conversationID); err != nil {
		return err
	}
	return s.kv.Delete(ctx, conversationKey(tenantID, conversationID))
}

// AppendExchange adds a user/assistant turn pair under the conversation's
// lease. A new conversation is created on first append.
func (s *ConversationStore) AppendExchange(ctx context.Context, tenantID, userID, conversationID, question, answer string, citations []models.Citation) (*models.Conversation, error) {
	lease, err := s.kv.AcquireLeaseBlocking(ctx, conversationLockKey(tenantID, conversationID), 10*time.Second)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "lock conversation", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()

	conv, err := s.Get(ctx, tenantID, userID, conversationID)
	if err != nil {
		if !apperrors.Is(err, apperrors.KindNotFound) {
			return nil, err
		}
		conv = &models.Conversation{
			ID:       conversationID,
			TenantID: tenantID,
			UserID:   userID,
		}
	}

	now := time.Now().UTC()
	conv.Turns = append(conv.Turns,
		models.Turn{Role: models.TurnUser, Text: question, Timestamp: now},
		models.Turn{Role: models.TurnAssistant, Text: answer, Citations: citations, Timestamp: now},
	)
	conv.LastActivity = now

	if len(conv.Turns) > s.turnThreshold {
		s.compact(ctx, conv)
	}

	if err := s.kv.Set(ctx, conversationKey(tenantID, conversationID), conv, s.idleTTL); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "save conversation", err)
	}
	return conv, nil
}

// compact folds the oldest turns into the rolling summary, keeping the most
// recent half of the threshold verbatim. A failed summarization leaves the
// transcript intact.
func (s *ConversationStore) compact(ctx context.Context, conv *models.Conversation) {
	keep := s.turnThreshold / 2
	if keep%2 != 0 {
		keep++
	}
	if len(conv.Turns) <= keep {
		return
	}
	old := conv.Turns[:len(conv.Turns)-keep]

	var transcript strings.Builder
	if conv.Summary != "" {
		transcript.WriteString("Previous summary:\n")
		transcript.WriteString(conv.Summary)
		transcript.WriteString("\n\n")
	}
	for _, turn := range old {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Text)
	}

	completion, err := s.llm.Generate(ctx, GenerateRequest{
		Model: s.summaryModel,
		Messages: []ChatMessage{
			{Role: "system", Content: "Summarize the following conversation in a few sentences, keeping facts, decisions, and open questions. Respond with the summary only."},
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 256,
	})
	if err != nil {
		s.logger.Warn("conversation summarization failed", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		s.metrics.IncrementCounter("conversation_summary_failures", 1)
		return
	}

	docs := make(map[string]bool, len(conv.SummaryDocs))
	for _, id := range conv.SummaryDocs {
		docs[id] = true
	}
	for _, turn := range old {
		for _, citation := range turn.Citations {
			docs[citation.DocumentID] = true
		}
	}
	summaryDocs := make([]string, 0, len(docs))
	for id := range docs {
		summaryDocs = append(summaryDocs, id)
	}
	sort.Strings(summaryDocs)

	conv.Summary = completion.Text
	conv.SummaryDocs = summaryDocs
	conv.Turns = conv.Turns[len(conv.Turns)-keep:]
	s.metrics.IncrementCounter("conversation_summaries", 1)
}
