package embedding

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

// captureBus records publishes; Consume is unused in these tests
type captureBus struct {
	topics   []string
	keys     []string
	payloads []interface{}
}

func (b *captureBus) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	b.topics = append(b.topics, topic)
	b.keys = append(b.keys, key)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *captureBus) Consume(ctx context.Context, topic string, handler queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *captureBus) Close() error { return nil }

type recordingSetter struct {
	vectorIDs map[string]string
}

func (r *recordingSetter) SetVectorID(ctx context.Context, tenantID, chunkID, vectorID string) error {
	if r.vectorIDs == nil {
		r.vectorIDs = map[string]string{}
	}
	r.vectorIDs[chunkID] = vectorID
	return nil
}

func newTestConsumer(t *testing.T, provider Provider) (*Consumer, *captureBus, *recordingSetter) {
	t.Helper()
	bus := &captureBus{}
	setter := &recordingSetter{}
	c := NewConsumer(bus, newTestService(t, provider), vector.NewMemoryStore(), setter, 4,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	return c, bus, setter
}

func chunkMessage(t *testing.T, event models.ChunkCreatedEvent) *queue.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return &queue.Message{
		ID:       "m1",
		Topic:    models.TopicChunksCreated,
		Key:      event.DocumentID,
		Payload:  payload,
		Attempts: 1,
	}
}

func TestConsumerIndexesChunk(t *testing.T) {
	c, bus, setter := newTestConsumer(t, &fakeProvider{})

	event := models.ChunkCreatedEvent{
		TenantID:   "t1",
		DocumentID: "d1",
		ChunkID:    "c1",
		Content:    "hello",
		ModelName:  "test-model-3d",
	}
	require.NoError(t, c.handle(context.Background(), chunkMessage(t, event)))

	require.Len(t, bus.topics, 1)
	assert.Equal(t, models.TopicChunksIndexed, bus.topics[0])
	assert.Equal(t, "d1", bus.keys[0])
	assert.Equal(t, "c1", setter.vectorIDs["c1"])
}

func TestConsumerPermanentFailureKeyedByChunk(t *testing.T) {
	c, bus, _ := newTestConsumer(t, &fakeProvider{})

	event := models.ChunkCreatedEvent{
		TenantID:   "t1",
		DocumentID: "d1",
		ChunkID:    "c9",
		Content:    "hello",
		ModelName:  "no-such-model",
	}
	// Non-retryable failures are reported and acked, not redelivered
	require.NoError(t, c.handle(context.Background(), chunkMessage(t, event)))

	require.Len(t, bus.topics, 1)
	assert.Equal(t, models.TopicChunkFailed, bus.topics[0])
	assert.Equal(t, "c9", bus.keys[0])
	failure, ok := bus.payloads[0].(models.ChunkFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "c9", failure.ChunkID)
}
