package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

func init() {
	RegisterModelDimension("test-model-3d", 3)
}

func newTestService(t *testing.T, provider Provider) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	embCache, err := NewCache(cache.NewRedisKVFromClient(client), 64, time.Hour,
		observability.NewNoopMetricsClient())
	require.NoError(t, err)

	batcher := NewBatcher(provider, 8, 10*time.Millisecond)
	t.Cleanup(batcher.Close)

	return NewService(
		config.EmbeddingConfig{Model: "test-model-3d"},
		batcher, embCache, vector.NewMemoryStore(),
		observability.NewNoopLogger(), observability.NewNoopMetricsClient(),
	)
}

func TestEmbedTextsOrderPreserved(t *testing.T) {
	svc := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	results, err := svc.EmbedTexts(ctx, "t1", []string{"a", "bbb", "cc"}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	// fakeProvider encodes text length in the first component
	assert.Equal(t, float32(1), results[0][0])
	assert.Equal(t, float32(3), results[1][0])
	assert.Equal(t, float32(2), results[2][0])
}

func TestEmbedTextsCached(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestService(t, provider)
	ctx := context.Background()

	_, err := svc.EmbedTexts(ctx, "t1", []string{"repeated text"}, "")
	require.NoError(t, err)
	first := provider.batchCount()

	_, err = svc.EmbedTexts(ctx, "t1", []string{"repeated text"}, "")
	require.NoError(t, err)
	assert.Equal(t, first, provider.batchCount())

	// A different tenant does not share the cache entry
	_, err = svc.EmbedTexts(ctx, "t2", []string{"repeated text"}, "")
	require.NoError(t, err)
	assert.Greater(t, provider.batchCount(), first)
}

func TestEmbedTextsValidation(t *testing.T) {
	svc := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant string
		texts  []string
		model  string
	}{
		{name: "missing tenant", tenant: "", texts: []string{"x"}},
		{name: "no texts", tenant: "t1", texts: nil},
		{name: "empty text", tenant: "t1", texts: []string{"ok", ""}},
		{name: "unknown model", tenant: "t1", texts: []string{"x"}, model: "no-such-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.EmbedTexts(ctx, tt.tenant, tt.texts, tt.model)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
		})
	}
}

// wrongDimProvider returns vectors that disagree with the model's declared
// dimension
type wrongDimProvider struct{}

func (wrongDimProvider) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2}
	}
	return out, nil
}

func (wrongDimProvider) Name() string { return "wrong-dim" }

func TestEmbedTextsDimensionMismatch(t *testing.T) {
	svc := newTestService(t, wrongDimProvider{})

	_, err := svc.EmbedTexts(context.Background(), "t1", []string{"x"}, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestSearch(t *testing.T) {
	provider := &fakeProvider{}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	embCache, err := NewCache(cache.NewRedisKVFromClient(client), 64, time.Hour,
		observability.NewNoopMetricsClient())
	require.NoError(t, err)
	batcher := NewBatcher(provider, 8, 10*time.Millisecond)
	t.Cleanup(batcher.Close)

	vectors := vector.NewMemoryStore()
	svc := NewService(
		config.EmbeddingConfig{Model: "test-model-3d"},
		batcher, embCache, vectors,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient(),
	)
	ctx := context.Background()

	// Index a chunk whose embedding matches what the provider returns for
	// a five-character query
	require.NoError(t, vectors.Upsert(ctx, "t1", vector.Record{
		ChunkID:    "c1",
		DocumentID: "d1",
		Embedding:  []float32{5, 0, 1},
		ModelName:  "test-model-3d",
		Dimension:  3,
	}))

	results, err := svc.Search(ctx, "t1", "query", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	_, err = svc.Search(ctx, "t1", "", 5, nil)
	assert.Error(t, err)
}
