package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// fakeProvider records batch shapes and returns a deterministic vector per
// text length
type fakeProvider struct {
	mu      sync.Mutex
	batches [][]string
	models  []string
	fail    bool
}

func (f *fakeProvider) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.models = append(f.models, model)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, apperrors.Unavailable("provider down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 0, 1}
	}
	return out, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestBatcherCoalesces(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 8, 50*time.Millisecond)
	defer b.Close()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := b.Embed(context.Background(), "some text", "m1")
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Eight concurrent requests should need far fewer than eight calls
	assert.Less(t, provider.batchCount(), 8)
}

func TestBatcherFlushesOnMaxBatch(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 2, time.Hour)
	defer b.Close()

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := b.Embed(context.Background(), "text", "m1")
			return err
		})
	}
	// maxWait is an hour; only the size trigger can flush this batch
	require.NoError(t, g.Wait())
}

func TestBatcherFlushesOnTimer(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 100, 20*time.Millisecond)
	defer b.Close()

	started := time.Now()
	embedding, err := b.Embed(context.Background(), "lonely request", "m1")
	require.NoError(t, err)
	assert.NotEmpty(t, embedding)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestBatcherSeparatesModels(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 100, 30*time.Millisecond)
	defer b.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := b.Embed(context.Background(), "text a", "model-a")
		return err
	})
	g.Go(func() error {
		_, err := b.Embed(context.Background(), "text b", "model-b")
		return err
	})
	require.NoError(t, g.Wait())

	provider.mu.Lock()
	defer provider.mu.Unlock()
	for i, texts := range provider.batches {
		if provider.models[i] == "model-a" {
			assert.Equal(t, []string{"text a"}, texts)
		} else {
			assert.Equal(t, []string{"text b"}, texts)
		}
	}
}

func TestBatcherPropagatesProviderError(t *testing.T) {
	provider := &fakeProvider{fail: true}
	b := NewBatcher(provider, 4, 10*time.Millisecond)
	defer b.Close()

	_, err := b.Embed(context.Background(), "text", "m1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}

func TestBatcherHonorsContext(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 100, time.Hour)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Embed(ctx, "text", "m1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatcherCloseDrains(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 100, time.Hour)

	result := make(chan error, 1)
	go func() {
		_, err := b.Embed(context.Background(), "queued before close", "m1")
		result <- err
	}()

	// Give the request time to enter the queue, then close
	time.Sleep(50 * time.Millisecond)
	b.Close()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued request was not drained on close")
	}
}
