package embedding

import (
	"context"
	"time"
)

// Batcher coalesces single-text embedding requests into provider batches.
// A batch flushes when it reaches maxBatch texts or when the oldest pending
// request has waited maxWait. Requests for different models never share a
// batch.
type Batcher struct {
	provider Provider
	maxBatch int
	maxWait  time.Duration

	requests chan *embedRequest
	done     chan struct{}
}

type embedRequest struct {
	text   string
	model  string
	result chan embedResult
}

type embedResult struct {
	embedding []float32
	err       error
}

// NewBatcher starts the background flush loop
func NewBatcher(provider Provider, maxBatch int, maxWait time.Duration) *Batcher {
	if maxBatch <= 0 {
		maxBatch = 32
	}
	if maxWait <= 0 {
		maxWait = 200 * time.Millisecond
	}
	b := &Batcher{
		provider: provider,
		maxBatch: maxBatch,
		maxWait:  maxWait,
		requests: make(chan *embedRequest, maxBatch*4),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

// Embed queues one text and blocks until its batch completes
func (b *Batcher) Embed(ctx context.Context, text, model string) ([]float32, error) {
	req := &embedRequest{text: text, model: model, result: make(chan embedResult, 1)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.embedding, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the flush loop after draining queued requests
func (b *Batcher) Close() {
	close(b.requests)
	<-b.done
}

func (b *Batcher) loop() {
	defer close(b.done)

	var pending []*embedRequest
	var timer *time.Timer
	var deadline <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.dispatch(pending)
		pending = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			deadline = nil
		}
	}

	for {
		select {
		case req, ok := <-b.requests:
			if !ok {
				flush()
				return
			}
			// A model change flushes the current batch first
			if len(pending) > 0 && pending[0].model != req.model {
				flush()
			}
			pending = append(pending, req)
			if len(pending) == 1 {
				timer = time.NewTimer(b.maxWait)
				deadline = timer.C
			}
			if len(pending) >= b.maxBatch {
				flush()
			}
		case <-deadline:
			timer = nil
			deadline = nil
			flush()
		}
	}
}

// dispatch runs one provider call and fans results back to the waiters
func (b *Batcher) dispatch(batch []*embedRequest) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	embeddings, err := b.provider.GenerateEmbeddings(ctx, texts, batch[0].model)
	if err != nil {
		for _, req := range batch {
			req.result <- embedResult{err: err}
		}
		return
	}
	for i, req := range batch {
		req.result <- embedResult{embedding: embeddings[i]}
	}
}
