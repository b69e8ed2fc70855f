package rag

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/contextmesh/contextmesh/pkg/observability"
)

// FailoverProvider routes completions to the primary provider and fails
// over to the fallback while the primary's circuit is open. Half-open
// probes return traffic to the primary once it recovers.
type FailoverProvider struct {
	primary       LLMProvider
	fallback      LLMProvider
	fallbackModel string
	breaker       *gobreaker.CircuitBreaker
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewFailoverProvider wires the failover pair. fallback may be nil, in
// which case an open circuit surfaces the primary's error. A non-empty
// fallbackModel replaces the request model on the fallback path.
func NewFailoverProvider(
	primary, fallback LLMProvider,
	fallbackModel string,
	failThreshold uint32,
	openDuration time.Duration,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *FailoverProvider {
	if failThreshold == 0 {
		failThreshold = 3
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	p := &FailoverProvider{
		primary:       primary,
		fallback:      fallback,
		fallbackModel: fallbackModel,
		logger:        logger.WithPrefix("llm"),
		metrics:       metrics,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-primary",
		Timeout: openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.IncrementCounterWithLabels("llm_breaker_transitions", 1,
				map[string]string{"to": to.String()})
		},
	})
	return p
}

func (p *FailoverProvider) Name() string { return p.primary.Name() }

func (p *FailoverProvider) Generate(ctx context.Context, req GenerateRequest) (*Completion, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.primary.Generate(ctx, req)
	})
	if err == nil {
		return result.(*Completion), nil
	}
	return p.failover(ctx, req, err, func(fb LLMProvider, fbReq GenerateRequest) (*Completion, error) {
		return fb.Generate(ctx, fbReq)
	})
}

func (p *FailoverProvider) Stream(ctx context.Context, req GenerateRequest, fn StreamFunc) (*Completion, error) {
	var emitted bool
	wrapped := func(delta string) error {
		emitted = true
		return fn(delta)
	}
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.primary.Stream(ctx, req, wrapped)
	})
	if err == nil {
		return result.(*Completion), nil
	}
	// Deltas already delivered cannot be retracted; restarting generation
	// into the same stream would duplicate output
	if emitted {
		return nil, err
	}
	return p.failover(ctx, req, err, func(fb LLMProvider, fbReq GenerateRequest) (*Completion, error) {
		return fb.Stream(ctx, fbReq, fn)
	})
}

func (p *FailoverProvider) failover(ctx context.Context, req GenerateRequest, cause error, call func(LLMProvider, GenerateRequest) (*Completion, error)) (*Completion, error) {
	if ctx.Err() != nil || p.fallback == nil {
		return nil, cause
	}
	if p.fallbackModel != "" {
		req.Model = p.fallbackModel
	}
	if errors.Is(cause, gobreaker.ErrOpenState) || errors.Is(cause, gobreaker.ErrTooManyRequests) {
		p.metrics.IncrementCounter("llm_failover_total", 1)
	} else {
		p.logger.Warn("primary llm failed, trying fallback", map[string]interface{}{
			"error": cause.Error(),
		})
		p.metrics.IncrementCounter("llm_fallback_after_error", 1)
	}
	return call(p.fallback, req)
}
