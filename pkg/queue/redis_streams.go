package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// RedisStreamsBus implements Bus on Redis Streams with consumer groups.
// Each topic maps to one stream named <prefix>:<topic>.
type RedisStreamsBus struct {
	client        *redis.Client
	streamPrefix  string
	consumerGroup string
	consumerName  string
	maxAttempts   int
	prefetch      int64
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewRedisStreamsBus creates a Redis Streams bus from an existing client
func NewRedisStreamsBus(client *redis.Client, cfg config.BusConfig, logger observability.Logger, metrics observability.MetricsClient) *RedisStreamsBus {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	return &RedisStreamsBus{
		client:        client,
		streamPrefix:  cfg.StreamPrefix,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  fmt.Sprintf("consumer-%s", uuid.NewString()[:8]),
		maxAttempts:   maxAttempts,
		prefetch:      prefetch,
		logger:        logger,
		metrics:       metrics,
	}
}

func (b *RedisStreamsBus) streamName(topic string) string {
	return b.streamPrefix + ":" + topic
}

// Publish adds the message to the topic stream, retrying transient failures
// with exponential backoff until the message is durably accepted.
func (b *RedisStreamsBus) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return b.publishRaw(ctx, topic, key, data, 0)
}

func (b *RedisStreamsBus) publishRaw(ctx context.Context, topic, key string, payload []byte, attempts int) error {
	add := func() error {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamName(topic),
			Values: map[string]interface{}{
				"key":      key,
				"payload":  string(payload),
				"attempts": attempts,
				"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
			},
		}).Err()
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(add, policy); err != nil {
		b.metrics.IncrementCounterWithLabels("bus_publish_failures", 1, map[string]string{"topic": topic})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Consume reads from the topic's consumer group, invoking handler per
// message. The offset is acked only after the handler succeeds; failures
// are re-enqueued with an incremented attempt count until maxAttempts,
// then routed to the dead-letter stream.
func (b *RedisStreamsBus) Consume(ctx context.Context, topic string, handler Handler) error {
	stream := b.streamName(topic)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{stream, ">"},
			Count:    b.prefetch,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("Stream read failed, backing off", map[string]interface{}{
				"topic": topic, "error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, res := range results {
			for _, xmsg := range res.Messages {
				b.handleMessage(ctx, topic, stream, xmsg, handler)
			}
		}
	}
}

func (b *RedisStreamsBus) handleMessage(ctx context.Context, topic, stream string, xmsg redis.XMessage, handler Handler) {
	msg := parseXMessage(topic, xmsg)

	err := handler(ctx, msg)
	if err == nil {
		b.ack(ctx, stream, xmsg.ID)
		return
	}

	b.logger.Warn("Message handling failed", map[string]interface{}{
		"topic": topic, "key": msg.Key, "attempts": msg.Attempts, "error": err.Error(),
	})
	b.metrics.IncrementCounterWithLabels("bus_handler_failures", 1, map[string]string{"topic": topic})

	if msg.Attempts+1 >= b.maxAttempts {
		dl := DeadLetter{Original: *msg, Error: err.Error(), Attempts: msg.Attempts + 1, FailedAt: time.Now().UTC()}
		if pubErr := b.Publish(ctx, DeadLetterTopic(topic), msg.Key, dl); pubErr != nil {
			b.logger.Error("Failed to publish dead letter", map[string]interface{}{
				"topic": topic, "key": msg.Key, "error": pubErr.Error(),
			})
			// Leave the message pending so it is re-claimed rather than lost
			return
		}
		b.metrics.IncrementCounterWithLabels("bus_dead_letters", 1, map[string]string{"topic": topic})
		b.ack(ctx, stream, xmsg.ID)
		return
	}

	// Re-enqueue with incremented attempts, then ack the original delivery
	if pubErr := b.publishRaw(ctx, topic, msg.Key, msg.Payload, msg.Attempts+1); pubErr != nil {
		b.logger.Error("Failed to re-enqueue message", map[string]interface{}{
			"topic": topic, "key": msg.Key, "error": pubErr.Error(),
		})
		return
	}
	b.ack(ctx, stream, xmsg.ID)
}

func (b *RedisStreamsBus) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(ctx, stream, b.consumerGroup, id).Err(); err != nil {
		b.logger.Error("Failed to ack message", map[string]interface{}{
			"stream": stream, "id": id, "error": err.Error(),
		})
	}
}

func (b *RedisStreamsBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.consumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func parseXMessage(topic string, xmsg redis.XMessage) *Message {
	msg := &Message{ID: xmsg.ID, Topic: topic}
	if v, ok := xmsg.Values["key"].(string); ok {
		msg.Key = v
	}
	if v, ok := xmsg.Values["payload"].(string); ok {
		msg.Payload = json.RawMessage(v)
	}
	if v, ok := xmsg.Values["attempts"].(string); ok {
		_, _ = fmt.Sscanf(v, "%d", &msg.Attempts)
	}
	if v, ok := xmsg.Values["sent_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.SentAt = t
		}
	}
	return msg
}

// Close is a no-op; the Redis client is owned by the caller
func (b *RedisStreamsBus) Close() error { return nil }
