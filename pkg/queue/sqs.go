package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// SQSBus implements Bus on AWS SQS. Topics map to FIFO queues named
// <prefix><topic-with-dashes>.fifo; the message group id is the message key
// so per-document ordering holds.
type SQSBus struct {
	client         *sqs.Client
	queueURLPrefix string
	maxAttempts    int
	logger         observability.Logger
	metrics        observability.MetricsClient
}

// NewSQSBus creates an SQS-backed bus using the default AWS credential chain
func NewSQSBus(ctx context.Context, cfg config.BusConfig, logger observability.Logger, metrics observability.MetricsClient) (*SQSBus, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &SQSBus{
		client:         sqs.NewFromConfig(awsCfg),
		queueURLPrefix: cfg.QueueURLPrefix,
		maxAttempts:    maxAttempts,
		logger:         logger,
		metrics:        metrics,
	}, nil
}

func (b *SQSBus) queueURL(topic string) string {
	return b.queueURLPrefix + strings.ReplaceAll(topic, ".", "-") + ".fifo"
}

// Publish sends the message, retrying transient failures with backoff
func (b *SQSBus) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	send := func() error {
		_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:               aws.String(b.queueURL(topic)),
			MessageBody:            aws.String(string(data)),
			MessageGroupId:         aws.String(key),
			MessageDeduplicationId: aws.String(fmt.Sprintf("%s-%d", key, time.Now().UnixNano())),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"key": {DataType: aws.String("String"), StringValue: aws.String(key)},
			},
		})
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		b.metrics.IncrementCounterWithLabels("bus_publish_failures", 1, map[string]string{"topic": topic})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Consume long-polls the topic queue. Messages are deleted only after the
// handler succeeds; exhausted messages are moved to the dead-letter queue.
func (b *SQSBus) Consume(ctx context.Context, topic string, handler Handler) error {
	queueURL := b.queueURL(topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       10,
			MessageAttributeNames: []string{"All"},
			AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("SQS receive failed, backing off", map[string]interface{}{
				"topic": topic, "error": err.Error(),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range out.Messages {
			b.handleMessage(ctx, topic, queueURL, m, handler)
		}
	}
}

func (b *SQSBus) handleMessage(ctx context.Context, topic, queueURL string, m types.Message, handler Handler) {
	msg := &Message{
		ID:      aws.ToString(m.MessageId),
		Topic:   topic,
		Payload: json.RawMessage(aws.ToString(m.Body)),
	}
	if attr, ok := m.MessageAttributes["key"]; ok {
		msg.Key = aws.ToString(attr.StringValue)
	}
	if rc, ok := m.Attributes[string(types.QueueAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil {
			msg.Attempts = n - 1
		}
	}

	err := handler(ctx, msg)
	if err == nil {
		b.deleteMessage(ctx, queueURL, m.ReceiptHandle)
		return
	}

	b.metrics.IncrementCounterWithLabels("bus_handler_failures", 1, map[string]string{"topic": topic})
	if msg.Attempts+1 >= b.maxAttempts {
		dl := DeadLetter{Original: *msg, Error: err.Error(), Attempts: msg.Attempts + 1, FailedAt: time.Now().UTC()}
		if pubErr := b.Publish(ctx, DeadLetterTopic(topic), msg.Key, dl); pubErr != nil {
			b.logger.Error("Failed to publish dead letter", map[string]interface{}{
				"topic": topic, "key": msg.Key, "error": pubErr.Error(),
			})
			return
		}
		b.metrics.IncrementCounterWithLabels("bus_dead_letters", 1, map[string]string{"topic": topic})
		b.deleteMessage(ctx, queueURL, m.ReceiptHandle)
	}
	// Otherwise leave the message; visibility timeout expiry redelivers it
}

func (b *SQSBus) deleteMessage(ctx context.Context, queueURL string, receipt *string) {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		b.logger.Error("Failed to delete message", map[string]interface{}{
			"queue": queueURL, "error": err.Error(),
		})
	}
}

// Close is a no-op for SQS
func (b *SQSBus) Close() error { return nil }
