// Package queue implements the four durable, typed work queues described in
// spec.md §4.5 on top of Redis Streams: one stream per operation kind, a
// consumer group per worker pool, prefetch=1 enforced via XREADGROUP COUNT
// 1, and TTL-based dead-lettering of messages that outlive their budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/domain"
)

// streamPrefix namespaces every stream/group/dead-letter key this package
// creates, so the orchestrator's keys never collide with another
// application sharing the same Redis instance.
const streamPrefix = "orch:queue:"

// deadLetterPrefix namespaces the dead-letter streams chunks are routed to
// once their message TTL (spec.md §4.5: 1 hour) expires.
const deadLetterPrefix = "orch:dead-letter:"

// maxStreamLength is the XADD MAXLEN cap applied to both work and
// dead-letter streams (spec.md §4.5: max length 100,000).
const maxStreamLength = 100000

// messageTTL is spec.md §4.5's per-message TTL before a chunk is
// considered dead-lettered.
const messageTTL = time.Hour

// ConsumerGroup is the fixed consumer-group name every worker pool joins;
// one group per stream is all §4.5 requires (no fan-out to multiple
// independent consumer groups per queue).
const ConsumerGroup = "workers"

// streamName returns the Redis stream key for an operation kind.
func streamName(op domain.OperationKind) string {
	return streamPrefix + op.Queue()
}

func deadLetterName(op domain.OperationKind) string {
	return deadLetterPrefix + op.Queue()
}

// Publisher JSON-serializes and XADDs ChunkMessages to the queue matching
// their operation kind (spec.md §4.5).
type Publisher struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewPublisher builds a Publisher over an existing Redis client.
func NewPublisher(client *redis.Client, log *logrus.Logger) *Publisher {
	if log == nil {
		log = logrus.New()
	}
	return &Publisher{client: client, log: log.WithField("component", "queue.publisher")}
}

// Publish serializes msg and XADDs it to the stream for msg.Operation,
// capped at maxStreamLength.
func (p *Publisher) Publish(ctx context.Context, msg domain.ChunkMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk message: %w", err)
	}

	stream := streamName(msg.Operation)
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]any{"payload": payload, "enqueued_at": msg.EnqueuedAt.Unix()},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

// Delivery is one message read off a stream, carrying the id needed to ack
// or dead-letter it.
type Delivery struct {
	ID      string
	Message domain.ChunkMessage
}

// Consumer reads one operation kind's stream with prefetch=1 (spec.md
// §4.4's load-bearing constraint: each consumer holds at most one
// unacknowledged message at a time).
type Consumer struct {
	client       *redis.Client
	operation    domain.OperationKind
	consumerName string
	log          *logrus.Entry
}

// NewConsumer creates a Consumer for one operation kind and ensures its
// consumer group exists.
func NewConsumer(ctx context.Context, client *redis.Client, operation domain.OperationKind, consumerName string, log *logrus.Logger) (*Consumer, error) {
	if log == nil {
		log = logrus.New()
	}
	stream := streamName(operation)
	err := client.XGroupCreateMkStream(ctx, stream, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}
	return &Consumer{
		client:       client,
		operation:    operation,
		consumerName: consumerName,
		log:          log.WithFields(logrus.Fields{"component": "queue.consumer", "operation": operation, "consumer": consumerName}),
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 4 && err.Error()[:4] == "BUSY"
}

// Receive blocks (up to block, or indefinitely if block==0) for exactly one
// message — COUNT 1 is what makes prefetch=1 load-bearing for the
// Scheduler's fairness proof (spec.md §4.4).
func (c *Consumer) Receive(ctx context.Context, block time.Duration) (*Delivery, error) {
	stream := streamName(c.operation)
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	entry := res[0].Messages[0]
	raw, ok := entry.Values["payload"]
	if !ok {
		return nil, fmt.Errorf("message %s on stream %s missing payload field", entry.ID, stream)
	}
	payload, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s on stream %s has non-string payload", entry.ID, stream)
	}

	var msg domain.ChunkMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s on stream %s: %w", entry.ID, stream, err)
	}

	if c.expired(entry) {
		c.log.WithField("message_id", entry.ID).Warn("message exceeded TTL, dead-lettering instead of delivering")
		if derr := c.deadLetter(ctx, entry.ID, payload); derr != nil {
			c.log.WithError(derr).Error("failed to dead-letter expired message")
		}
		if aerr := c.Ack(ctx, entry.ID); aerr != nil {
			c.log.WithError(aerr).Error("failed to ack expired message after dead-lettering")
		}
		return nil, nil
	}

	return &Delivery{ID: entry.ID, Message: msg}, nil
}

// expired reports whether a delivered entry's enqueue timestamp is older
// than messageTTL, approximating its age from the Redis Stream entry id
// (millisecond timestamp prefix) since XREADGROUP does not echo back field
// values typed as ints reliably across clients.
func (c *Consumer) expired(entry redis.XMessage) bool {
	msPart := entry.ID
	for i, r := range entry.ID {
		if r == '-' {
			msPart = entry.ID[:i]
			break
		}
	}
	var ms int64
	if _, err := fmt.Sscanf(msPart, "%d", &ms); err != nil {
		return false
	}
	enqueuedAt := time.UnixMilli(ms)
	return time.Since(enqueuedAt) > messageTTL
}

// Ack acknowledges a delivered message, releasing its prefetch=1 slot.
func (c *Consumer) Ack(ctx context.Context, messageID string) error {
	stream := streamName(c.operation)
	if err := c.client.XAck(ctx, stream, ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s on stream %s: %w", messageID, stream, err)
	}
	return nil
}

// deadLetter copies a message's raw payload to the operation's dead-letter
// stream, capped at maxStreamLength.
func (c *Consumer) deadLetter(ctx context.Context, messageID, payload string) error {
	dl := deadLetterName(c.operation)
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dl,
		MaxLen: maxStreamLength,
		Approx: true,
		Values: map[string]any{"payload": payload, "original_id": messageID, "dead_lettered_at": time.Now().Unix()},
	}).Err()
}
