// Package broker implements the abstract message-broker contract of
// spec.md §6 ("Broker contract") over Redis Streams. Grounded on the
// teacher's internal/realtime/bus.redisBus (go-redis/v9 client setup,
// Ping-on-connect, context-scoped Publish), generalized from plain
// pub/sub — which drops messages with no subscriber and cannot be
// redelivered — to consumer-group streams (XADD/XREADGROUP/XACK/XCLAIM),
// since spec.md §6 requires at-least-once delivery, redelivery, and a
// dead-letter sibling per queue, none of which pub/sub provides.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/geoflow/orchestrator/internal/config"
	"github.com/geoflow/orchestrator/internal/logger"
)

// Queue names the three logical queues of spec.md §6.
type Queue string

const (
	QueueJobs      Queue = "geoflow:jobs"
	QueueTasks     Queue = "geoflow:tasks"
	QueueStageDone Queue = "geoflow:stage-done"
)

func dlq(q Queue) string { return string(q) + ":dlq" }

// Kind discriminates the payload shape carried in an Envelope.
type Kind string

const (
	KindJobStart  Kind = "job_start"
	KindTaskStart Kind = "task_start"
	KindStageDone Kind = "stage_done"
)

// Envelope is the small typed record carried on the wire. Large
// parameters are never inlined — the message carries only identifiers,
// and consumers load details from the store by id (spec.md §6).
type Envelope struct {
	ID            string    `json:"id"`
	Queue         Queue     `json:"queue"`
	Kind          Kind      `json:"kind"`
	JobID         string    `json:"job_id"`
	TaskID        string    `json:"task_id,omitempty"`
	JobType       string    `json:"job_type,omitempty"`
	TaskType      string    `json:"task_type,omitempty"`
	Stage         int       `json:"stage,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// Publisher enqueues envelopes onto a logical queue.
type Publisher interface {
	Publish(ctx context.Context, queue Queue, env Envelope) error
}

// HandlerFunc processes one delivered envelope. A non-nil error leaves
// the message unacknowledged for redelivery or eventual DLQ routing.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Consumer drains a logical queue under a named consumer group.
type Consumer interface {
	Consume(ctx context.Context, queue Queue, group, consumerName string, handler HandlerFunc) error
}

// Admin exposes the administrative Republish/Purge operations spec.md
// §6 requires.
type Admin interface {
	Republish(ctx context.Context, queue Queue, env Envelope) error
	Purge(ctx context.Context, queue Queue) error
	PurgeDLQ(ctx context.Context, queue Queue) error
}

// RedisBroker is the concrete Publisher/Consumer/Admin backed by Redis
// Streams with consumer groups.
type RedisBroker struct {
	rdb              *goredis.Client
	log              *logger.Logger
	maxDeliveries    int64
	visibilityWindow time.Duration
}

func Connect(cfg config.RedisConfig, kernel config.KernelConfig, log_ *logger.Logger) (*RedisBroker, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBroker{
		rdb:              rdb,
		log:              log_.With("service", "RedisBroker"),
		maxDeliveries:    kernel.BrokerMaxDeliveries,
		visibilityWindow: kernel.BrokerVisibilityWindow,
	}, nil
}

// NewFromClient wraps an existing *goredis.Client, used by tests to
// substitute a miniredis-backed client without going through Connect's
// Ping-on-construct dance.
func NewFromClient(rdb *goredis.Client, kernel config.KernelConfig, log_ *logger.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:              rdb,
		log:              log_.With("service", "RedisBroker"),
		maxDeliveries:    kernel.BrokerMaxDeliveries,
		visibilityWindow: kernel.BrokerVisibilityWindow,
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) Publish(ctx context.Context, queue Queue, env Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: string(queue),
		Values: map[string]any{"payload": raw},
	}).Err()
}

func (b *RedisBroker) Republish(ctx context.Context, queue Queue, env Envelope) error {
	return b.Publish(ctx, queue, env)
}

func (b *RedisBroker) Purge(ctx context.Context, queue Queue) error {
	return b.rdb.XTrimMaxLen(ctx, string(queue), 0).Err()
}

func (b *RedisBroker) PurgeDLQ(ctx context.Context, queue Queue) error {
	return b.rdb.XTrimMaxLen(ctx, dlq(queue), 0).Err()
}

// ensureGroup creates the consumer group at the start of the stream if
// it does not already exist (MKSTREAM so consuming before any producer
// has published does not error).
func (b *RedisBroker) ensureGroup(ctx context.Context, queue Queue, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, string(queue), group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
