package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Consume reads from queue under group/consumerName until ctx is
// cancelled. Every delivery runs handler; success ACKs the message,
// failure leaves it pending for XCLAIM-based redelivery by this or any
// other consumer once the visibility window elapses. A message whose
// delivery count reaches maxDeliveries is routed to the DLQ sibling and
// ACKed off the main stream, the way spec.md §6 requires per-queue
// dead-letter routing.
func (b *RedisBroker) Consume(ctx context.Context, queue Queue, group, consumerName string, handler HandlerFunc) error {
	if err := b.ensureGroup(ctx, queue, group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.reclaimStale(ctx, queue, group, consumerName, handler); err != nil {
			b.log.Warn("reclaim stale messages failed", "queue", queue, "error", err)
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumerName,
			Streams:  []string{string(queue), ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("xreadgroup failed", "queue", queue, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, queue, group, msg, handler)
			}
		}
	}
}

func (b *RedisBroker) handleMessage(ctx context.Context, queue Queue, group string, msg goredis.XMessage, handler HandlerFunc) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		b.log.Error("dropping undecodable message", "queue", queue, "id", msg.ID, "error", err)
		_ = b.rdb.XAck(ctx, string(queue), group, msg.ID).Err()
		return
	}

	if err := handler(ctx, env); err != nil {
		b.log.Warn("handler failed, leaving message pending", "queue", queue, "task_id", env.TaskID, "job_id", env.JobID, "error", err)
		return
	}
	_ = b.rdb.XAck(ctx, string(queue), group, msg.ID).Err()
}

// reclaimStale claims pending entries idle past the visibility window
// and checks their delivery count against maxDeliveries, routing
// exhausted messages to the DLQ and running handler again on the rest.
func (b *RedisBroker) reclaimStale(ctx context.Context, queue Queue, group, consumerName string, handler HandlerFunc) error {
	pending, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: string(queue),
		Group:  group,
		Idle:   b.visibilityWindow,
		Start:  "-",
		End:    "+",
		Count:  20,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	}

	for _, p := range pending {
		if p.RetryCount >= b.maxDeliveries {
			if err := b.moveToDLQ(ctx, queue, group, p.ID); err != nil {
				b.log.Error("failed to move exhausted message to dlq", "queue", queue, "id", p.ID, "error", err)
			}
			continue
		}
		claimed, err := b.rdb.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   string(queue),
			Group:    group,
			Consumer: consumerName,
			MinIdle:  b.visibilityWindow,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		for _, msg := range claimed {
			b.handleMessage(ctx, queue, group, msg, handler)
		}
	}
	return nil
}

func (b *RedisBroker) moveToDLQ(ctx context.Context, queue Queue, group, entryID string) error {
	msgs, err := b.rdb.XRange(ctx, string(queue), entryID, entryID).Result()
	if err != nil {
		return err
	}
	if len(msgs) == 1 {
		if raw, ok := msgs[0].Values["payload"]; ok {
			if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{
				Stream: dlq(queue),
				Values: map[string]any{"payload": raw},
			}).Err(); err != nil {
				return err
			}
		}
	}
	return b.rdb.XAck(ctx, string(queue), group, entryID).Err()
}

func decodeEnvelope(msg goredis.XMessage) (Envelope, error) {
	var env Envelope
	raw, ok := msg.Values["payload"]
	if !ok {
		return env, errors.New("message missing payload field")
	}
	s, ok := raw.(string)
	if !ok {
		return env, errors.New("payload field is not a string")
	}
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return env, err
	}
	env.DeliveryCount++
	return env, nil
}
