package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Queue interface {
	Enqueue(ctx context.Context, runID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, runID string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisTaskQueue is a reliable single-lane queue over Redis lists.
// Claim: BRPOPLPUSH queue -> processing
// Ack:   LREM from processing
// One lane on purpose: the worker serializes access to the shared
// working tree, so webhook bursts queue up instead of racing the repo.
type redisTaskQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisTaskQueue(rdb *redis.Client, queueKey, processingKey string) Queue {
	return &redisTaskQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
	}
}

func (q *redisTaskQueue) Enqueue(ctx context.Context, runID string) error {
	return q.rdb.LPush(ctx, q.queueKey, runID).Err()
}

// ClaimBlocking blocks in short slots so ctx cancellation is honored.
// timeout <= 0 loops forever, like a worker daemon.
func (q *redisTaskQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		wait := slot
		if !forever {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", redis.Nil
			}
			if remain < wait {
				wait = remain
			}
		}

		id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
		if err == nil {
			return id, nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		return "", err
	}
}

func (q *redisTaskQueue) Ack(ctx context.Context, runID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, runID).Err()
}

// RequeueStale moves items from processing back to the queue. A simple
// reaper for worker crashes: at-least-once delivery.
func (q *redisTaskQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		id, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		if id != "" {
			moved++
		}
	}
	return moved, nil
}
