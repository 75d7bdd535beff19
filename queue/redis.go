package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisQueue is a reliable list queue: producers LPUSH onto the ready list and
// consumers atomically move each message onto a processing list until acked.
type RedisQueue struct {
	client      *redis.Client
	ready       string
	processing  string
	pollTimeout time.Duration
	log         *logrus.Entry
}

func NewRedisQueue(client *redis.Client, name string, log *logrus.Entry) *RedisQueue {
	return &RedisQueue{
		client:      client,
		ready:       name,
		processing:  name + ":processing",
		pollTimeout: time.Second,
		log:         log,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", ErrQueueUnavailable, q.ready, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BRPopLPush(ctx, q.ready, q.processing, q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: brpoplpush %s: %v", ErrQueueUnavailable, q.ready, err)
		}

		msg, err := decode(raw)
		if err != nil {
			// poison message: drop it from processing so it is not redelivered forever
			q.log.WithError(err).WithField("raw", raw).Error("Discarding undecodable queue message")
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			continue
		}
		return &Delivery{Message: msg, raw: raw}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrQueueUnavailable, d.Message.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.LPush(ctx, q.ready, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: requeue %s: %v", ErrQueueUnavailable, d.Message.JobID, err)
	}
	return nil
}

// Recover must run before consumers start; anything still on the processing
// list then belongs to a consumer that died before acking.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.ready).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("%w: recover %s: %v", ErrQueueUnavailable, q.processing, err)
		}
		moved++
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.ready).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", ErrQueueUnavailable, q.ready, err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	return nil
}
