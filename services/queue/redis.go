package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is the durable JobQueue backed by a Redis list plus two sorted
// sets: one for in-flight leases scored by visibility deadline, one for
// delayed jobs scored by ready time. Jobs survive process restarts.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.LPush(ctx, model.RedisKeyQueue, payload).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, wait, leaseFor time.Duration) (*Lease, error) {
	res, err := q.client.BRPop(ctx, wait, model.RedisKeyQueue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	payload := res[1]

	var job model.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	token := uuid.New().String()
	deadline := time.Now().Add(leaseFor)

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(model.RedisKeyLeaseJob, token), payload, 0)
	pipe.ZAdd(ctx, model.RedisKeyLeases, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: token,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		// Put the job back rather than lose it
		q.client.LPush(ctx, model.RedisKeyQueue, payload)
		return nil, err
	}

	return &Lease{Token: token, Job: job, Deadline: deadline}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, token string) error {
	removed, err := q.client.ZRem(ctx, model.RedisKeyLeases, token).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrLeaseNotFound
	}
	return q.client.Del(ctx, fmt.Sprintf(model.RedisKeyLeaseJob, token)).Err()
}

func (q *RedisQueue) Nack(ctx context.Context, token string, delay time.Duration) error {
	leaseKey := fmt.Sprintf(model.RedisKeyLeaseJob, token)

	payload, err := q.client.Get(ctx, leaseKey).Result()
	if err == redis.Nil {
		return ErrLeaseNotFound
	}
	if err != nil {
		return err
	}

	removed, err := q.client.ZRem(ctx, model.RedisKeyLeases, token).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrLeaseNotFound
	}

	var job model.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	job.Attempt++

	updated, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	if delay <= 0 {
		pipe.LPush(ctx, model.RedisKeyQueue, updated)
	} else {
		pipe.ZAdd(ctx, model.RedisKeyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).Unix()),
			Member: string(updated),
		})
	}
	pipe.Del(ctx, leaseKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) ExtendLease(ctx context.Context, token string, leaseFor time.Duration) error {
	deadline := time.Now().Add(leaseFor)
	if err := q.client.ZAddXX(ctx, model.RedisKeyLeases, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: token,
	}).Err(); err != nil {
		return err
	}
	// ZADD XX returns 0 for both missing and updated members, so verify
	// membership explicitly
	if _, err := q.client.ZScore(ctx, model.RedisKeyLeases, token).Result(); err == redis.Nil {
		return ErrLeaseNotFound
	} else if err != nil {
		return err
	}
	return nil
}

func (q *RedisQueue) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	moved := 0

	// Expired leases back to the ready list
	tokens, err := q.client.ZRangeByScore(ctx, model.RedisKeyLeases, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, token := range tokens {
		// Only the sweeper that wins the ZREM requeues the job
		removed, err := q.client.ZRem(ctx, model.RedisKeyLeases, token).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}

		leaseKey := fmt.Sprintf(model.RedisKeyLeaseJob, token)
		payload, err := q.client.Get(ctx, leaseKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return moved, err
		}

		var job model.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.client.Del(ctx, leaseKey)
			continue
		}
		job.Attempt++
		updated, err := json.Marshal(job)
		if err != nil {
			return moved, err
		}

		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, model.RedisKeyQueue, updated)
		pipe.Del(ctx, leaseKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
	}

	// Delayed jobs whose ready time arrived
	payloads, err := q.client.ZRangeByScore(ctx, model.RedisKeyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return moved, err
	}

	for _, payload := range payloads {
		removed, err := q.client.ZRem(ctx, model.RedisKeyDelayed, payload).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, model.RedisKeyQueue, payload).Err(); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, model.RedisKeyQueue).Result()
}
