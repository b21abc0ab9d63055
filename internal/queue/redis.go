package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// RedisQueue pops jobs from one list and pushes results onto another
type RedisQueue struct {
	Client       *redis.Client
	InputQueue   string
	OutputQueue  string
	BlockTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, inputQueue, outputQueue string) *RedisQueue {
	return &RedisQueue{
		Client:       client,
		InputQueue:   inputQueue,
		OutputQueue:  outputQueue,
		BlockTimeout: 20 * time.Second,
	}
}

func (q *RedisQueue) Receive(ctx context.Context) ([]Delivery, error) {
	// BLPop returns [key, value]
	result, err := q.Client.BLPop(ctx, q.BlockTimeout, q.InputQueue).Result()
	if errors.Is(err, redis.Nil) {
		return []Delivery{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BLPOP %s: %w", q.InputQueue, err)
	}
	return []Delivery{{Body: result[1]}}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, result types.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := q.Client.RPush(ctx, q.OutputQueue, data).Err(); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", q.OutputQueue, err)
	}
	return nil
}

// Ack is a no-op; BLPOP already removed the job
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return nil
}

// Requeue pushes the job back onto the tail of the input list, since BLPOP
// has already removed it
func (q *RedisQueue) Requeue(ctx context.Context, d Delivery) error {
	if err := q.Client.RPush(ctx, q.InputQueue, d.Body).Err(); err != nil {
		return fmt.Errorf("redis RPUSH %s: %w", q.InputQueue, err)
	}
	return nil
}

// Ping checks the connection
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.Client.Ping(ctx).Err()
}
