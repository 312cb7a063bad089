package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a list-backed queue: LPUSH to enqueue, BRPOP to dequeue.
type RedisQueue struct {
	rdb          *redis.Client
	queueName    string
	blockTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client, queueName string, blockTimeout time.Duration) *RedisQueue {
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	return &RedisQueue{rdb: rdb, queueName: queueName, blockTimeout: blockTimeout}
}

func (q *RedisQueue) Push(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.queueName, data).Err()
}

// Pop blocks until a message arrives or the block timeout passes (BRPOP).
func (q *RedisQueue) Pop(ctx context.Context) (Message, bool, error) {
	res, err := q.rdb.BRPop(ctx, q.blockTimeout, q.queueName).Result()
	if stderrors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	if len(res) < 2 {
		return Message{}, false, nil
	}
	m, err := decode(res[1])
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
