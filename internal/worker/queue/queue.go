// Package queue carries job messages from the API to the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"broll/internal/config"
)

// Message is one queued job.
type Message struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// Queue is a FIFO of job messages. Pop blocks for at most the queue's poll
// window and reports ok=false when nothing arrived.
type Queue interface {
	Push(ctx context.Context, m Message) error
	Pop(ctx context.Context) (m Message, ok bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

func decode(body string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("queue message without id")
	}
	return m, nil
}

// Open builds the queue for cfg.Queue.Driver.
func Open(ctx context.Context, cfg *config.Config) (Queue, error) {
	switch cfg.Queue.Driver {
	case "", "none":
		return NewLocal(64, cfg.Queue.BlockTimeout), nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisQueue(rdb, cfg.Queue.Name, cfg.Queue.BlockTimeout), nil

	case "sqs":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SQS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SQS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL, cfg.Queue.BlockTimeout), nil

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// Local is an in-process queue for single-binary deployments and tests.
type Local struct {
	ch   chan Message
	wait time.Duration
}

func NewLocal(size int, wait time.Duration) *Local {
	if wait <= 0 {
		wait = time.Second
	}
	return &Local{ch: make(chan Message, size), wait: wait}
}

func (l *Local) Push(ctx context.Context, m Message) error {
	select {
	case l.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("local queue full (%d jobs)", cap(l.ch))
	}
}

func (l *Local) Pop(ctx context.Context) (Message, bool, error) {
	t := time.NewTimer(l.wait)
	defer t.Stop()
	select {
	case m := <-l.ch:
		return m, true, nil
	case <-t.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error { return nil }
