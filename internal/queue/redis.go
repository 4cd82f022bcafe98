package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis lists. Items are stored as JSON.
type RedisQueue[T any] struct {
	client *redis.Client
	config *Config
	qKey   string
}

// NewRedisQueue connects to the Redis server named in config
func NewRedisQueue[T any](config *Config) (*RedisQueue[T], error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := dial(config)
	if err != nil {
		return nil, err
	}
	return NewRedisQueueWithClient[T](client, config)
}

// NewRedisQueueWithClient builds a queue on an existing client
func NewRedisQueueWithClient[T any](client *redis.Client, config *Config) (*RedisQueue[T], error) {
	if client == nil {
		return nil, ErrNoRedisClient
	}
	if config == nil {
		config = DefaultConfig("redis")
	}
	return &RedisQueue[T]{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

func dial(config *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Enqueue adds an item to the queue
func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}

// Dequeue retrieves items from the queue
func (q *RedisQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	// Block until at least one item is available
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	return q.collect(ctx, result[1], maxItems)
}

// DequeueWithTimeout retrieves items with a timeout
func (q *RedisQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	// Block until item is available or timeout
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil // Timeout, no items
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	return q.collect(ctx, result[1], maxItems)
}

// collect decodes the first popped value and pops more without blocking
func (q *RedisQueue[T]) collect(ctx context.Context, first string, maxItems int) ([]T, error) {
	var items []T
	item, err := decodeItem[T](first)
	if err != nil {
		return nil, err
	}
	items = append(items, item)

	for len(items) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return items, nil // Return what we have so far
		}
		item, err := decodeItem[T](raw)
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}

	return items, nil
}

func decodeItem[T any](raw string) (T, error) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return item, nil
}

// Length returns the current queue length
func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue
func (q *RedisQueue[T]) Close() error {
	return q.client.Close()
}

// RedisDeadLetterQueue implements DeadLetterQueue using Redis hashes
type RedisDeadLetterQueue[T any] struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue connects to the Redis server named in config
func NewRedisDeadLetterQueue[T any](config *Config) (*RedisDeadLetterQueue[T], error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := dial(config)
	if err != nil {
		return nil, err
	}
	return NewRedisDeadLetterQueueWithClient[T](client, config)
}

// NewRedisDeadLetterQueueWithClient builds a dead letter queue on an existing client
func NewRedisDeadLetterQueueWithClient[T any](client *redis.Client, config *Config) (*RedisDeadLetterQueue[T], error) {
	if client == nil {
		return nil, ErrNoRedisClient
	}
	if config == nil {
		config = DefaultConfig("redis")
	}
	return &RedisDeadLetterQueue[T]{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, err error) error {
	dlItem := newDeadLetterItem(item, err)

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return nil
}

// List retrieves items from the dead letter queue, oldest first
func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem[T], 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem[T]
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	// ULIDs sort by creation time
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close shuts down the dead letter queue
func (q *RedisDeadLetterQueue[T]) Close() error {
	return q.client.Close()
}
