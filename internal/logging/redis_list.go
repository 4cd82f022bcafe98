package logging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// RedisListConfig holds configuration for the Redis list transport
type RedisListConfig struct {
	Key     string // Redis list key
	MaxSize int64  // oldest entries are trimmed beyond this length (0 = unlimited)
}

// DefaultRedisListConfig returns default configuration
func DefaultRedisListConfig() RedisListConfig {
	return RedisListConfig{
		Key:     "llm_flow:entries",
		MaxSize: 100000,
	}
}

var pushTrimScript = redis.NewScript(`
local key = KEYS[1]
local max_size = tonumber(ARGV[2])

redis.call('RPUSH', key, ARGV[1])

local len = redis.call('LLEN', key)
if max_size > 0 and len > max_size then
	redis.call('LTRIM', key, len - max_size, -1)
	len = max_size
end

return len
`)

var popScript = redis.NewScript(`
local key = KEYS[1]
local count = tonumber(ARGV[1])

local records = redis.call('LRANGE', key, 0, count - 1)
if #records > 0 then
	redis.call('LTRIM', key, #records, -1)
end

return records
`)

// RedisList appends entries to a capped Redis list for other processes to consume.
type RedisList struct {
	client  *redis.Client
	key     string
	maxSize int64
	logger  *utils.Logger
}

func NewRedisList(client *redis.Client, cfg RedisListConfig) *RedisList {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisListConfig().Key
	}
	return &RedisList{
		client:  client,
		key:     cfg.Key,
		maxSize: cfg.MaxSize,
		logger:  utils.NewLogger("redis-list-transport"),
	}
}

func (r *RedisList) Name() string { return "redis_list" }

func (r *RedisList) Send(ctx context.Context, entry *models.LogEntry) {
	report(r.logger, r.Name(), entry, r.push(ctx, entry))
}

func (r *RedisList) push(ctx context.Context, entry *models.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if err := pushTrimScript.Run(ctx, r.client, []string{r.key}, data, r.maxSize).Err(); err != nil {
		return fmt.Errorf("failed to push log entry: %w", err)
	}
	return nil
}

// Drain removes and returns up to count of the oldest entries.
// Entries that no longer decode are skipped.
func (r *RedisList) Drain(ctx context.Context, count int) ([]*models.LogEntry, error) {
	if count <= 0 {
		count = 100
	}

	result, err := popScript.Run(ctx, r.client, []string{r.key}, count).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to drain log entries: %w", err)
	}

	entries := make([]*models.LogEntry, 0, len(result))
	for _, raw := range result {
		var entry models.LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			r.logger.Warn("Skipping malformed log entry", "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Len returns the number of entries waiting in the list.
func (r *RedisList) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.key).Result()
}
