package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SpendRecorder accumulates request cost per session.
type SpendRecorder interface {
	AddSpend(ctx context.Context, sessionID, model string, costUSD float64) error
	Spend(ctx context.Context, sessionID string) (float64, error)
}

// NoopSpend discards spend.
type NoopSpend struct{}

func NewNoopSpend() *NoopSpend {
	return &NoopSpend{}
}

func (s *NoopSpend) AddSpend(ctx context.Context, sessionID, model string, costUSD float64) error {
	return nil
}

func (s *NoopSpend) Spend(ctx context.Context, sessionID string) (float64, error) {
	return 0, nil
}

// Keep running totals for 60 days
const spendTTL = 60 * 24 * time.Hour

var incrementScript = redis.NewScript(`
	local cost = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])
	local total = 0

	for i, key in ipairs(KEYS) do
		local current = tonumber(redis.call('GET', key)) or 0
		local new_total = current + cost
		redis.call('SET', key, new_total, 'EX', ttl)
		if i == 1 then
			total = new_total
		end
	end

	return tostring(total)
`)

// RedisSpendRecorder keeps per-session and per-model monthly totals in Redis.
type RedisSpendRecorder struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisSpendRecorder creates a spend recorder backed by client
func NewRedisSpendRecorder(client *redis.Client) *RedisSpendRecorder {
	return &RedisSpendRecorder{
		redis: client,
		now:   time.Now,
	}
}

// AddSpend adds cost to the session total and to the model's monthly total atomically
func (s *RedisSpendRecorder) AddSpend(ctx context.Context, sessionID, model string, costUSD float64) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	keys := []string{sessionKey(sessionID)}
	if model != "" {
		now := s.now().UTC()
		keys = append(keys, modelKey(model, now.Year(), int(now.Month())))
	}

	if err := incrementScript.Run(ctx, s.redis, keys, costUSD, int(spendTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("failed to add spend: %w", err)
	}
	return nil
}

// Spend returns the running cost for a session
func (s *RedisSpendRecorder) Spend(ctx context.Context, sessionID string) (float64, error) {
	return s.get(ctx, sessionKey(sessionID))
}

// ModelSpend returns the cost recorded against a model in a month
func (s *RedisSpendRecorder) ModelSpend(ctx context.Context, model string, year, month int) (float64, error) {
	return s.get(ctx, modelKey(model, year, month))
}

// ResetSpend clears a session's running total
func (s *RedisSpendRecorder) ResetSpend(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx, sessionKey(sessionID)).Err()
}

func (s *RedisSpendRecorder) get(ctx context.Context, key string) (float64, error) {
	val, err := s.redis.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get spend: %w", err)
	}
	return val, nil
}

func sessionKey(sessionID string) string {
	return "spend:" + sessionID
}

func modelKey(model string, year, month int) string {
	return fmt.Sprintf("cost:%s:%d:%02d", costKey(model), year, month)
}
