package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*RedisSpendRecorder, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rec := NewRedisSpendRecorder(client)
	rec.now = func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }
	return rec, mr
}

func TestNoopSpend(t *testing.T) {
	s := NewNoopSpend()
	ctx := context.Background()

	assert.NoError(t, s.AddSpend(ctx, "session", "gpt-4o", 1.5))
	total, err := s.Spend(ctx, "session")
	assert.NoError(t, err)
	assert.Zero(t, total)
}

func TestRedisSpendRecorder_Accumulates(t *testing.T) {
	rec, mr := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.AddSpend(ctx, "sess-1", "GPT-4o", 0.25))
	require.NoError(t, rec.AddSpend(ctx, "sess-1", "gpt-4o", 0.5))
	require.NoError(t, rec.AddSpend(ctx, "sess-2", "gpt-4o", 1))

	total, err := rec.Spend(ctx, "sess-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-9)

	monthly, err := rec.ModelSpend(ctx, "gpt-4o", 2024, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, monthly, 1e-9)

	assert.True(t, mr.Exists("spend:sess-1"))
	assert.True(t, mr.Exists("cost:gpt-4o:2024:03"))
	assert.Greater(t, mr.TTL("spend:sess-1"), time.Duration(0))
}

func TestRedisSpendRecorder_UnknownSession(t *testing.T) {
	rec, _ := newTestRecorder(t)

	total, err := rec.Spend(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRedisSpendRecorder_Reset(t *testing.T) {
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.AddSpend(ctx, "sess-1", "", 2))
	require.NoError(t, rec.ResetSpend(ctx, "sess-1"))

	total, err := rec.Spend(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.Error(t, rec.AddSpend(ctx, "", "gpt-4o", 1))
}

func TestRedisSpendRecorder_RedisDown(t *testing.T) {
	rec, mr := newTestRecorder(t)
	mr.Close()

	assert.Error(t, rec.AddSpend(context.Background(), "sess-1", "gpt-4o", 1))
	_, err := rec.Spend(context.Background(), "sess-1")
	assert.Error(t, err)
}
