package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultDBConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "flow.db")

	db, err := NewDB(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(t *testing.T, requestID, sessionID string, cost float64, createdAt time.Time) *models.LogEntryRecord {
	t.Helper()

	entry := &models.LogEntry{
		RequestID: requestID,
		SessionID: sessionID,
		Request: models.Request{
			Prompt: utils.StringPtr("hello"),
			Model:  utils.StringPtr("gpt-4o"),
		},
		Response: models.Response{
			Text:   utils.StringPtr("hi"),
			Status: utils.IntPtr(200),
		},
		Meta: models.Meta{
			TotalTokenCount: utils.IntPtr(30),
			RequestCost:     utils.FloatPtr(cost),
			ModelFamily:     "chatgpt",
		},
	}

	rec, err := models.NewLogEntryRecord(entry, createdAt)
	require.NoError(t, err)
	return rec
}

func TestNewDB_RejectsUnknownDriver(t *testing.T) {
	cfg := DefaultDBConfig()
	cfg.Driver = "mysql"

	_, err := NewDB(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestLogEntryRepository_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewLogEntryRepository()
	ctx := context.Background()

	rec := testRecord(t, "req-1", "sess-1", 0.5, time.Now())
	require.NoError(t, repo.Upsert(ctx, rec))

	entry, err := repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", entry.SessionID)
	require.NotNil(t, entry.Request.Model)
	assert.Equal(t, "gpt-4o", *entry.Request.Model)
	require.NotNil(t, entry.Response.Status)
	assert.Equal(t, 200, *entry.Response.Status)

	// Second read is served from the cache
	_, err = repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), db.GetStats().EntryCacheStats.Hits)

	_, err = repo.GetByRequestID(ctx, "missing")
	assert.ErrorIs(t, err, ErrLogEntryNotFound)
}

func TestLogEntryRepository_UpsertReplaces(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewLogEntryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, testRecord(t, "req-1", "sess-1", 0.5, time.Now())))
	_, err := repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)

	require.NoError(t, repo.Upsert(ctx, testRecord(t, "req-1", "sess-1", 1.5, time.Now())))

	entry, err := repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, entry.Meta.RequestCost)
	assert.InDelta(t, 1.5, *entry.Meta.RequestCost, 1e-9)
}

func TestLogEntryRepository_SessionQueries(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewLogEntryRepository()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.UpsertBatch(ctx, []*models.LogEntryRecord{
		testRecord(t, "req-2", "sess-1", 0.25, base.Add(time.Minute)),
		testRecord(t, "req-1", "sess-1", 0.5, base),
		testRecord(t, "req-3", "sess-2", 9, base),
	}))

	entries, err := repo.ListBySession(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, "req-2", entries[1].RequestID)

	summary, err := repo.SummarizeSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Entries)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, int64(60), summary.TotalTokens)
	assert.InDelta(t, 0.75, summary.TotalCost, 1e-9)

	empty, err := repo.SummarizeSession(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Entries)
}

func TestDB_Health(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Health(context.Background()))
}
