package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"llm_flow/internal/models"
)

const logEntryColumns = `request_id, session_id, model, model_family, total_tokens,
	request_cost, has_error, payload, created_at`

// LogEntryRepository persists flushed log entries
type LogEntryRepository struct {
	db    *DB
	cache *LRUCache[*models.LogEntry]
}

// NewLogEntryRepository creates a new log entry repository
func NewLogEntryRepository(db *DB) *LogEntryRepository {
	return &LogEntryRepository{
		db:    db,
		cache: db.entryCache,
	}
}

// Upsert writes a record, replacing any row with the same request id
func (r *LogEntryRepository) Upsert(ctx context.Context, rec *models.LogEntryRecord) error {
	return r.upsert(ctx, r.db.conn, rec)
}

// UpsertBatch writes records in a single transaction
func (r *LogEntryRepository) UpsertBatch(ctx context.Context, recs []*models.LogEntryRecord) error {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := r.upsert(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *LogEntryRepository) upsert(ctx context.Context, exec sqlx.ExtContext, rec *models.LogEntryRecord) error {
	query := exec.Rebind(`
		INSERT INTO log_entries (` + logEntryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			session_id = excluded.session_id,
			model = excluded.model,
			model_family = excluded.model_family,
			total_tokens = excluded.total_tokens,
			request_cost = excluded.request_cost,
			has_error = excluded.has_error,
			payload = excluded.payload,
			created_at = excluded.created_at
	`)

	_, err := exec.ExecContext(ctx, query,
		rec.RequestID, rec.SessionID, rec.Model, rec.ModelFamily, rec.TotalTokens,
		rec.RequestCost, rec.HasError, rec.Payload, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert log entry %s: %w", rec.RequestID, err)
	}

	r.cache.Delete(rec.RequestID)
	return nil
}

// GetByRequestID returns the entry for a request id (with caching)
func (r *LogEntryRepository) GetByRequestID(ctx context.Context, requestID string) (*models.LogEntry, error) {
	if cached, found := r.cache.Get(requestID); found {
		return cached, nil
	}

	var rec models.LogEntryRecord
	query := r.db.conn.Rebind(`SELECT ` + logEntryColumns + ` FROM log_entries WHERE request_id = ?`)
	if err := r.db.conn.GetContext(ctx, &rec, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogEntryNotFound
		}
		return nil, fmt.Errorf("failed to get log entry: %w", err)
	}

	entry, err := rec.Entry()
	if err != nil {
		return nil, err
	}

	r.cache.Set(requestID, entry)
	return entry, nil
}

// ListBySession returns a session's entries, oldest first
func (r *LogEntryRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var recs []models.LogEntryRecord
	query := r.db.conn.Rebind(`SELECT ` + logEntryColumns + `
		FROM log_entries WHERE session_id = ?
		ORDER BY created_at ASC, request_id ASC LIMIT ?`)
	if err := r.db.conn.SelectContext(ctx, &recs, query, sessionID, limit); err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}

	entries := make([]*models.LogEntry, 0, len(recs))
	for i := range recs {
		entry, err := recs[i].Entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SessionSummary aggregates a session's stored entries
type SessionSummary struct {
	SessionID   string  `db:"session_id" json:"sessionId"`
	Entries     int     `db:"entries" json:"entries"`
	Errors      int     `db:"errors" json:"errors"`
	TotalTokens int64   `db:"total_tokens" json:"totalTokens"`
	TotalCost   float64 `db:"total_cost" json:"totalCost"`
}

// SummarizeSession totals cost and tokens for a session
func (r *LogEntryRepository) SummarizeSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	summary := SessionSummary{SessionID: sessionID}
	query := r.db.conn.Rebind(`
		SELECT
			COUNT(*) AS entries,
			COALESCE(SUM(CASE WHEN has_error THEN 1 ELSE 0 END), 0) AS errors,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(request_cost), 0) AS total_cost
		FROM log_entries WHERE session_id = ?`)
	row := r.db.conn.QueryRowxContext(ctx, query, sessionID)
	if err := row.Scan(&summary.Entries, &summary.Errors, &summary.TotalTokens, &summary.TotalCost); err != nil {
		return nil, fmt.Errorf("failed to summarize session: %w", err)
	}
	return &summary, nil
}
