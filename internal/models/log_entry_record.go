package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogEntryRecord is the row persisted for one flushed LogEntry.
// The full entry lives in Payload; the other columns are indexed projections.
type LogEntryRecord struct {
	RequestID   string    `db:"request_id"`
	SessionID   string    `db:"session_id"`
	Model       *string   `db:"model"`
	ModelFamily string    `db:"model_family"`
	TotalTokens *int      `db:"total_tokens"`
	RequestCost *float64  `db:"request_cost"`
	HasError    bool      `db:"has_error"`
	Payload     JSONB     `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewLogEntryRecord builds a row from entry.
func NewLogEntryRecord(entry *LogEntry, createdAt time.Time) (*LogEntryRecord, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode log entry: %w", err)
	}
	var payload JSONB
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, fmt.Errorf("failed to encode log entry: %w", err)
	}

	return &LogEntryRecord{
		RequestID:   entry.RequestID,
		SessionID:   entry.SessionID,
		Model:       entry.Request.Model,
		ModelFamily: entry.Meta.ModelFamily,
		TotalTokens: entry.Meta.TotalTokenCount,
		RequestCost: entry.Meta.RequestCost,
		HasError:    entry.Error != nil,
		Payload:     payload,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

// Entry decodes the stored payload back into a LogEntry.
func (r *LogEntryRecord) Entry() (*LogEntry, error) {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode log entry %s: %w", r.RequestID, err)
	}
	var entry LogEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode log entry %s: %w", r.RequestID, err)
	}
	return &entry, nil
}
