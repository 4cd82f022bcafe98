package logging

import (
	"context"
	"time"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// RecordWriter persists one log entry row. Both a repository upsert and
// a queue worker enqueue fit.
type RecordWriter func(ctx context.Context, rec *models.LogEntryRecord) error

// SQL writes entries into the log_entries table, keyed by request id.
type SQL struct {
	write  RecordWriter
	now    func() time.Time
	logger *utils.Logger
}

func NewSQL(write RecordWriter) *SQL {
	return &SQL{write: write, now: time.Now, logger: utils.NewLogger("sql-transport")}
}

func (s *SQL) Name() string { return "sql" }

func (s *SQL) Send(ctx context.Context, entry *models.LogEntry) {
	if entry.RequestID == "" {
		report(s.logger, s.Name(), entry, errMissingRequestID)
		return
	}
	rec, err := models.NewLogEntryRecord(entry, s.now())
	if err == nil {
		err = s.write(ctx, rec)
	}
	report(s.logger, s.Name(), entry, err)
}
