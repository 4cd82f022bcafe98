package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_flow/internal/models"
	"llm_flow/internal/queue"
	"llm_flow/internal/utils"
)

// EntryWriter persists log entry rows
type EntryWriter interface {
	Upsert(ctx context.Context, rec *models.LogEntryRecord) error
	UpsertBatch(ctx context.Context, recs []*models.LogEntryRecord) error
}

// EntryQueueWorker drains queued log entry rows into the database in batches
type EntryQueueWorker struct {
	queue       queue.Queue[*models.LogEntryRecord]
	dlq         queue.DeadLetterQueue[*models.LogEntryRecord]
	writer      EntryWriter
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
}

// NewEntryQueueWorker creates a new entry queue worker
func NewEntryQueueWorker(
	q queue.Queue[*models.LogEntryRecord],
	dlq queue.DeadLetterQueue[*models.LogEntryRecord],
	writer EntryWriter,
	config *queue.Config,
) *EntryQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("log-entries")
	}

	return &EntryQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("entry-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *EntryQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the worker goroutine, then writes the rows still queued.
func (w *EntryQueueWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan

	ctx := context.Background()
	for {
		n, err := w.queue.Length(ctx)
		if err != nil || n == 0 {
			return nil
		}
		if err := w.processBatch(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}

// Enqueue adds a row to the queue
func (w *EntryQueueWorker) Enqueue(ctx context.Context, rec *models.LogEntryRecord) error {
	return w.queue.Enqueue(ctx, rec)
}

func (w *EntryQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Entry worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Entry worker context cancelled")
			return
		default:
			if err := w.processBatch(ctx, w.config.BatchTimeout); errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("Entry queue closed, worker exiting")
				return
			}
		}
	}
}

// processBatch writes one batch of rows, falling back to per-row writes
func (w *EntryQueueWorker) processBatch(ctx context.Context, timeout time.Duration) error {
	records, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		w.logger.Error("Failed to dequeue log entries", "error", err)
		time.Sleep(1 * time.Second) // Back off on error
		return err
	}

	if len(records) == 0 {
		return nil
	}

	w.logger.Debug("Processing log entry batch", "count", len(records))

	if err := w.writer.UpsertBatch(ctx, records); err != nil {
		w.logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		for _, rec := range records {
			if err := w.processItem(ctx, rec); err != nil {
				w.logger.Error("Failed to process log entry", "error", err)
			}
		}
		return nil
	}

	w.logger.Debug("Inserted batch successfully", "count", len(records))
	return nil
}

// processItem writes a single row with retries
func (w *EntryQueueWorker) processItem(ctx context.Context, rec *models.LogEntryRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying log entry", "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}

		if err := w.writer.Upsert(ctx, rec); err != nil {
			lastErr = err
			w.logger.Error("Failed to insert log entry", "attempt", attempt, "error", err)
			continue
		}

		w.logger.Debug("Log entry inserted", "request_id", rec.RequestID)
		return nil
	}

	// Max retries exceeded - add to dead letter queue
	if w.dlq != nil {
		if err := w.dlq.Add(ctx, rec, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Log entry moved to DLQ", "request_id", rec.RequestID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// GetQueueLength returns the current queue length
func (w *EntryQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *EntryQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[*models.LogEntryRecord], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a failed row from the dead letter queue
func (w *EntryQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
