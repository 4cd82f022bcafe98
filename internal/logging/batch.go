package logging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/queue"
	"llm_flow/internal/utils"
)

// Batch queues entries and uploads them in batches through a BatchWriter.
// A failed batch is moved to the dead letter queue and not retried.
type Batch struct {
	name        string
	queue       queue.Queue[*models.LogEntry]
	dlq         queue.DeadLetterQueue[*models.LogEntry]
	writer      BatchWriter
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
}

// NewBatch creates a batch transport; call Start to begin uploading.
func NewBatch(
	name string,
	q queue.Queue[*models.LogEntry],
	dlq queue.DeadLetterQueue[*models.LogEntry],
	writer BatchWriter,
	config *queue.Config,
) *Batch {
	if config == nil {
		config = queue.DefaultConfig(name)
	}
	if name == "" {
		name = "batch"
	}

	return &Batch{
		name:        name,
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger(name + "-transport"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

func (b *Batch) Name() string { return b.name }

// Send enqueues the entry for the next batch.
func (b *Batch) Send(ctx context.Context, entry *models.LogEntry) {
	err := b.queue.Enqueue(ctx, entry)
	if err != nil {
		err = fmt.Errorf("failed to enqueue: %w", err)
	}
	report(b.logger, b.name, entry, err)
}

// Start starts the upload goroutine
func (b *Batch) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop uploads whatever is still queued and stops the goroutine.
func (b *Batch) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.stoppedChan

	for {
		n, err := b.queue.Length(ctx)
		if err != nil || n == 0 {
			return nil
		}
		if err := b.processBatch(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}

func (b *Batch) run(ctx context.Context) {
	defer close(b.stoppedChan)

	for {
		select {
		case <-b.stopChan:
			b.logger.Info("Batch transport stopping")
			return
		case <-ctx.Done():
			b.logger.Info("Batch transport context cancelled")
			return
		default:
			if err := b.processBatch(ctx, b.config.BatchTimeout); errors.Is(err, queue.ErrQueueClosed) {
				b.logger.Info("Batch queue closed, transport exiting")
				return
			}
		}
	}
}

func (b *Batch) processBatch(ctx context.Context, timeout time.Duration) error {
	entries, err := b.queue.DequeueWithTimeout(ctx, b.config.BatchSize, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		b.logger.Error("Failed to dequeue log entries", "error", err)
		time.Sleep(1 * time.Second) // Back off on error
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	key, err := b.writer.WriteBatch(ctx, entries)
	if err == nil {
		b.logger.Debug("Uploaded batch", "key", key, "count", len(entries))
		return nil
	}

	metrics.TransportFailuresTotal.WithLabelValues(b.name).Add(float64(len(entries)))
	b.logger.Error("Failed to upload batch", "count", len(entries), "error", err)
	if b.dlq == nil {
		return nil
	}
	for _, entry := range entries {
		if dlqErr := b.dlq.Add(ctx, entry, err); dlqErr != nil {
			b.logger.Error("Failed to add to dead letter queue", "request_id", entry.RequestID, "error", dlqErr)
		}
	}
	return nil
}

// GetQueueLength returns the number of entries waiting for upload
func (b *Batch) GetQueueLength(ctx context.Context) (int, error) {
	return b.queue.Length(ctx)
}

// GetDeadLetterItems returns entries from failed uploads
func (b *Batch) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[*models.LogEntry], error) {
	if b.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return b.dlq.List(ctx, maxItems)
}
