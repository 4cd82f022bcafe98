package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_flow/internal/queue"
	"llm_flow/internal/utils"
)

// SpendUpdate is one request's cost waiting to be recorded
type SpendUpdate struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	CostUSD   float64   `json:"cost_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// SpendQueueWorker records spend asynchronously. It satisfies SpendRecorder:
// AddSpend enqueues and Spend reads through to the backing recorder.
type SpendQueueWorker struct {
	queue       queue.Queue[*SpendUpdate]
	dlq         queue.DeadLetterQueue[*SpendUpdate]
	recorder    SpendRecorder
	config      *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
}

// NewSpendQueueWorker creates a new spend queue worker
func NewSpendQueueWorker(
	q queue.Queue[*SpendUpdate],
	dlq queue.DeadLetterQueue[*SpendUpdate],
	recorder SpendRecorder,
	config *queue.Config,
) *SpendQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("spend")
	}

	return &SpendQueueWorker{
		queue:       q,
		dlq:         dlq,
		recorder:    recorder,
		config:      config,
		logger:      utils.NewLogger("spend-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *SpendQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the worker goroutine, then writes the updates still queued.
func (w *SpendQueueWorker) Stop() error {
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

// Enqueue adds a spend update to the queue
func (w *SpendQueueWorker) Enqueue(ctx context.Context, update *SpendUpdate) error {
	return w.queue.Enqueue(ctx, update)
}

// AddSpend enqueues the cost for asynchronous recording
func (w *SpendQueueWorker) AddSpend(ctx context.Context, sessionID, model string, costUSD float64) error {
	return w.Enqueue(ctx, &SpendUpdate{
		SessionID: sessionID,
		Model:     model,
		CostUSD:   costUSD,
		Timestamp: time.Now().UTC(),
	})
}

// Spend reads the recorded total; updates still queued are not included
func (w *SpendQueueWorker) Spend(ctx context.Context, sessionID string) (float64, error) {
	return w.recorder.Spend(ctx, sessionID)
}

func (w *SpendQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Spend worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Spend worker context cancelled")
			return
		default:
			if err := w.processBatch(ctx, w.config.BatchTimeout); errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("Spend queue closed, worker exiting")
				return
			}
		}
	}
}

func (w *SpendQueueWorker) processBatch(ctx context.Context, timeout time.Duration) error {
	updates, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		w.logger.Error("Failed to dequeue spend updates", "error", err)
		time.Sleep(1 * time.Second) // Back off on error
		return err
	}

	if len(updates) == 0 {
		return nil
	}

	w.logger.Debug("Processing spend batch", "count", len(updates))

	for _, update := range updates {
		if err := w.processItem(ctx, update); err != nil {
			w.logger.Error("Failed to process spend update", "error", err)
		}
	}
	return nil
}

// processItem records a single update with retries
func (w *SpendQueueWorker) processItem(ctx context.Context, update *SpendUpdate) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying spend update", "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}

		if err := w.recorder.AddSpend(ctx, update.SessionID, update.Model, update.CostUSD); err != nil {
			lastErr = err
			w.logger.Error("Failed to add spend", "attempt", attempt, "error", err)
			continue
		}

		w.logger.Debug("Spend update processed", "session_id", update.SessionID, "cost", update.CostUSD)
		return nil
	}

	// Max retries exceeded - add to dead letter queue
	if w.dlq != nil {
		if err := w.dlq.Add(ctx, update, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Spend update moved to DLQ", "session_id", update.SessionID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// GetQueueLength returns the current queue length
func (w *SpendQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *SpendQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[*SpendUpdate], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}
