package logging

import (
	"context"
	"sync"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// Transport delivers one assembled LogEntry to a sink. Send never fails
// from the caller's point of view: sinks log and count their own errors
// and never retry.
type Transport interface {
	Name() string
	Send(ctx context.Context, entry *models.LogEntry)
}

// Noop discards entries.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Name() string { return "noop" }

func (n *Noop) Send(ctx context.Context, entry *models.LogEntry) {}

// Multi fans an entry out to several transports concurrently and waits for all of them.
type Multi struct {
	transports []Transport
}

func NewMulti(transports ...Transport) *Multi {
	return &Multi{transports: transports}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Send(ctx context.Context, entry *models.LogEntry) {
	var wg sync.WaitGroup
	for _, t := range m.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			t.Send(ctx, entry)
		}(t)
	}
	wg.Wait()
}

// Transports returns the fan-out targets.
func (m *Multi) Transports() []Transport {
	return m.transports
}

// report counts the outcome of one delivery and logs failures.
func report(logger *utils.Logger, name string, entry *models.LogEntry, err error) {
	metrics.TransportSendsTotal.WithLabelValues(name).Inc()
	if err == nil {
		return
	}
	metrics.TransportFailuresTotal.WithLabelValues(name).Inc()
	logger.Error("Failed to deliver log entry", "transport", name, "request_id", entry.RequestID, "error", err)
}
