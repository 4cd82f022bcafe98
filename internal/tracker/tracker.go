// Package tracker buffers the events of one LLM call and turns them into
// a LogEntry on Flush.
package tracker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"llm_flow/internal/billing"
	"llm_flow/internal/logging"
	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/providers"
	"llm_flow/internal/sysinfo"
	"llm_flow/internal/tokens"
	"llm_flow/internal/utils"
)

// DefaultDataDir is where the default transport writes daily JSONL files.
const DefaultDataDir = "./data"

// Tracker owns the event buffer of the request in flight, its request id
// and the session id shared by every request it tracks. It handles one
// request at a time: LogPrompt discards anything not yet flushed.
type Tracker struct {
	mu        sync.Mutex
	events    []models.Event
	sessionID string
	requestID string
	// pending is true while requestID names a request that has not been flushed
	pending bool

	now       func() time.Time
	registry  *providers.Registry
	transport logging.Transport
	spend     billing.SpendRecorder
	logger    *utils.Logger
	userID    string
	dataDir   string
}

// New creates a tracker. Without options it dispatches over the default
// processors priced by the embedded cost table and writes to ./data.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		dataDir: DefaultDataDir,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = utils.NewLogger("tracker")
	}
	if t.registry == nil {
		t.registry = providers.DefaultRegistry(providers.Deps{
			Calculator: metrics.NewCalculator(billing.DefaultCostTable()),
			System:     sysinfo.Collect(""),
			Tokens:     tokens.NewCounter(),
			UserID:     t.userID,
		})
	}
	if t.transport == nil {
		t.transport = logging.NewJSONLFile(t.dataDir)
	}
	if t.spend == nil {
		t.spend = billing.NewNoopSpend()
	}
	return t
}

// LogPrompt starts a new request: the buffer is cleared, a request id is
// minted and the session id is minted if this is the first request.
func (t *Tracker) LogPrompt(prompt, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = t.events[:0]
	t.startRequest()

	// PromptData always encodes.
	e, _ := models.NewEvent(models.EventPrompt, t.now(), models.PromptData{Prompt: prompt, Trigger: trigger})
	t.events = append(t.events, e)
}

// LogRequest records the provider request payload.
func (t *Tracker) LogRequest(data any) error {
	return t.append(models.EventRequest, data)
}

// LogResponse records the provider response payload.
func (t *Tracker) LogResponse(data any) error {
	return t.append(models.EventResponse, data)
}

// LogFunctionCallResult records the outcome of a tool call.
func (t *Tracker) LogFunctionCallResult(data any) error {
	return t.append(models.EventFunctionCallResult, data)
}

// Log records a custom value under key.
func (t *Tracker) Log(key string, data any) error {
	if key == "" {
		return fmt.Errorf("custom event key is required")
	}
	raw, err := models.NewEvent(models.EventCustom, t.now(), data)
	if err != nil {
		return err
	}
	return t.append(models.EventCustom, models.CustomData{Key: key, Data: raw.Data})
}

// LogError records an upstream failure. A nil err is ignored.
func (t *Tracker) LogError(err error) {
	if err == nil {
		return
	}
	data := models.ErrorData{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
		Stack:   string(debug.Stack()),
	}
	// ErrorData always encodes.
	_ = t.append(models.EventError, data)
}

func (t *Tracker) append(eventType models.EventType, data any) error {
	e, err := models.NewEvent(eventType, t.now(), data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending {
		t.startRequest()
	}
	t.events = append(t.events, e)
	return nil
}

// startRequest must be called with mu held.
func (t *Tracker) startRequest() {
	t.requestID = ulid.MustNew(ulid.Timestamp(t.now()), ulid.DefaultEntropy()).String()
	if t.sessionID == "" {
		t.sessionID = uuid.NewString()
	}
	t.pending = true
}

// SessionID returns the session id, or "" before the first request.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// RequestID returns the id of the current or most recently flushed request.
func (t *Tracker) RequestID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestID
}

// Len returns the number of buffered events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Flush assembles the buffered events into a LogEntry and sends it to
// transport, or to the default transport when transport is nil. An empty
// buffer returns (nil, nil) and sends nothing. When a projection fails the
// error is returned and the buffer is kept.
func (t *Tracker) Flush(ctx context.Context, transport logging.Transport) (*models.LogEntry, error) {
	t.mu.Lock()
	if len(t.events) == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	buf := models.NewBuffer(t.events)
	requestID, sessionID := t.requestID, t.sessionID
	t.mu.Unlock()

	start := time.Now()
	dispatch := t.registry.Resolve(buf)
	family := dispatch.Processor.Name()

	entry, err := assemble(ctx, dispatch, buf)
	if err != nil {
		metrics.FlushErrorsTotal.WithLabelValues(family).Inc()
		t.logger.Error("Failed to assemble log entry", "request_id", requestID, "processor", family, "error", err)
		return nil, err
	}
	entry.RequestID = requestID
	entry.SessionID = sessionID

	if transport == nil {
		transport = t.transport
	}
	transport.Send(ctx, entry)

	t.mu.Lock()
	// Events appended while the flush ran belong to the same request and stay buffered.
	if t.requestID == requestID && len(t.events) >= buf.Len() {
		t.events = append(t.events[:0], t.events[buf.Len():]...)
		t.pending = len(t.events) > 0
	}
	t.mu.Unlock()

	t.record(ctx, entry, family, time.Since(start))
	return entry, nil
}

func (t *Tracker) record(ctx context.Context, entry *models.LogEntry, family string, elapsed time.Duration) {
	metrics.FlushesTotal.WithLabelValues(family).Inc()
	metrics.FlushDuration.Observe(elapsed.Seconds())
	metrics.ObserveLatencies(metrics.Latencies{
		PromptToRequest:        entry.Meta.LatencyPromptRequest,
		RequestToResponse:      entry.Meta.LatencyRequestResponse,
		ResponseToFunctionCall: entry.Meta.LatencyFunctionCalls,
	})
	if entry.Meta.TotalTokenCount != nil {
		metrics.TokensTotal.WithLabelValues(family).Add(float64(*entry.Meta.TotalTokenCount))
	}

	if entry.Meta.RequestCost == nil || *entry.Meta.RequestCost <= 0 {
		return
	}
	cost := *entry.Meta.RequestCost
	metrics.RequestCostTotal.WithLabelValues(family).Add(cost)
	if err := t.spend.AddSpend(ctx, entry.SessionID, utils.StringPtrValue(entry.Request.Model), cost); err != nil {
		t.logger.Warn("Failed to record spend", "session_id", entry.SessionID, "error", err)
	}
}
