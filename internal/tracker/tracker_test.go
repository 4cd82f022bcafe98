package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_flow/internal/billing"
	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/providers"
	"llm_flow/internal/sysinfo"
)

type captureTransport struct {
	mu      sync.Mutex
	entries []*models.LogEntry
}

func (c *captureTransport) Name() string { return "capture" }

func (c *captureTransport) Send(ctx context.Context, entry *models.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type spendCall struct {
	session string
	model   string
	cost    float64
}

type captureSpend struct {
	calls []spendCall
}

func (s *captureSpend) AddSpend(ctx context.Context, sessionID, model string, costUSD float64) error {
	s.calls = append(s.calls, spendCall{sessionID, model, costUSD})
	return nil
}

func (s *captureSpend) Spend(ctx context.Context, sessionID string) (float64, error) {
	return 0, nil
}

// steppingClock advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	costs, err := billing.ParseCostTable([]byte(`[
		{"model": "gpt-4o-mini", "input_cost_10k": 20, "output_cost_10k": 40},
		{"model": "gemini-1.5-pro", "input_cost_10k": 10, "output_cost_10k": 20}
	]`))
	require.NoError(t, err)
	return providers.DefaultRegistry(providers.Deps{
		Calculator: metrics.NewCalculator(costs),
		System:     sysinfo.Info{Locale: "en-US", Env: "test"},
	})
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *captureTransport) {
	t.Helper()
	tr := &captureTransport{}
	all := append([]Option{
		WithClock(steppingClock(base, 100*time.Millisecond)),
		WithRegistry(testRegistry(t)),
		WithDefaultTransport(tr),
	}, opts...)
	return New(all...), tr
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	tk, tr := newTestTracker(t)

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Zero(t, tr.count())

	tk.LogPrompt("hi", "")
	_, err = tk.Flush(context.Background(), nil)
	require.NoError(t, err)

	entry, err = tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 1, tr.count())
}

func TestSessionStableRequestFresh(t *testing.T) {
	tk, _ := newTestTracker(t)
	assert.Empty(t, tk.SessionID())

	seen := map[string]bool{}
	var session string
	for i := 0; i < 5; i++ {
		tk.LogPrompt("prompt", "")
		if i == 0 {
			session = tk.SessionID()
			require.NotEmpty(t, session)
		}
		assert.Equal(t, session, tk.SessionID())
		assert.False(t, seen[tk.RequestID()], "request id reused")
		seen[tk.RequestID()] = true
	}
}

func TestLogPrompt_ClearsUnflushedBuffer(t *testing.T) {
	tk, _ := newTestTracker(t)

	tk.LogPrompt("first", "")
	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o"}))
	assert.Equal(t, 2, tk.Len())

	tk.LogPrompt("second", "")
	assert.Equal(t, 1, tk.Len())

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "second", *entry.Request.Prompt)
	assert.Nil(t, entry.Request.Model)
}

func TestFlush_ChatGPTRoundTrip(t *testing.T) {
	tk, tr := newTestTracker(t)

	tk.LogPrompt("Hello, World!", "")
	require.NoError(t, tk.LogRequest(map[string]any{
		"model":       "gpt-4o-mini",
		"max_tokens":  100,
		"temperature": 0.7,
		"top_p":       0.9,
	}))

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, tr.count())
	assert.Same(t, entry, tr.entries[0])

	req := entry.Request
	assert.Equal(t, "Hello, World!", *req.Prompt)
	assert.Equal(t, "gpt-4o-mini", *req.Model)
	assert.Equal(t, 100, *req.MaxTokens)
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, 0.9, *req.TopP)
	assert.Nil(t, req.TopK)
	assert.Nil(t, req.SystemPrompt)
	assert.Nil(t, req.Tools)
	assert.Nil(t, req.OutputMode)

	assert.Equal(t, tk.RequestID(), entry.RequestID)
	assert.Equal(t, tk.SessionID(), entry.SessionID)
	assert.Equal(t, "chatgpt", entry.Meta.ModelFamily)
	assert.False(t, entry.Meta.FamilyFallback)
	assert.Equal(t, int64(100), entry.Meta.LatencyPromptRequest)
	assert.Zero(t, entry.Meta.LatencyRequestResponse)
	assert.Zero(t, tk.Len())
}

func TestFlush_Dispatch(t *testing.T) {
	tests := []struct {
		name     string
		request  map[string]any
		family   string
		fallback bool
	}{
		{"gpt", map[string]any{"model": "gpt-4o-mini"}, "chatgpt", false},
		{"gemini", map[string]any{"model": "gemini-1.5-pro"}, "gemini", false},
		{"claude", map[string]any{"model": "claude-3-5-sonnet"}, "claude", false},
		{"unknown model", map[string]any{"model": "mistral-large"}, "chatgpt", true},
		{"no request", nil, "chatgpt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk, _ := newTestTracker(t)
			tk.LogPrompt("q", "")
			if tt.request != nil {
				require.NoError(t, tk.LogRequest(tt.request))
			}

			entry, err := tk.Flush(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.family, entry.Meta.ModelFamily)
			assert.Equal(t, tt.fallback, entry.Meta.FamilyFallback)
		})
	}
}

func TestFlush_PromptWithoutRequest(t *testing.T) {
	tk, _ := newTestTracker(t)
	tk.LogPrompt("only a prompt", "keyboard")

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "only a prompt", *entry.Request.Prompt)
	assert.Equal(t, "keyboard", *entry.Meta.TriggerSource)
	assert.Nil(t, entry.Response.Status)
	assert.Nil(t, entry.Response.Text)
	assert.Nil(t, entry.Meta.RequestCost)
	assert.Zero(t, entry.Meta.LatencyPromptRequest)
	assert.Zero(t, entry.Meta.LatencyRequestResponse)
	assert.Zero(t, entry.Meta.LatencyFunctionCalls)
	assert.Nil(t, entry.Error)
}

func TestFlush_LatencyCostAndSpend(t *testing.T) {
	spend := &captureSpend{}
	tk, _ := newTestTracker(t, WithSpend(spend))

	tk.LogPrompt("q", "")
	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o-mini"}))
	require.NoError(t, tk.LogResponse(map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": "answer"},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
	}))
	require.NoError(t, tk.LogFunctionCallResult(map[string]any{"name": "lookup", "result": "ok"}))

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(100), entry.Meta.LatencyPromptRequest)
	assert.Equal(t, int64(100), entry.Meta.LatencyRequestResponse)
	assert.Equal(t, int64(100), entry.Meta.LatencyFunctionCalls)

	assert.Equal(t, "answer", *entry.Response.Text)
	assert.Equal(t, 200, *entry.Response.Status)
	assert.Equal(t, 150, *entry.Meta.TotalTokenCount)
	require.NotNil(t, entry.Meta.RequestCost)
	assert.InDelta(t, 0.4, *entry.Meta.RequestCost, 1e-9)

	require.Len(t, spend.calls, 1)
	assert.Equal(t, entry.SessionID, spend.calls[0].session)
	assert.Equal(t, "gpt-4o-mini", spend.calls[0].model)
	assert.InDelta(t, 0.4, spend.calls[0].cost, 1e-9)
}

func TestFlush_ErrorPath(t *testing.T) {
	tk, _ := newTestTracker(t)

	tk.LogPrompt("q", "")
	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o-mini"}))
	tk.LogError(errors.New("upstream returned 429"))
	tk.LogError(nil)

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "upstream returned 429", entry.Error.Message)
	assert.Equal(t, "*errors.errorString", entry.Error.Type)
	assert.NotEmpty(t, entry.Error.Stack)
	assert.Nil(t, entry.Response.Status)
}

func TestFlush_ProjectionErrorKeepsBuffer(t *testing.T) {
	tk, tr := newTestTracker(t)

	tk.LogPrompt("q", "")
	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o-mini"}))
	require.NoError(t, tk.LogResponse(json.RawMessage(`{"choices": "not a list"}`)))

	entry, err := tk.Flush(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.ErrorIs(t, err, providers.ErrMalformedEvent)
	assert.Contains(t, err.Error(), "chatgpt processor")
	assert.Equal(t, 3, tk.Len())
	assert.Zero(t, tr.count())
}

func TestFlush_CustomAndDuplicateResults(t *testing.T) {
	tk, _ := newTestTracker(t)

	tk.LogPrompt("q", "")
	require.NoError(t, tk.Log("experiment", "A"))
	require.NoError(t, tk.Log("experiment", "B"))
	require.NoError(t, tk.Log("flags", map[string]any{"beta": true}))
	require.NoError(t, tk.LogFunctionCallResult(map[string]any{"name": "first"}))
	require.NoError(t, tk.LogFunctionCallResult(map[string]any{"name": "second", "exitCode": 2}))
	assert.Error(t, tk.Log("", 1))

	entry, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)

	assert.JSONEq(t, `"B"`, string(entry.Custom["experiment"]))
	assert.JSONEq(t, `{"beta": true}`, string(entry.Custom["flags"]))

	require.NotNil(t, entry.FunctionCallResult)
	assert.Equal(t, "first", *entry.FunctionCallResult.Name)
	assert.Equal(t, 0, *entry.FunctionCallResult.ExitCode)
	require.Len(t, entry.FunctionCallResults, 2)
	assert.Equal(t, 2, *entry.FunctionCallResults[1].ExitCode)
}

func TestFlush_ExplicitTransportOverridesDefault(t *testing.T) {
	tk, def := newTestTracker(t)
	explicit := &captureTransport{}

	tk.LogPrompt("q", "")
	_, err := tk.Flush(context.Background(), explicit)
	require.NoError(t, err)

	assert.Equal(t, 1, explicit.count())
	assert.Zero(t, def.count())
}

func TestAppendWithoutPromptStartsRequest(t *testing.T) {
	tk, _ := newTestTracker(t)

	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o"}))
	first := tk.RequestID()
	require.NotEmpty(t, first)

	_, err := tk.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, first, tk.RequestID())

	require.NoError(t, tk.LogRequest(map[string]any{"model": "gpt-4o"}))
	assert.NotEqual(t, first, tk.RequestID())
}

func TestLogRequest_InvalidPayload(t *testing.T) {
	tk, _ := newTestTracker(t)
	err := tk.LogRequest([]byte("{not json"))
	assert.Error(t, err)
	assert.Zero(t, tk.Len())
}

func TestConcurrentTrackers(t *testing.T) {
	registry := testRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		tr := &captureTransport{}
		tk := New(WithRegistry(registry), WithDefaultTransport(tr))

		wg.Add(1)
		go func() {
			defer wg.Done()
			tk.LogPrompt("q", "")
			_ = tk.LogRequest(map[string]any{"model": "gemini-1.5-pro"})
			entry, err := tk.Flush(context.Background(), nil)
			if assert.NoError(t, err) {
				assert.Equal(t, "gemini", entry.Meta.ModelFamily)
			}
			assert.Equal(t, 1, tr.count())
		}()
	}
	wg.Wait()
}
