package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/sysinfo"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type evt struct {
	typ  models.EventType
	at   time.Duration
	data any
}

func newBuffer(t *testing.T, events ...evt) models.Buffer {
	t.Helper()
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		ev, err := models.NewEvent(e.typ, base.Add(e.at), e.data)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return models.NewBuffer(out)
}

type staticCosts map[string]models.ModelCost

func (s staticCosts) LookupCost(ctx context.Context, modelID string) (models.ModelCost, bool) {
	row, ok := s[strings.ToLower(modelID)]
	return row, ok
}

type fixedEstimator int

func (f fixedEstimator) Estimate(model, text string) (int, bool) {
	return int(f), true
}

func testDeps() Deps {
	return Deps{
		Calculator: metrics.NewCalculator(staticCosts{
			"gpt-4o-mini":    {Model: "gpt-4o-mini", InputCost10k: 20, OutputCost10k: 40},
			"gemini-1.5-pro": {Model: "gemini-1.5-pro", InputCost10k: 10, OutputCost10k: 20},
			"claude-3-opus":  {Model: "claude-3-opus", InputCost10k: 100, OutputCost10k: 300},
		}),
		System: sysinfo.Info{
			Locale:          "en-US",
			TimeZone:        "UTC",
			OperatingSystem: "linux/amd64",
			Shell:           "/bin/bash",
			MachineID:       "machine",
			Env:             "test",
		},
		Tokens: fixedEstimator(7),
		UserID: "user-1",
	}
}

const chatGPTRequest = `{
	"model": "gpt-4o-mini",
	"messages": [
		{"role": "system", "content": "You are terse."},
		{"role": "user", "content": "hello"}
	],
	"temperature": 0.2,
	"top_p": 0.9,
	"max_tokens": 256,
	"tools": [{"type": "function", "function": {"name": "ls"}}]
}`

const chatGPTResponse = `{
	"choices": [{
		"message": {"role": "assistant", "content": "hi there"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
	"start_time": "2024-06-01T12:00:01Z",
	"end_time": 1717243203000
}`

func TestRegistry_Resolve(t *testing.T) {
	reg := DefaultRegistry(testDeps())

	tests := []struct {
		name     string
		events   []evt
		family   string
		fallback bool
	}{
		{
			name:   "gpt model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"gpt-4o-mini"}`)}},
			family: "chatgpt",
		},
		{
			name:   "o-series model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"o3-mini"}`)}},
			family: "chatgpt",
		},
		{
			name:   "gemini model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"gemini-1.5-pro"}`)}},
			family: "gemini",
		},
		{
			name:   "claude model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"claude-3-5-sonnet-20241022"}`)}},
			family: "claude",
		},
		{
			name:   "grok model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"grok-2"}`)}},
			family: "grok",
		},
		{
			name:   "llama model",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"llama-3.1-70b-versatile"}`)}},
			family: "llama",
		},
		{
			name:   "case insensitive",
			events: []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"Gemini-Pro"}`)}},
			family: "gemini",
		},
		{
			name:   "no request",
			events: []evt{{models.EventPrompt, 0, models.PromptData{Prompt: "p"}}},
			family: "chatgpt",
		},
		{
			name:     "unknown model",
			events:   []evt{{models.EventRequest, 0, json.RawMessage(`{"model":"mistral-large"}`)}},
			family:   "chatgpt",
			fallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := reg.Resolve(newBuffer(t, tt.events...))
			assert.Equal(t, tt.family, d.Processor.Name())
			assert.Equal(t, tt.fallback, d.Fallback)
		})
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	deps := testDeps()
	reg := NewRegistry(NewChatGPT(deps), NewLlama(deps), NewGrok(deps))
	reg.Register(NewGemini(deps))

	// "llama" is registered before "grok", so a model naming both goes to llama
	d := reg.Resolve(newBuffer(t, evt{models.EventRequest, 0, json.RawMessage(`{"model":"grok-llama-mix"}`)}))
	assert.Equal(t, "llama", d.Processor.Name())
	assert.Len(t, reg.Processors(), 3)
}

func TestChatGPT_RoundTrip(t *testing.T) {
	p := NewChatGPT(testDeps())
	buf := newBuffer(t,
		evt{models.EventPrompt, 0, models.PromptData{Prompt: "hello", Trigger: "cli"}},
		evt{models.EventRequest, 250 * time.Millisecond, json.RawMessage(chatGPTRequest)},
		evt{models.EventResponse, 1250 * time.Millisecond, json.RawMessage(chatGPTResponse)},
	)

	req, err := p.ProcessRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", *req.Prompt)
	assert.Equal(t, "You are terse.", *req.SystemPrompt)
	assert.Equal(t, "gpt-4o-mini", *req.Model)
	assert.Equal(t, 0.2, *req.Temperature)
	assert.Equal(t, 0.9, *req.TopP)
	assert.Nil(t, req.TopK)
	assert.Equal(t, 256, *req.MaxTokens)
	assert.Equal(t, len("You are terse."), *req.TokenCount)
	assert.JSONEq(t, `[{"type":"function","function":{"name":"ls"}}]`, string(req.Tools))
	assert.Nil(t, req.OutputMode)
	assert.Nil(t, req.ErrorReason)

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi there", *resp.Text)
	assert.Equal(t, 200, *resp.Status)
	assert.Equal(t, "stop", *resp.FinishReason)
	assert.Equal(t, 150, *resp.TokenCount)
	assert.Equal(t, base.Add(time.Second), *resp.StartTime)
	assert.Equal(t, base.Add(3*time.Second), *resp.EndTime)
	assert.Nil(t, resp.ToolUse)

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 150, *meta.TotalTokenCount)
	assert.Equal(t, 100, *meta.InputTokens)
	assert.Equal(t, 50, *meta.OutputTokens)
	assert.Equal(t, 20.0, *meta.InputTokenCost10k)
	assert.Equal(t, 40.0, *meta.OutputTokenCost10k)
	assert.InDelta(t, 100*0.002+50*0.004, *meta.RequestCost, 1e-9)
	assert.Equal(t, int64(250), meta.LatencyPromptRequest)
	assert.Equal(t, int64(1000), meta.LatencyRequestResponse)
	assert.Equal(t, int64(0), meta.LatencyFunctionCalls)
	assert.Equal(t, "cli", *meta.TriggerSource)
	assert.Equal(t, "user-1", *meta.UserID)
	assert.Equal(t, "linux/amd64", meta.OperatingSystem)
	assert.Equal(t, "chatgpt", meta.ModelFamily)
	assert.Equal(t, 7, *meta.EstimatedPromptTokens)

	errInfo, err := p.ProcessError(buf)
	require.NoError(t, err)
	assert.Nil(t, errInfo)
}

func TestChatGPT_OutputModes(t *testing.T) {
	p := NewChatGPT(testDeps())

	tests := []struct {
		name string
		req  string
		want *string
	}{
		{"explicit", `{"model":"gpt-4o","outputMode":"schema","stream":true}`, strPtr("schema")},
		{"stream", `{"model":"gpt-4o","stream":true}`, strPtr("stream")},
		{"json schema", `{"model":"gpt-4o","response_format":{"type":"json_schema"}}`, strPtr("schema")},
		{"json object is not schema", `{"model":"gpt-4o","response_format":{"type":"json_object"}}`, nil},
		{"none", `{"model":"gpt-4o"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := p.ProcessRequest(newBuffer(t, evt{models.EventRequest, 0, json.RawMessage(tt.req)}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.OutputMode)
		})
	}
}

func TestChatGPT_LegacyFieldsAndToolCalls(t *testing.T) {
	p := NewChatGPT(testDeps())
	buf := newBuffer(t,
		evt{models.EventRequest, 0, json.RawMessage(`{
			"model": "gpt-4",
			"systemPrompt": "sys",
			"max_completion_tokens": 64,
			"functions": [{"name": "get_weather"}]
		}`)},
		evt{models.EventResponse, 0, json.RawMessage(`{
			"choices": [{
				"message": {"content": null, "function_call": {"name": "get_weather", "arguments": "{}"}},
				"finish_reason": "function_call"
			}]
		}`)},
	)

	req, err := p.ProcessRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, "sys", *req.SystemPrompt)
	assert.Equal(t, 64, *req.MaxTokens)
	assert.JSONEq(t, `[{"name":"get_weather"}]`, string(req.Tools))

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Nil(t, resp.Text)
	assert.Nil(t, resp.TokenCount)
	assert.JSONEq(t, `[{"name":"get_weather","arguments":"{}"}]`, string(resp.ToolUse))
}

func TestChatGPT_StreamedResponse(t *testing.T) {
	p := NewChatGPT(testDeps())
	buf := newBuffer(t,
		evt{models.EventRequest, 0, json.RawMessage(`{"model":"gpt-4o-mini","stream":true}`)},
		evt{models.EventResponse, 0, json.RawMessage(`{"choices":[{"delta":{"content":"chunked"},"finish_reason":"stop"}]}`)},
	)

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, "chunked", *resp.Text)
	assert.Equal(t, 0, *resp.TokenCount)

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.Nil(t, meta.TotalTokenCount)
	assert.NotNil(t, meta.InputTokenCost10k)
	assert.Nil(t, meta.RequestCost)
}

func TestGemini_RoundTrip(t *testing.T) {
	p := NewGemini(testDeps())
	buf := newBuffer(t,
		evt{models.EventPrompt, 0, models.PromptData{Prompt: "weather?"}},
		evt{models.EventRequest, 10 * time.Millisecond, json.RawMessage(`{
			"model": "gemini-1.5-pro",
			"systemInstruction": {"parts": [{"text": "Be "}, {"text": "brief"}]},
			"generationConfig": {"temperature": 0.5, "topP": 0.8, "topK": 40, "maxOutputTokens": 512, "responseMimeType": "application/json"},
			"tools": [{"functionDeclarations": [{"name": "get_weather"}]}]
		}`)},
		evt{models.EventResponse, 40 * time.Millisecond, json.RawMessage(`{
			"candidates": [{
				"content": {"parts": [{"text": "Sunny"}, {"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 1000, "candidatesTokenCount": 500, "totalTokenCount": 1500}
		}`)},
	)

	req, err := p.ProcessRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, "Be brief", *req.SystemPrompt)
	assert.Equal(t, 0.5, *req.Temperature)
	assert.Equal(t, 0.8, *req.TopP)
	assert.Equal(t, 40, *req.TopK)
	assert.Equal(t, 512, *req.MaxTokens)
	assert.Equal(t, "schema", *req.OutputMode)
	assert.JSONEq(t, `[{"name":"get_weather"}]`, string(req.Tools))

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, "Sunny", *resp.Text)
	assert.Equal(t, "STOP", *resp.FinishReason)
	assert.Equal(t, 1500, *resp.TokenCount)
	assert.JSONEq(t, `[{"name":"get_weather","args":{"city":"Paris"}}]`, string(resp.ToolUse))

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.InDelta(t, 1000*0.001+500*0.002, *meta.RequestCost, 1e-9)
	assert.Equal(t, int64(30), meta.LatencyRequestResponse)
	assert.Nil(t, meta.TriggerSource)
}

func TestClaude_RoundTrip(t *testing.T) {
	p := NewClaude(testDeps())
	buf := newBuffer(t,
		evt{models.EventRequest, 0, json.RawMessage(`{
			"model": "claude-3-opus",
			"system": [{"type": "text", "text": "Be exact."}],
			"max_tokens": 1024,
			"top_k": 5,
			"stream": true,
			"tools": [{"name": "calc"}]
		}`)},
		evt{models.EventResponse, 0, json.RawMessage(`{
			"content": [
				{"type": "text", "text": "Let me compute."},
				{"type": "tool_use", "id": "tu_1", "name": "calc", "input": {"x": 1}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 20}
		}`)},
	)

	req, err := p.ProcessRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, "Be exact.", *req.SystemPrompt)
	assert.Equal(t, 1024, *req.MaxTokens)
	assert.Equal(t, 5, *req.TopK)
	assert.Equal(t, "stream", *req.OutputMode)

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, "Let me compute.", *resp.Text)
	assert.Equal(t, "tool_use", *resp.FinishReason)
	assert.Equal(t, 30, *resp.TokenCount)
	assert.JSONEq(t, `[{"type":"tool_use","id":"tu_1","name":"calc","input":{"x":1}}]`, string(resp.ToolUse))

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 30, *meta.TotalTokenCount)
	assert.InDelta(t, 10*0.01+20*0.03, *meta.RequestCost, 1e-9)
}

func TestFunctionCallResults(t *testing.T) {
	p := NewLlama(testDeps())
	buf := newBuffer(t,
		evt{models.EventResponse, 0, json.RawMessage(`{"choices":[]}`)},
		evt{models.EventFunctionCallResult, 500 * time.Millisecond, json.RawMessage(`{
			"name": "ls", "arguments": {"path": "/"}, "result": ["a", "b"],
			"start_time": "2024-06-01T12:00:00.100Z", "end_time": "2024-06-01T12:00:00.400Z"
		}`)},
		evt{models.EventFunctionCallResult, 900 * time.Millisecond, json.RawMessage(`{"name": "rm", "args": "x", "exitCode": 1}`)},
	)

	results, err := p.ProcessFunctionCallResults(buf)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "ls", *results[0].Name)
	assert.JSONEq(t, `{"path":"/"}`, string(results[0].Args))
	assert.JSONEq(t, `["a","b"]`, string(results[0].Result))
	assert.Equal(t, 0, *results[0].ExitCode)
	assert.Equal(t, base.Add(100*time.Millisecond), *results[0].StartTime)

	assert.Equal(t, `"x"`, string(results[1].Args))
	assert.Equal(t, 1, *results[1].ExitCode)
	assert.Nil(t, results[1].Result)

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	// Latency uses the first FUNCTION_CALL_RESULT
	assert.Equal(t, int64(500), meta.LatencyFunctionCalls)
}

func TestPromptWithoutRequest(t *testing.T) {
	p := NewChatGPT(testDeps())
	buf := newBuffer(t, evt{models.EventPrompt, 0, models.PromptData{Prompt: "only a prompt"}})

	req, err := p.ProcessRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, "only a prompt", *req.Prompt)
	assert.Nil(t, req.Model)
	assert.Nil(t, req.TokenCount)

	resp, err := p.ProcessResponse(buf)
	require.NoError(t, err)
	assert.Nil(t, resp.Status)
	assert.Nil(t, resp.Text)

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.Nil(t, meta.RequestCost)
	assert.Nil(t, meta.InputTokenCost10k)
	assert.Zero(t, meta.LatencyPromptRequest)
	assert.Zero(t, meta.LatencyRequestResponse)

	results, err := p.ProcessFunctionCallResults(buf)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestUnknownModelCost(t *testing.T) {
	p := NewChatGPT(testDeps())
	buf := newBuffer(t,
		evt{models.EventRequest, 0, json.RawMessage(`{"model":"gpt-5-preview"}`)},
		evt{models.EventResponse, 0, json.RawMessage(`{"usage":{"prompt_tokens":1,"completion_tokens":1}}`)},
	)

	meta, err := p.ProcessMeta(context.Background(), buf)
	require.NoError(t, err)
	assert.Nil(t, meta.InputTokenCost10k)
	assert.Nil(t, meta.OutputTokenCost10k)
	assert.Nil(t, meta.RequestCost)
	assert.Equal(t, 2, *meta.TotalTokenCount)
}

func TestProcessError(t *testing.T) {
	p := NewChatGPT(testDeps())

	tests := []struct {
		name string
		data any
		want *models.ErrorInfo
	}{
		{
			name: "structured",
			data: models.ErrorData{Message: "rate limited", Type: "RateLimitError", Stack: "at call()"},
			want: &models.ErrorInfo{Message: "rate limited", Type: "RateLimitError", Stack: "at call()"},
		},
		{
			name: "plain string",
			data: "boom",
			want: &models.ErrorInfo{Message: "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.ProcessError(newBuffer(t, evt{models.EventError, 0, tt.data}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestMalformedEvents(t *testing.T) {
	p := NewGemini(testDeps())
	buf := newBuffer(t,
		evt{models.EventRequest, 0, json.RawMessage(`{"model":"gemini-pro","generationConfig":{"topK":"many"}}`)},
		evt{models.EventResponse, 0, json.RawMessage(`{"candidates":"nope"}`)},
		evt{models.EventFunctionCallResult, 0, json.RawMessage(`{"exitCode":"bad"}`)},
	)

	_, err := p.ProcessRequest(buf)
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = p.ProcessResponse(buf)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = p.ProcessFunctionCallResults(buf)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = p.ProcessMeta(context.Background(), buf)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestProcessCustom(t *testing.T) {
	buf := newBuffer(t,
		evt{models.EventCustom, 0, models.CustomData{Key: "feature", Data: json.RawMessage(`"search"`)}},
		evt{models.EventCustom, 0, models.CustomData{Key: "attempt", Data: json.RawMessage(`1`)}},
		evt{models.EventCustom, 0, models.CustomData{Key: "attempt", Data: json.RawMessage(`2`)}},
		evt{models.EventCustom, 0, models.CustomData{Key: "empty"}},
	)

	custom, err := ProcessCustom(buf)
	require.NoError(t, err)
	assert.Equal(t, `"search"`, string(custom["feature"]))
	assert.Equal(t, `2`, string(custom["attempt"]))
	assert.Equal(t, `null`, string(custom["empty"]))

	none, err := ProcessCustom(newBuffer(t))
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ProcessCustom(newBuffer(t, evt{models.EventCustom, 0, models.CustomData{}}))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func strPtr(s string) *string {
	return &s
}
