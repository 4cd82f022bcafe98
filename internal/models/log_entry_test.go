package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_flow/internal/utils"
)

func TestLogEntryJSONOmitsUnsetFields(t *testing.T) {
	entry := LogEntry{
		RequestID: "req-1",
		SessionID: "sess-1",
		Request:   Request{Prompt: utils.StringPtr("X")},
	}

	b, err := json.Marshal(entry)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, map[string]any{"prompt": "X"}, got["request"])
	assert.Equal(t, map[string]any{}, got["response"])
	assert.NotContains(t, got, "error")
	assert.NotContains(t, got, "functionCallResult")

	meta := got["meta"].(map[string]any)
	assert.Equal(t, float64(0), meta["latency_prompt_req"])
	assert.NotContains(t, meta, "requestCost")
}

func TestLogEntryDocumentNullsUnsetFields(t *testing.T) {
	ts := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
	entry := LogEntry{
		RequestID: "req-1",
		SessionID: "sess-1",
		Request: Request{
			Model: utils.StringPtr("gpt-4o"),
			Tools: json.RawMessage(`[{"name":"lookup"}]`),
		},
		Response: Response{StartTime: &ts},
		Custom:   map[string]json.RawMessage{"tag": json.RawMessage(`"blue"`)},
	}

	doc := entry.Document()
	require.NotNil(t, doc)

	req := doc["request"].(map[string]any)
	assert.Equal(t, "gpt-4o", req["model"])
	assert.Contains(t, req, "prompt")
	assert.Nil(t, req["prompt"])
	assert.Equal(t, []any{map[string]any{"name": "lookup"}}, req["tools"])

	resp := doc["response"].(map[string]any)
	assert.Equal(t, ts, resp["startTime"])
	assert.Nil(t, resp["text"])

	assert.Contains(t, doc, "error")
	assert.Nil(t, doc["error"])
	assert.Equal(t, map[string]any{"tag": "blue"}, doc["custom"])
}

func TestLogEntryRecordRoundTrip(t *testing.T) {
	entry := &LogEntry{
		RequestID: "req-9",
		SessionID: "sess-9",
		Request:   Request{Model: utils.StringPtr("gemini-1.5-pro"), MaxTokens: utils.IntPtr(64)},
		Meta: Meta{
			ModelFamily:     "gemini",
			TotalTokenCount: utils.IntPtr(30),
			RequestCost:     utils.FloatPtr(0.25),
		},
		Error: &ErrorInfo{Message: "boom"},
	}

	rec, err := NewLogEntryRecord(entry, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "req-9", rec.RequestID)
	assert.Equal(t, "gemini", rec.ModelFamily)
	assert.True(t, rec.HasError)
	require.NotNil(t, rec.Model)
	assert.Equal(t, "gemini-1.5-pro", *rec.Model)

	got, err := rec.Entry()
	require.NoError(t, err)
	assert.Equal(t, entry.Request, got.Request)
	assert.Equal(t, entry.Error, got.Error)
	assert.Equal(t, *entry.Meta.RequestCost, *got.Meta.RequestCost)
}

func TestModelCostRates(t *testing.T) {
	tests := []struct {
		name    string
		cost    ModelCost
		wantIn  float64
		wantOut float64
	}{
		{name: "default per 10k", cost: ModelCost{InputCost10k: 20, OutputCost10k: 40}, wantIn: 0.002, wantOut: 0.004},
		{name: "per 1k", cost: ModelCost{InputCost10k: 2, OutputCost10k: 4, Unit: PricingUnit1KTokens}, wantIn: 0.002, wantOut: 0.004},
		{name: "per token", cost: ModelCost{InputCost10k: 0.002, OutputCost10k: 0.004, Unit: PricingUnitToken}, wantIn: 0.002, wantOut: 0.004},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantIn, tt.cost.InputRate(), 1e-12)
			assert.InDelta(t, tt.wantOut, tt.cost.OutputRate(), 1e-12)
		})
	}

	assert.True(t, ModelCost{Model: "GPT-4o"}.Matches(" gpt-4o "))
	assert.False(t, ModelCost{Model: "gpt-4o"}.Matches("gpt-4o-mini"))
}
