package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// LogEntry is the canonical, provider-agnostic record of one request/response cycle.
// Pointer fields are nil when the event that would populate them was never logged.
type LogEntry struct {
	RequestID           string                     `json:"requestId"`
	SessionID           string                     `json:"sessionId"`
	Request             Request                    `json:"request"`
	Response            Response                   `json:"response"`
	FunctionCallResult  *FunctionCallResult        `json:"functionCallResult,omitempty"`
	FunctionCallResults []FunctionCallResult       `json:"functionCallResults,omitempty"`
	Custom              map[string]json.RawMessage `json:"custom,omitempty"`
	Meta                Meta                       `json:"meta"`
	Error               *ErrorInfo                 `json:"error,omitempty"`
}

type Request struct {
	Prompt       *string         `json:"prompt,omitempty"`
	SystemPrompt *string         `json:"systemPrompt,omitempty"`
	Model        *string         `json:"model,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	TopP         *float64        `json:"topP,omitempty"`
	TopK         *int            `json:"topK,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
	MaxTokens    *int            `json:"maxTokens,omitempty"`
	TokenCount   *int            `json:"tokenCount,omitempty"`
	OutputMode   *string         `json:"outputMode,omitempty"`
	ErrorReason  *string         `json:"errorReason,omitempty"`
}

type Response struct {
	Text         *string         `json:"text,omitempty"`
	Status       *int            `json:"status,omitempty"`
	FinishReason *string         `json:"finishReason,omitempty"`
	TokenCount   *int            `json:"tokenCount,omitempty"`
	StartTime    *time.Time      `json:"startTime,omitempty"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	ToolUse      json.RawMessage `json:"toolUse,omitempty"`
	ErrorReason  *string         `json:"errorReason,omitempty"`
}

type FunctionCallResult struct {
	Name      *string         `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	StartTime *time.Time      `json:"startTime,omitempty"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
}

// Meta carries usage, cost, latency and ambient environment facts.
// Latencies are always present and are 0 when an endpoint event is missing.
type Meta struct {
	TotalTokenCount       *int     `json:"totalTokenCount,omitempty"`
	InputTokens           *int     `json:"inputTokens,omitempty"`
	OutputTokens          *int     `json:"outputTokens,omitempty"`
	InputTokenCost10k     *float64 `json:"inputTokenCost10k,omitempty"`
	OutputTokenCost10k    *float64 `json:"outputTokenCost10k,omitempty"`
	RequestCost           *float64 `json:"requestCost,omitempty"`
	EstimatedPromptTokens *int     `json:"estimatedPromptTokens,omitempty"`

	TriggerSource   *string `json:"triggerSource,omitempty"`
	UserID          *string `json:"userId,omitempty"`
	Locale          string  `json:"locale,omitempty"`
	UserTimeZone    string  `json:"userTimeZone,omitempty"`
	OperatingSystem string  `json:"operatingSystem,omitempty"`
	Shell           string  `json:"shell,omitempty"`
	MachineID       string  `json:"machineId,omitempty"`
	Env             string  `json:"env,omitempty"`

	ModelFamily    string `json:"modelFamily,omitempty"`
	FamilyFallback bool   `json:"familyFallback,omitempty"`

	LatencyPromptRequest   int64 `json:"latency_prompt_req"`
	LatencyRequestResponse int64 `json:"latency_req_res"`
	LatencyFunctionCalls   int64 `json:"latency_function_calls"`
}

// ErrorInfo is the normalized error reported for a request.
type ErrorInfo struct {
	Message string `json:"error_message"`
	Type    string `json:"error_type,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Document converts the entry into a nested map keyed by JSON field names.
// Unset optional fields become explicit nil values, which document stores
// persist as null.
func (e *LogEntry) Document() map[string]any {
	doc, _ := documentValue(reflect.ValueOf(*e)).(map[string]any)
	return doc
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

func documentValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return documentValue(v.Elem())
	}

	if v.Type() == rawMessageType {
		raw := v.Bytes()
		if len(raw) == 0 {
			return nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return string(raw)
		}
		return out
	}
	if ts, ok := v.Interface().(time.Time); ok {
		return ts
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		doc := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := jsonFieldName(f)
			if name == "-" {
				continue
			}
			doc[name] = documentValue(v.Field(i))
		}
		return doc
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = documentValue(v.Index(i))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = documentValue(iter.Value())
		}
		return out
	default:
		return v.Interface()
	}
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}
