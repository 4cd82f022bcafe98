package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"llm_flow/internal/utils"
)

const (
	OutputModeStream = "stream"
	OutputModeSchema = "schema"
)

// timing carries the caller-measured call window found on RESPONSE and
// FUNCTION_CALL_RESULT payloads.
type timing struct {
	StartTime flexTime `json:"start_time"`
	EndTime   flexTime `json:"end_time"`
}

// flexTime accepts an RFC 3339 string or Unix milliseconds.
type flexTime struct {
	t     time.Time
	valid bool
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		f.t, f.valid = t.UTC(), true
		return nil
	}

	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	f.t, f.valid = time.UnixMilli(int64(ms)).UTC(), true
	return nil
}

func (f flexTime) ptr() *time.Time {
	if !f.valid {
		return nil
	}
	t := f.t
	return &t
}

// textContent flattens a message content value: a plain string, or an
// array of {type:"text", text} parts.
func textContent(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, err
	}
	var sb strings.Builder
	found := false
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			sb.WriteString(part.Text)
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return utils.StringPtr(sb.String()), nil
}

// outputMode picks the declared output mode: an explicit value, then
// streaming, then a structured-output schema.
func outputMode(explicit *string, stream, schema bool) *string {
	switch {
	case explicit != nil && *explicit != "":
		return explicit
	case stream:
		return utils.StringPtr(OutputModeStream)
	case schema:
		return utils.StringPtr(OutputModeSchema)
	default:
		return nil
	}
}

// nonNull drops empty and JSON null values.
func nonNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}

// nonEmptyArray drops empty, null and [] values.
func nonEmptyArray(raw json.RawMessage) json.RawMessage {
	raw = nonNull(raw)
	if raw == nil {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil && len(items) == 0 {
		return nil
	}
	return raw
}

func containsAny(model string, needles ...string) bool {
	model = strings.ToLower(model)
	for _, n := range needles {
		if strings.Contains(model, n) {
			return true
		}
	}
	return false
}
