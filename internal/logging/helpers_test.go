package logging

import (
	"llm_flow/internal/models"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func sampleEntry(requestID string) *models.LogEntry {
	cost := 0.0125
	return &models.LogEntry{
		RequestID: requestID,
		SessionID: "session-1",
		Request: models.Request{
			Prompt: strPtr("What is the capital of France?"),
			Model:  strPtr("gpt-4o"),
		},
		Response: models.Response{
			Text:   strPtr("Paris"),
			Status: intPtr(200),
		},
		Meta: models.Meta{
			TotalTokenCount: intPtr(42),
			RequestCost:     &cost,
			ModelFamily:     "chatgpt",
			Locale:          "en-US",
			Env:             "test",
		},
	}
}
