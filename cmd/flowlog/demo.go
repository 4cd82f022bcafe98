package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"llm_flow/internal/app"
	"llm_flow/internal/models"
)

type demoScript struct {
	request  map[string]any
	response map[string]any
}

var demoScripts = map[string]demoScript{
	"chatgpt": {
		request: map[string]any{
			"model": "gpt-4o-mini",
			"messages": []any{
				map[string]any{"role": "system", "content": "Answer in one word."},
				map[string]any{"role": "user", "content": "What is the capital of France?"},
			},
			"temperature": 0.2,
			"max_tokens":  32,
		},
		response: map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "Paris"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 24, "completion_tokens": 1, "total_tokens": 25},
		},
	},
	"gemini": {
		request: map[string]any{
			"model":             "gemini-1.5-pro",
			"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "Answer in one word."}}},
			"generationConfig":  map[string]any{"temperature": 0.2, "maxOutputTokens": 32},
		},
		response: map[string]any{
			"candidates": []any{map[string]any{
				"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": "Paris"}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 24, "candidatesTokenCount": 1, "totalTokenCount": 25},
		},
	},
	"claude": {
		request: map[string]any{
			"model":       "claude-3-5-sonnet",
			"system":      "Answer in one word.",
			"max_tokens":  32,
			"temperature": 0.2,
		},
		response: map[string]any{
			"content":     []any{map[string]any{"type": "text", "text": "Paris"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 24, "output_tokens": 1},
		},
	},
}

func newDemoCmd() *cobra.Command {
	var (
		provider     string
		functionCall bool
		fail         bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run one scripted LLM call through the tracker and the configured transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, ok := demoScripts[provider]
			if !ok {
				return fmt.Errorf("unknown provider %q (chatgpt, gemini, claude)", provider)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			tk := a.NewTracker()
			tk.LogPrompt("What is the capital of France?", "cli")
			if err := tk.LogRequest(script.request); err != nil {
				return err
			}
			time.Sleep(50 * time.Millisecond)

			if fail {
				tk.LogError(errors.New("upstream returned 503"))
			} else if err := tk.LogResponse(script.response); err != nil {
				return err
			}

			if functionCall {
				started := time.Now().UTC()
				if err := tk.LogFunctionCallResult(map[string]any{
					"name":       "lookup_capital",
					"args":       map[string]any{"country": "France"},
					"result":     "Paris",
					"exitCode":   0,
					"start_time": started,
					"end_time":   started.Add(5 * time.Millisecond),
				}); err != nil {
					return err
				}
			}
			if err := tk.Log("demo", map[string]any{"provider": provider}); err != nil {
				return err
			}

			entry, err := tk.Flush(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summarize(entry))
			return nil
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "chatgpt", "provider payloads to replay (chatgpt, gemini, claude)")
	cmd.Flags().BoolVar(&functionCall, "function-call", false, "log a function call result after the response")
	cmd.Flags().BoolVar(&fail, "fail", false, "log an error instead of a response")
	return cmd
}

func summarize(entry *models.LogEntry) string {
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("requestId:", entry.RequestID)
	table.AddRow("sessionId:", entry.SessionID)
	table.AddRow("family:", entry.Meta.ModelFamily)
	table.AddRow("model:", deref(entry.Request.Model))
	table.AddRow("response:", deref(entry.Response.Text))
	if entry.Meta.TotalTokenCount != nil {
		table.AddRow("tokens:", *entry.Meta.TotalTokenCount)
	}
	if entry.Meta.RequestCost != nil {
		table.AddRow("cost:", fmt.Sprintf("$%.6f", *entry.Meta.RequestCost))
	}
	table.AddRow("latency prompt->req:", fmt.Sprintf("%dms", entry.Meta.LatencyPromptRequest))
	table.AddRow("latency req->res:", fmt.Sprintf("%dms", entry.Meta.LatencyRequestResponse))
	if entry.Error != nil {
		table.AddRow("error:", entry.Error.Message)
	}
	return table.String()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
