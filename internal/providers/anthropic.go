package providers

import (
	"encoding/json"
	"strings"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// anthropicDialect decodes the Anthropic messages API shape.
type anthropicDialect struct{}

// NewClaude handles claude-* models.
func NewClaude(deps Deps) LogProcessor {
	return newProcessor(anthropicDialect{}, deps)
}

func (anthropicDialect) family() string {
	return "claude"
}

func (anthropicDialect) matches(model string) bool {
	return containsAny(model, "claude")
}

type anthropicRequest struct {
	Model        string          `json:"model"`
	System       json.RawMessage `json:"system"`
	SystemPrompt *string         `json:"systemPrompt"`
	MaxTokens    *int            `json:"max_tokens"`
	Temperature  *float64        `json:"temperature"`
	TopP         *float64        `json:"top_p"`
	TopK         *int            `json:"top_k"`
	Tools        json.RawMessage `json:"tools"`
	Stream       bool            `json:"stream"`
	OutputMode   *string         `json:"outputMode"`
}

func (anthropicDialect) parseRequest(data json.RawMessage) (models.Request, error) {
	var r anthropicRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Request{}, err
	}

	systemPrompt := r.SystemPrompt
	if systemPrompt == nil {
		text, err := textContent(r.System)
		if err != nil {
			return models.Request{}, err
		}
		systemPrompt = text
	}

	return models.Request{
		SystemPrompt: systemPrompt,
		Model:        utils.NonEmptyStringPtr(r.Model),
		Temperature:  r.Temperature,
		TopP:         r.TopP,
		TopK:         r.TopK,
		Tools:        nonNull(r.Tools),
		MaxTokens:    r.MaxTokens,
		OutputMode:   outputMode(r.OutputMode, r.Stream, false),
	}, nil
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []json.RawMessage `json:"content"`
	StopReason *string           `json:"stop_reason"`
	Usage      *struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicDialect) parseResponse(data json.RawMessage) (parsedResponse, error) {
	var r anthropicResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return parsedResponse{}, err
	}

	out := parsedResponse{finishReason: r.StopReason}

	var sb strings.Builder
	hasText := false
	var toolUses []json.RawMessage
	for _, raw := range r.Content {
		var block anthropicBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return parsedResponse{}, err
		}
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
			hasText = true
		case "tool_use":
			toolUses = append(toolUses, raw)
		}
	}
	if hasText {
		out.text = utils.StringPtr(sb.String())
	}
	if len(toolUses) > 0 {
		out.toolUse, _ = json.Marshal(toolUses)
	}

	if u := r.Usage; u != nil {
		out.usage = usage{input: u.InputTokens, output: u.OutputTokens}
		if u.InputTokens != nil && u.OutputTokens != nil {
			out.usage.total = utils.IntPtr(*u.InputTokens + *u.OutputTokens)
		}
		out.tokenCount = out.usage.total
	}

	return out, nil
}
