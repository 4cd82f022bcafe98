package providers

import (
	"encoding/json"
	"strings"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// openAIDialect decodes the OpenAI chat completions shape, which Grok and
// the hosted Llama APIs also speak.
type openAIDialect struct {
	name  string
	match func(model string) bool
}

// NewChatGPT handles gpt-* and o-series models.
func NewChatGPT(deps Deps) LogProcessor {
	return newProcessor(openAIDialect{name: "chatgpt", match: isOpenAIModel}, deps)
}

// NewGrok handles xAI grok-* models.
func NewGrok(deps Deps) LogProcessor {
	return newProcessor(openAIDialect{name: "grok", match: func(m string) bool { return containsAny(m, "grok") }}, deps)
}

// NewLlama handles Llama models served through OpenAI-compatible APIs.
func NewLlama(deps Deps) LogProcessor {
	return newProcessor(openAIDialect{name: "llama", match: func(m string) bool { return containsAny(m, "llama") }}, deps)
}

func isOpenAIModel(model string) bool {
	model = strings.ToLower(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	if strings.Contains(model, "gpt") {
		return true
	}
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (d openAIDialect) family() string {
	return d.name
}

func (d openAIDialect) matches(model string) bool {
	return d.match(model)
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAIRequest struct {
	Model               string          `json:"model"`
	SystemPrompt        *string         `json:"systemPrompt"`
	Messages            []openAIMessage `json:"messages"`
	Temperature         *float64        `json:"temperature"`
	TopP                *float64        `json:"top_p"`
	TopK                *int            `json:"top_k"`
	MaxTokens           *int            `json:"max_tokens"`
	MaxCompletionTokens *int            `json:"max_completion_tokens"`
	Functions           json.RawMessage `json:"functions"`
	Tools               json.RawMessage `json:"tools"`
	Stream              bool            `json:"stream"`
	OutputMode          *string         `json:"outputMode"`
	ResponseFormat      *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func (d openAIDialect) parseRequest(data json.RawMessage) (models.Request, error) {
	var r openAIRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Request{}, err
	}

	systemPrompt := r.SystemPrompt
	if systemPrompt == nil {
		for _, m := range r.Messages {
			if m.Role != "system" && m.Role != "developer" {
				continue
			}
			text, err := textContent(m.Content)
			if err != nil {
				return models.Request{}, err
			}
			systemPrompt = text
			break
		}
	}

	maxTokens := r.MaxTokens
	if maxTokens == nil {
		maxTokens = r.MaxCompletionTokens
	}

	tools := nonNull(r.Functions)
	if tools == nil {
		tools = nonNull(r.Tools)
	}

	schema := r.ResponseFormat != nil && r.ResponseFormat.Type == "json_schema"

	return models.Request{
		SystemPrompt: systemPrompt,
		Model:        utils.NonEmptyStringPtr(r.Model),
		Temperature:  r.Temperature,
		TopP:         r.TopP,
		TopK:         r.TopK,
		Tools:        tools,
		MaxTokens:    maxTokens,
		OutputMode:   outputMode(r.OutputMode, r.Stream, schema),
	}, nil
}

// openAIUsage accepts both the chat completions and the responses API names.
type openAIUsage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	InputTokens      *int `json:"input_tokens"`
	OutputTokens     *int `json:"output_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

func (u *openAIUsage) normalize() usage {
	if u == nil {
		return usage{}
	}
	out := usage{input: u.PromptTokens, output: u.CompletionTokens, total: u.TotalTokens}
	if out.input == nil {
		out.input = u.InputTokens
	}
	if out.output == nil {
		out.output = u.OutputTokens
	}
	return out
}

type openAIResponse struct {
	Choices []struct {
		Message *struct {
			Content      json.RawMessage `json:"content"`
			ToolCalls    json.RawMessage `json:"tool_calls"`
			FunctionCall json.RawMessage `json:"function_call"`
		} `json:"message"`
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (d openAIDialect) parseResponse(data json.RawMessage) (parsedResponse, error) {
	var r openAIResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return parsedResponse{}, err
	}

	out := parsedResponse{usage: r.Usage.normalize()}
	out.tokenCount = out.usage.total

	if len(r.Choices) == 0 {
		return out, nil
	}
	choice := r.Choices[0]
	out.finishReason = choice.FinishReason

	switch {
	case choice.Message != nil:
		text, err := textContent(choice.Message.Content)
		if err != nil {
			return parsedResponse{}, err
		}
		out.text = text
		out.toolUse = nonEmptyArray(choice.Message.ToolCalls)
		if out.toolUse == nil {
			if fc := nonNull(choice.Message.FunctionCall); fc != nil {
				out.toolUse = json.RawMessage("[" + string(fc) + "]")
			}
		}
	case choice.Delta != nil:
		out.text = choice.Delta.Content
		// Streamed aggregates carry no usage block.
		if out.tokenCount == nil {
			out.tokenCount = utils.IntPtr(0)
		}
	}

	return out, nil
}
