package providers

import (
	"encoding/json"
	"strings"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// geminiDialect decodes the Gemini generateContent shape (AI Studio and Vertex AI).
type geminiDialect struct{}

// NewGemini handles gemini-* models.
func NewGemini(deps Deps) LogProcessor {
	return newProcessor(geminiDialect{}, deps)
}

func (geminiDialect) family() string {
	return "gemini"
}

func (geminiDialect) matches(model string) bool {
	return containsAny(model, "gemini")
}

type geminiRequest struct {
	Model             string          `json:"model"`
	SystemPrompt      *string         `json:"systemPrompt"`
	SystemInstruction json.RawMessage `json:"systemInstruction"`
	GenerationConfig  *struct {
		Temperature      *float64        `json:"temperature"`
		TopP             *float64        `json:"topP"`
		TopK             *int            `json:"topK"`
		MaxOutputTokens  *int            `json:"maxOutputTokens"`
		ResponseSchema   json.RawMessage `json:"responseSchema"`
		ResponseMimeType string          `json:"responseMimeType"`
	} `json:"generationConfig"`
	Tools      json.RawMessage `json:"tools"`
	Stream     bool            `json:"stream"`
	OutputMode *string         `json:"outputMode"`
}

func (geminiDialect) parseRequest(data json.RawMessage) (models.Request, error) {
	var r geminiRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Request{}, err
	}

	req := models.Request{
		Model: utils.NonEmptyStringPtr(r.Model),
		Tools: geminiTools(r.Tools),
	}

	req.SystemPrompt = r.SystemPrompt
	if req.SystemPrompt == nil {
		text, err := geminiInstruction(r.SystemInstruction)
		if err != nil {
			return models.Request{}, err
		}
		req.SystemPrompt = text
	}

	schema := false
	if cfg := r.GenerationConfig; cfg != nil {
		req.Temperature = cfg.Temperature
		req.TopP = cfg.TopP
		req.TopK = cfg.TopK
		req.MaxTokens = cfg.MaxOutputTokens
		schema = nonNull(cfg.ResponseSchema) != nil || strings.EqualFold(cfg.ResponseMimeType, "application/json")
	}
	req.OutputMode = outputMode(r.OutputMode, r.Stream, schema)

	return req, nil
}

// geminiTools unwraps tools[0].functionDeclarations when present.
func geminiTools(raw json.RawMessage) json.RawMessage {
	raw = nonNull(raw)
	if raw == nil {
		return nil
	}
	var tools []struct {
		FunctionDeclarations json.RawMessage `json:"functionDeclarations"`
	}
	if err := json.Unmarshal(raw, &tools); err == nil && len(tools) > 0 {
		if decl := nonNull(tools[0].FunctionDeclarations); decl != nil {
			return decl
		}
	}
	return raw
}

// geminiInstruction reads a system instruction given as a string or as
// Content{parts:[{text}]}.
func geminiInstruction(raw json.RawMessage) (*string, error) {
	raw = nonNull(raw)
	if raw == nil {
		return nil, nil
	}
	if raw[0] == '"' {
		return textContent(raw)
	}
	var content geminiContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	text, _ := content.split()
	return text, nil
}

type geminiContent struct {
	Parts []struct {
		Text         *string         `json:"text"`
		FunctionCall json.RawMessage `json:"functionCall"`
	} `json:"parts"`
}

// split returns the concatenated text parts and the function calls.
func (c geminiContent) split() (*string, json.RawMessage) {
	var sb strings.Builder
	hasText := false
	var calls []json.RawMessage
	for _, part := range c.Parts {
		if part.Text != nil {
			sb.WriteString(*part.Text)
			hasText = true
		}
		if fc := nonNull(part.FunctionCall); fc != nil {
			calls = append(calls, fc)
		}
	}

	var text *string
	if hasText {
		text = utils.StringPtr(sb.String())
	}
	var toolUse json.RawMessage
	if len(calls) > 0 {
		toolUse, _ = json.Marshal(calls)
	}
	return text, toolUse
}

type geminiResponse struct {
	Text       *string `json:"text"`
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason *string       `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
		TotalTokenCount      *int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (geminiDialect) parseResponse(data json.RawMessage) (parsedResponse, error) {
	var r geminiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return parsedResponse{}, err
	}

	var out parsedResponse
	if u := r.UsageMetadata; u != nil {
		out.usage = usage{input: u.PromptTokenCount, output: u.CandidatesTokenCount, total: u.TotalTokenCount}
		out.tokenCount = u.TotalTokenCount
	}

	if len(r.Candidates) > 0 {
		out.finishReason = r.Candidates[0].FinishReason
		out.text, out.toolUse = r.Candidates[0].Content.split()
	}
	if out.text == nil {
		out.text = r.Text
	}

	return out, nil
}
