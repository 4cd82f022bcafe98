package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/sysinfo"
	"llm_flow/internal/tokens"
	"llm_flow/internal/utils"
)

// ErrMalformedEvent is returned when a present event payload cannot be
// decoded into the provider's shape.
var ErrMalformedEvent = errors.New("malformed event")

// LogProcessor projects a frozen event buffer into the canonical LogEntry
// parts for one provider family. Every method is a pure read of buf.
type LogProcessor interface {
	// Name returns the model family, e.g. "chatgpt"
	Name() string

	// CanHandleRequest reports whether the REQUEST event belongs to this family
	CanHandleRequest(request models.Event) bool

	ProcessRequest(buf models.Buffer) (models.Request, error)
	ProcessResponse(buf models.Buffer) (models.Response, error)
	ProcessFunctionCallResults(buf models.Buffer) ([]models.FunctionCallResult, error)
	ProcessMeta(ctx context.Context, buf models.Buffer) (models.Meta, error)
	ProcessError(buf models.Buffer) (*models.ErrorInfo, error)
}

// Deps are the collaborators shared by all processors.
type Deps struct {
	// Calculator prices usage; nil leaves cost fields unset
	Calculator *metrics.Calculator
	// System is attached to every Meta
	System sysinfo.Info
	// Tokens estimates prompt tokens; nil disables the estimate
	Tokens tokens.Estimator
	// UserID is reported as meta.userId when non-empty
	UserID string
}

// usage is the token accounting reported by a provider response.
type usage struct {
	input  *int
	output *int
	total  *int
}

// parsedResponse is the family-specific part of a RESPONSE projection.
type parsedResponse struct {
	text         *string
	finishReason *string
	tokenCount   *int
	toolUse      json.RawMessage
	usage        usage
}

// dialect decodes one provider family's wire shapes.
type dialect interface {
	family() string
	matches(model string) bool
	parseRequest(data json.RawMessage) (models.Request, error)
	parseResponse(data json.RawMessage) (parsedResponse, error)
}

// processor implements LogProcessor on top of a dialect.
type processor struct {
	dialect dialect
	deps    Deps
}

func newProcessor(d dialect, deps Deps) *processor {
	return &processor{dialect: d, deps: deps}
}

func (p *processor) Name() string {
	return p.dialect.family()
}

func (p *processor) CanHandleRequest(request models.Event) bool {
	if request.Type != models.EventRequest {
		return false
	}
	var head struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(request.Data, &head); err != nil {
		return false
	}
	return head.Model != "" && p.dialect.matches(head.Model)
}

func (p *processor) ProcessRequest(buf models.Buffer) (models.Request, error) {
	var req models.Request

	if e, ok := buf.First(models.EventRequest); ok && len(e.Data) > 0 {
		parsed, err := p.dialect.parseRequest(e.Data)
		if err != nil {
			return models.Request{}, malformed(e, err)
		}
		req = parsed
		if req.SystemPrompt != nil {
			req.TokenCount = utils.IntPtr(utf8.RuneCountInString(*req.SystemPrompt))
		}
	}

	prompt, err := promptData(buf)
	if err != nil {
		return models.Request{}, err
	}
	if prompt != nil {
		req.Prompt = utils.StringPtr(prompt.Prompt)
	}

	return req, nil
}

func (p *processor) ProcessResponse(buf models.Buffer) (models.Response, error) {
	e, ok := buf.First(models.EventResponse)
	if !ok {
		return models.Response{}, nil
	}

	resp := models.Response{Status: utils.IntPtr(200)}
	if len(e.Data) == 0 {
		return resp, nil
	}

	parsed, err := p.dialect.parseResponse(e.Data)
	if err != nil {
		return models.Response{}, malformed(e, err)
	}
	var t timing
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return models.Response{}, malformed(e, err)
	}

	resp.Text = parsed.text
	resp.FinishReason = parsed.finishReason
	resp.TokenCount = parsed.tokenCount
	resp.ToolUse = parsed.toolUse
	resp.StartTime = t.StartTime.ptr()
	resp.EndTime = t.EndTime.ptr()
	return resp, nil
}

func (p *processor) ProcessFunctionCallResults(buf models.Buffer) ([]models.FunctionCallResult, error) {
	return functionCallResults(buf)
}

func (p *processor) ProcessMeta(ctx context.Context, buf models.Buffer) (models.Meta, error) {
	meta := models.Meta{
		UserID:          utils.NonEmptyStringPtr(p.deps.UserID),
		Locale:          p.deps.System.Locale,
		UserTimeZone:    p.deps.System.TimeZone,
		OperatingSystem: p.deps.System.OperatingSystem,
		Shell:           p.deps.System.Shell,
		MachineID:       p.deps.System.MachineID,
		Env:             p.deps.System.Env,
		ModelFamily:     p.Name(),
	}

	latencies := metrics.Latency(buf)
	meta.LatencyPromptRequest = latencies.PromptToRequest
	meta.LatencyRequestResponse = latencies.RequestToResponse
	meta.LatencyFunctionCalls = latencies.ResponseToFunctionCall

	prompt, err := promptData(buf)
	if err != nil {
		return models.Meta{}, err
	}
	if prompt != nil {
		meta.TriggerSource = utils.NonEmptyStringPtr(prompt.Trigger)
	}

	var req models.Request
	if e, ok := buf.First(models.EventRequest); ok && len(e.Data) > 0 {
		if req, err = p.dialect.parseRequest(e.Data); err != nil {
			return models.Meta{}, malformed(e, err)
		}
	}

	var u usage
	if e, ok := buf.First(models.EventResponse); ok && len(e.Data) > 0 {
		parsed, err := p.dialect.parseResponse(e.Data)
		if err != nil {
			return models.Meta{}, malformed(e, err)
		}
		u = parsed.usage
	}

	meta.InputTokens = u.input
	meta.OutputTokens = u.output
	meta.TotalTokenCount = u.total
	if meta.TotalTokenCount == nil && u.input != nil && u.output != nil {
		meta.TotalTokenCount = utils.IntPtr(*u.input + *u.output)
	}

	cost := p.deps.Calculator.Cost(ctx, req.Model, u.input, u.output)
	meta.InputTokenCost10k = cost.InputCost10k
	meta.OutputTokenCost10k = cost.OutputCost10k
	meta.RequestCost = cost.RequestCost

	if p.deps.Tokens != nil && prompt != nil {
		text := prompt.Prompt
		if req.SystemPrompt != nil {
			text = *req.SystemPrompt + "\n" + text
		}
		if n, ok := p.deps.Tokens.Estimate(utils.StringPtrValue(req.Model), text); ok {
			meta.EstimatedPromptTokens = utils.IntPtr(n)
		}
	}

	return meta, nil
}

func (p *processor) ProcessError(buf models.Buffer) (*models.ErrorInfo, error) {
	return errorInfo(buf)
}

// ProcessCustom collects CUSTOM events by key. A later event overwrites an
// earlier one with the same key.
func ProcessCustom(buf models.Buffer) (map[string]json.RawMessage, error) {
	events := buf.All(models.EventCustom)
	if len(events) == 0 {
		return nil, nil
	}

	custom := make(map[string]json.RawMessage, len(events))
	for _, e := range events {
		var data models.CustomData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, malformed(e, err)
		}
		if data.Key == "" {
			return nil, malformed(e, fmt.Errorf("missing key"))
		}
		value := data.Data
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		custom[data.Key] = value
	}
	return custom, nil
}

func promptData(buf models.Buffer) (*models.PromptData, error) {
	e, ok := buf.First(models.EventPrompt)
	if !ok {
		return nil, nil
	}
	var data models.PromptData
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, malformed(e, err)
		}
	}
	return &data, nil
}

type functionCallData struct {
	Name      *string         `json:"name"`
	Args      json.RawMessage `json:"args"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
	ExitCode  *int            `json:"exitCode"`
	timing
}

func functionCallResults(buf models.Buffer) ([]models.FunctionCallResult, error) {
	events := buf.All(models.EventFunctionCallResult)
	if len(events) == 0 {
		return nil, nil
	}

	results := make([]models.FunctionCallResult, 0, len(events))
	for _, e := range events {
		var data functionCallData
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &data); err != nil {
				return nil, malformed(e, err)
			}
		}

		args := data.Args
		if len(args) == 0 {
			args = data.Arguments
		}
		exitCode := 0
		if data.ExitCode != nil {
			exitCode = *data.ExitCode
		}

		results = append(results, models.FunctionCallResult{
			Name:      data.Name,
			Args:      nonNull(args),
			Result:    nonNull(data.Result),
			ExitCode:  &exitCode,
			StartTime: data.StartTime.ptr(),
			EndTime:   data.EndTime.ptr(),
		})
	}
	return results, nil
}

func errorInfo(buf models.Buffer) (*models.ErrorInfo, error) {
	e, ok := buf.First(models.EventError)
	if !ok {
		return nil, nil
	}

	var data models.ErrorData
	var message string
	switch {
	case len(e.Data) == 0:
	case json.Unmarshal(e.Data, &message) == nil:
		data.Message = message
	default:
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, malformed(e, err)
		}
	}

	return &models.ErrorInfo{
		Message: data.Message,
		Type:    data.Type,
		Stack:   data.Stack,
	}, nil
}

func malformed(e models.Event, err error) error {
	return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, e.Type, err)
}
