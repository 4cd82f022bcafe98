package metrics

import (
	"context"
	"time"

	"llm_flow/internal/models"
)

// Latencies are the three stage intervals of a request, in milliseconds.
type Latencies struct {
	PromptToRequest        int64
	RequestToResponse      int64
	ResponseToFunctionCall int64
}

// Latency computes the stage intervals from the first event of each type.
// An interval is 0 when either endpoint is missing.
func Latency(buf models.Buffer) Latencies {
	prompt := buf.Timestamp(models.EventPrompt)
	request := buf.Timestamp(models.EventRequest)
	response := buf.Timestamp(models.EventResponse)
	result := buf.Timestamp(models.EventFunctionCallResult)

	return Latencies{
		PromptToRequest:        Between(prompt, request),
		RequestToResponse:      Between(request, response),
		ResponseToFunctionCall: Between(response, result),
	}
}

// Between returns to-from in whole milliseconds, clamped at 0.
func Between(from, to *time.Time) int64 {
	if from == nil || to == nil {
		return 0
	}
	d := to.Sub(*from).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// RequestCost prices a request from token counts and per-token rates.
func RequestCost(inputTokens, outputTokens int, inputRate, outputRate float64) float64 {
	return float64(inputTokens)*inputRate + float64(outputTokens)*outputRate
}

// CostLookup resolves the cost table row for a model id.
type CostLookup interface {
	LookupCost(ctx context.Context, modelID string) (models.ModelCost, bool)
}

// Cost is the priced usage of one request. All fields are nil when the
// model is unknown to the cost table.
type Cost struct {
	InputCost10k  *float64
	OutputCost10k *float64
	RequestCost   *float64
}

// Calculator prices requests against a cost table.
type Calculator struct {
	costs CostLookup
}

func NewCalculator(costs CostLookup) *Calculator {
	return &Calculator{costs: costs}
}

// Cost prices the usage reported for model. RequestCost stays nil when the
// response carried no usage at all; a single missing side counts as 0 tokens.
func (c *Calculator) Cost(ctx context.Context, model *string, inputTokens, outputTokens *int) Cost {
	if c == nil || c.costs == nil || model == nil || *model == "" {
		return Cost{}
	}
	row, ok := c.costs.LookupCost(ctx, *model)
	if !ok {
		return Cost{}
	}

	in, out := row.InputCost10k, row.OutputCost10k
	cost := Cost{InputCost10k: &in, OutputCost10k: &out}
	if inputTokens == nil && outputTokens == nil {
		return cost
	}

	total := RequestCost(intValue(inputTokens), intValue(outputTokens), row.InputRate(), row.OutputRate())
	cost.RequestCost = &total
	return cost
}

func intValue(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
