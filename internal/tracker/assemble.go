package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"llm_flow/internal/models"
	"llm_flow/internal/providers"
)

// projections holds the results of running every projection on one buffer.
type projections struct {
	request  models.Request
	response models.Response
	results  []models.FunctionCallResult
	meta     models.Meta
	errInfo  *models.ErrorInfo
	custom   map[string]json.RawMessage
}

// assemble runs the projections of the dispatched processor concurrently
// over the frozen buffer and builds the entry. The first failing
// projection, in a fixed order, is reported.
func assemble(ctx context.Context, d providers.Dispatch, buf models.Buffer) (*models.LogEntry, error) {
	p := d.Processor
	var (
		out  projections
		errs [6]error
		wg   sync.WaitGroup
	)

	run := func(i int, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn()
		}()
	}

	run(0, func() (err error) { out.request, err = p.ProcessRequest(buf); return })
	run(1, func() (err error) { out.response, err = p.ProcessResponse(buf); return })
	run(2, func() (err error) { out.results, err = p.ProcessFunctionCallResults(buf); return })
	run(3, func() (err error) { out.meta, err = p.ProcessMeta(ctx, buf); return })
	run(4, func() (err error) { out.errInfo, err = p.ProcessError(buf); return })
	run(5, func() (err error) { out.custom, err = providers.ProcessCustom(buf); return })
	wg.Wait()

	names := [6]string{"request", "response", "function call result", "meta", "error", "custom"}
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%s processor: %s projection: %w", p.Name(), names[i], err)
		}
	}

	out.meta.FamilyFallback = d.Fallback
	entry := &models.LogEntry{
		Request:             out.request,
		Response:            out.response,
		FunctionCallResults: out.results,
		Custom:              out.custom,
		Meta:                out.meta,
		Error:               out.errInfo,
	}
	if len(out.results) > 0 {
		first := out.results[0]
		entry.FunctionCallResult = &first
	}
	return entry, nil
}
