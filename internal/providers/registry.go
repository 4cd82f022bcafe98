package providers

import (
	"encoding/json"
	"sync"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// Dispatch is the processor chosen for a buffer.
type Dispatch struct {
	Processor LogProcessor
	// Fallback is true when the request named a model no processor claimed
	Fallback bool
	// Model is the requested model id, if any
	Model string
}

// Registry resolves a buffer to the processor of its provider family.
// Processors are tried in registration order; the first match wins.
type Registry struct {
	mu         sync.RWMutex
	processors []LogProcessor
	fallback   LogProcessor
	logger     *utils.Logger
}

// NewRegistry creates a registry that uses fallback when nothing matches.
func NewRegistry(fallback LogProcessor, processors ...LogProcessor) *Registry {
	return &Registry{
		processors: processors,
		fallback:   fallback,
		logger:     utils.NewLogger("dispatch"),
	}
}

// DefaultRegistry registers chatgpt, gemini, claude, grok and llama, with
// chatgpt as the fallback.
func DefaultRegistry(deps Deps) *Registry {
	chatgpt := NewChatGPT(deps)
	return NewRegistry(chatgpt,
		chatgpt,
		NewGemini(deps),
		NewClaude(deps),
		NewGrok(deps),
		NewLlama(deps),
	)
}

// Register appends a processor; it is tried after the existing ones.
func (r *Registry) Register(p LogProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors = append(r.processors, p)
}

// Processors returns the registered processors in dispatch order.
func (r *Registry) Processors() []LogProcessor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LogProcessor, len(r.processors))
	copy(out, r.processors)
	return out
}

// Resolve picks the processor for buf. A buffer without a REQUEST event
// goes to the fallback without being flagged.
func (r *Registry) Resolve(buf models.Buffer) Dispatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	request, ok := buf.First(models.EventRequest)
	if !ok {
		return Dispatch{Processor: r.fallback}
	}

	model := requestModel(request)
	for _, p := range r.processors {
		if p.CanHandleRequest(request) {
			return Dispatch{Processor: p, Model: model}
		}
	}

	metrics.UnknownFamilyTotal.Inc()
	r.logger.Warn("No processor for model, using default", "model", model, "default", r.fallback.Name())
	return Dispatch{Processor: r.fallback, Fallback: true, Model: model}
}

func requestModel(e models.Event) string {
	var head struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(e.Data, &head)
	return head.Model
}
