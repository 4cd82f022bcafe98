// Package tokens estimates prompt token counts with tiktoken encodings.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens in text for a model. ok is false when the
// model has no known encoding.
type Estimator interface {
	Estimate(model, text string) (count int, ok bool)
}

// Counter caches tiktoken encoders per encoding name.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
}

func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// Estimate returns the token count of text under the model's encoding.
func (c *Counter) Estimate(model, text string) (int, bool) {
	enc := c.encoder(EncodingForModel(model))
	if enc == nil {
		return 0, false
	}
	return len(enc.Encode(text, nil, nil)), true
}

func (c *Counter) encoder(encoding string) *tiktoken.Tiktoken {
	if encoding == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[encoding]; ok {
		return enc
	}
	// Encodings are fetched on first use; remember failures so an offline
	// host does not retry on every flush.
	if c.failed[encoding] {
		return nil
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		c.failed[encoding] = true
		return nil
	}

	c.encoders[encoding] = enc
	return enc
}

// EncodingForModel maps a model id to a tiktoken encoding name.
// Models of other vendors are approximated with cl100k_base.
func EncodingForModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	switch {
	case model == "":
		return ""
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt-4o"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
