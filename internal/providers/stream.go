package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamEvent represents a single event in a streaming response
type StreamEvent struct {
	Data  []byte
	Error error
	Done  bool
}

// StreamReader reads server-sent events from a chat completions stream
type StreamReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewStreamReader creates a new stream reader
func NewStreamReader(r io.ReadCloser) *StreamReader {
	return &StreamReader{
		scanner: bufio.NewScanner(r),
		closer:  r,
	}
}

// Read reads the next data event from the stream
func (s *StreamReader) Read() (*StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Skip blank lines and non-data fields
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		data := bytes.TrimPrefix(line, []byte("data: "))

		// Check for [DONE] marker
		if bytes.Equal(data, []byte("[DONE]")) {
			return &StreamEvent{Done: true}, io.EOF
		}

		return &StreamEvent{Data: append([]byte(nil), data...)}, nil
	}

	if err := s.scanner.Err(); err != nil {
		return &StreamEvent{Error: err}, err
	}
	return &StreamEvent{Done: true}, io.EOF
}

// Close closes the stream
func (s *StreamReader) Close() error {
	return s.closer.Close()
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

// AggregateChatStream folds an OpenAI-style chunk stream into one response
// payload suitable for a RESPONSE event. The stream is closed on return.
func AggregateChatStream(r io.ReadCloser) (json.RawMessage, error) {
	reader := NewStreamReader(r)
	defer reader.Close()

	var (
		text         strings.Builder
		finishReason *string
		model        string
		usage        *openAIUsage
	)

	for {
		event, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}

		var chunk streamChunk
		if err := json.Unmarshal(event.Data, &chunk); err != nil {
			return nil, fmt.Errorf("%w: stream chunk: %v", ErrMalformedEvent, err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != nil {
				text.WriteString(*choice.Delta.Content)
			}
			if choice.FinishReason != nil {
				finishReason = choice.FinishReason
			}
		}
	}

	content := text.String()
	aggregated := map[string]any{
		"object": "chat.completion.chunk",
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"content": content},
			"finish_reason": finishReason,
		}},
	}
	if model != "" {
		aggregated["model"] = model
	}
	if usage != nil {
		aggregated["usage"] = usage
	}
	return json.Marshal(aggregated)
}
