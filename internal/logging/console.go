package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// Console prints each entry as indented JSON.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	logger *utils.Logger
}

// NewConsole writes to w, or to stdout when w is nil.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{out: w, logger: utils.NewLogger("console-transport")}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, entry *models.LogEntry) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err == nil {
		c.mu.Lock()
		_, err = c.out.Write(append(data, '\n'))
		c.mu.Unlock()
	}
	report(c.logger, c.Name(), entry, err)
}
