package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// dayFile names the per-day file for t in dir, e.g. dir/2024-06-01.jsonl.
func dayFile(dir string, t time.Time, ext string) string {
	return filepath.Join(dir, t.UTC().Format("2006-01-02")+ext)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// JSONLFile appends one JSON line per entry to a file per UTC day.
type JSONLFile struct {
	dir    string
	now    func() time.Time
	mu     sync.Mutex
	logger *utils.Logger
}

func NewJSONLFile(dir string) *JSONLFile {
	return &JSONLFile{dir: dir, now: time.Now, logger: utils.NewLogger("jsonl-transport")}
}

func (f *JSONLFile) Name() string { return "jsonl" }

func (f *JSONLFile) Send(ctx context.Context, entry *models.LogEntry) {
	report(f.logger, f.Name(), entry, f.write(entry))
}

func (f *JSONLFile) write(entry *models.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ensureDir(f.dir); err != nil {
		return err
	}

	file, err := os.OpenFile(dayFile(f.dir, f.now(), ".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Path returns the file an entry sent now would be written to.
func (f *JSONLFile) Path() string {
	return dayFile(f.dir, f.now(), ".jsonl")
}

// JSONArrayFile keeps a per-day file holding one indented JSON array,
// rewritten on every entry.
type JSONArrayFile struct {
	dir    string
	now    func() time.Time
	mu     sync.Mutex
	logger *utils.Logger
}

func NewJSONArrayFile(dir string) *JSONArrayFile {
	return &JSONArrayFile{dir: dir, now: time.Now, logger: utils.NewLogger("json-transport")}
}

func (f *JSONArrayFile) Name() string { return "json" }

func (f *JSONArrayFile) Send(ctx context.Context, entry *models.LogEntry) {
	report(f.logger, f.Name(), entry, f.write(entry))
}

func (f *JSONArrayFile) write(entry *models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ensureDir(f.dir); err != nil {
		return err
	}
	path := dayFile(f.dir, f.now(), ".json")

	entries := []json.RawMessage{}
	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case len(existing) > 0:
		if err := json.Unmarshal(existing, &entries); err != nil {
			return fmt.Errorf("corrupt log file %s: %w", path, err)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	entries = append(entries, data)

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file and rename so readers never see a partial array.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
