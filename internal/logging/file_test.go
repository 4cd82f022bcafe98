package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 23, 30, 0, 0, time.FixedZone("CET", 3600))
}

func TestJSONLFile_AppendsPerDay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	f := NewJSONLFile(dir)
	f.now = fixedNow

	f.Send(context.Background(), sampleEntry("req-1"))
	f.Send(context.Background(), sampleEntry("req-2"))

	path := filepath.Join(dir, "2024-06-01.jsonl")
	assert.Equal(t, path, f.Path())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "req-1", first["requestId"])
}

func TestJSONArrayFile_RewritesArray(t *testing.T) {
	dir := t.TempDir()
	f := NewJSONArrayFile(dir)
	f.now = fixedNow

	f.Send(context.Background(), sampleEntry("req-1"))
	f.Send(context.Background(), sampleEntry("req-2"))

	content, err := os.ReadFile(filepath.Join(dir, "2024-06-01.json"))
	require.NoError(t, err)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(content, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "req-2", entries[1]["requestId"])
	assert.Contains(t, string(content), "\n  {")
}

func TestJSONArrayFile_CorruptFileIsNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-06-01.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	f := NewJSONArrayFile(dir)
	f.now = fixedNow
	f.Send(context.Background(), sampleEntry("req-1"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(content))
}

func TestConsole_WritesIndentedJSON(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Send(context.Background(), sampleEntry("req-1"))

	assert.Contains(t, buf.String(), `"requestId": "req-1"`)
	assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
}
