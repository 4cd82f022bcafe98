package billing

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"llm_flow/internal/models"
)

//go:embed model_costs.json
var defaultCostTable []byte

// CostTable is an in-memory cost table keyed by lower-cased model id.
// It is safe for concurrent use and can be reloaded in place.
type CostTable struct {
	mu   sync.RWMutex
	rows map[string]models.ModelCost
}

// DefaultCostTable returns the table compiled into the binary.
func DefaultCostTable() *CostTable {
	table, err := ParseCostTable(defaultCostTable)
	if err != nil {
		panic(fmt.Sprintf("embedded cost table is invalid: %v", err))
	}
	return table
}

// LoadCostTable reads a JSON cost table from path. An empty path yields the default table.
func LoadCostTable(path string) (*CostTable, error) {
	if path == "" {
		return DefaultCostTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost table: %w", err)
	}
	return ParseCostTable(data)
}

// ParseCostTable decodes a JSON array of cost rows.
func ParseCostTable(data []byte) (*CostTable, error) {
	rows, err := parseRows(data)
	if err != nil {
		return nil, err
	}
	return &CostTable{rows: rows}, nil
}

func parseRows(data []byte) (map[string]models.ModelCost, error) {
	var list []models.ModelCost
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse cost table: %w", err)
	}

	rows := make(map[string]models.ModelCost, len(list))
	for i, row := range list {
		key := costKey(row.Model)
		if key == "" {
			return nil, fmt.Errorf("cost table row %d: model is required", i)
		}
		if row.InputCost10k < 0 || row.OutputCost10k < 0 {
			return nil, fmt.Errorf("cost table row %d (%s): negative cost", i, row.Model)
		}
		// First row wins, matching a top-down scan.
		if _, exists := rows[key]; !exists {
			rows[key] = row
		}
	}
	return rows, nil
}

// LookupCost implements metrics.CostLookup with a case-insensitive exact match.
func (t *CostTable) LookupCost(ctx context.Context, modelID string) (models.ModelCost, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[costKey(modelID)]
	return row, ok
}

// Models returns all rows sorted by model id.
func (t *CostTable) Models() []models.ModelCost {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.ModelCost, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Len returns the number of models in the table.
func (t *CostTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Reload replaces the table contents from path. On error the current rows are kept.
func (t *CostTable) Reload(path string) error {
	data := defaultCostTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read cost table: %w", err)
		}
		data = b
	}

	rows, err := parseRows(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.rows = rows
	t.mu.Unlock()
	return nil
}

func costKey(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
