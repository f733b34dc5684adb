package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/infrastructure/storage"
	"ProductStandardizer/internal/taxonomy"
)

const testTaxonomy = `{
  "groups": {
    "17.12": {
      "color": {"name": "Color", "variations": ["colour"], "values": ["White", "Grey"]},
      "weight": {"name": "Weight", "units": ["g", "kg"], "open_ended": true}
    },
    "25.11": {
      "material": {"name": "Material", "values": ["Steel", "Aluminium"]}
    }
  }
}`

func testIndex(t *testing.T) *taxonomy.Index {
	t.Helper()
	idx, err := taxonomy.Parse([]byte(testTaxonomy))
	require.NoError(t, err)
	return idx
}

// fakeModel scripts responses per invocation and records calls.
type fakeModel struct {
	mu        sync.Mutex
	calls     int
	errs      []error // consumed first, one per call
	responder func(stable, variable string) string
}

func (f *fakeModel) Invoke(_ context.Context, stable, variable string) (string, domain.ModelUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", domain.ModelUsage{}, err
		}
	}
	if f.responder == nil {
		return "[]", domain.ModelUsage{}, nil
	}
	return f.responder(stable, variable), domain.ModelUsage{CacheReadTokens: 100}, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// echoResponder standardizes every product in the variable payload to one
// valid Color attribute, echoing ids back in order.
func echoResponder(_, variable string) string {
	start := 0
	for ; start < len(variable) && variable[start] != '['; start++ {
	}
	var items []struct {
		ProductID  string             `json:"product_id"`
		Attributes []domain.Attribute `json:"attributes"`
	}
	if err := json.Unmarshal([]byte(variable[start:]), &items); err != nil {
		return "[]"
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		sourceName, sourceValue := "color", "white-ish"
		if len(item.Attributes) > 0 {
			sourceName, sourceValue = item.Attributes[0].Name, item.Attributes[0].Value
		}
		out = append(out, map[string]any{
			"product_id": item.ProductID,
			"standardized_attributes": []map[string]any{{
				"standard_name":  "Color",
				"standard_value": "White",
				"source_name":    sourceName,
				"source_value":   sourceValue,
				"confidence":     0.9,
			}},
		})
	}
	encoded, _ := json.Marshal(out)
	return string(encoded)
}

func newEngineForTest(t *testing.T, model *fakeModel, retries int) *Engine {
	t.Helper()
	engine := NewEngine(model, testIndex(t), retries, time.Millisecond, nil)
	engine.sleep = func(context.Context, time.Duration) error { return nil }
	return engine
}

// seedPending adds n pending products to the classified and source stores
// for one group, ids prefixed for readability.
func seedPending(classified *storage.MemoryClassified, source *storage.MemorySource, group, prefix string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		classified.Add(domain.ClassifiedProduct{
			ID:        id,
			SourceID:  "src-" + id,
			Title:     "product " + id,
			GroupCode: group,
		})
		if source != nil {
			source.Add(domain.SourceProduct{
				ID:    "src-" + id,
				Title: "product " + id,
				Attributes: []domain.Attribute{
					{Name: "цвет", Value: "белый"},
					{Name: "вес", Value: "500 г"},
				},
			})
		}
		ids = append(ids, id)
	}
	return ids
}
