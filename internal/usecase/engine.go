package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
	"ProductStandardizer/internal/taxonomy"
)

// instructionTemplate is the fixed half of the stable payload. Together
// with the group's characteristic table it is byte-identical across calls
// for the same group, which is what makes the provider-side prompt cache
// effective.
const instructionTemplate = `TASK: Standardize free-text product attributes against the characteristic table below.

RULES:
1. Map each raw attribute to the closest characteristic by meaning, not just by exact name.
2. Use ONLY characteristics from the table; drop attributes that match none.
3. standard_name must exactly equal a characteristic name from the table.
4. standard_value must come from the characteristic's "values" list unless the characteristic is open_ended.
5. When the characteristic declares "units", normalize the unit and set the "unit" field; otherwise leave it empty.
6. Echo the raw attribute you mapped in source_name and source_value.
7. Reply with ONLY a JSON array, no surrounding prose.

OUTPUT FORMAT:
[
  {
    "product_id": "<id>",
    "standardized_attributes": [
      {
        "standard_name": "...",
        "standard_value": "...",
        "unit": "",
        "source_name": "...",
        "source_value": "...",
        "confidence": 0.0
      }
    ]
  }
]

CHARACTERISTIC TABLE FOR GROUP %s:
%s`

// Engine assembles the cacheable instruction payload per group plus the
// per-batch product payload, invokes the model, and validates the response
// against the taxonomy. One outcome per input, input order preserved.
type Engine struct {
	model      ports.ModelClient
	index      *taxonomy.Index
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	// sleep is swappable so backoff tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error

	// usageHook observes token accounting per successful invocation.
	usageHook func(domain.ModelUsage)

	// retryHook observes each backoff retry.
	retryHook func()

	mu          sync.Mutex
	stableCache map[string]string
}

// NewEngine constructs the standardization engine.
func NewEngine(model ports.ModelClient, index *taxonomy.Index, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		model:       model,
		index:       index,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepContext,
		stableCache: make(map[string]string),
	}
}

// SetUsageHook registers an observer for model token usage.
func (e *Engine) SetUsageHook(hook func(domain.ModelUsage)) {
	e.usageHook = hook
}

// SetRetryHook registers an observer for model call retries.
func (e *Engine) SetRetryHook(hook func()) {
	e.retryHook = hook
}

type batchItem struct {
	ProductID  string             `json:"product_id"`
	Title      string             `json:"title"`
	GroupCode  string             `json:"group_code"`
	Attributes []domain.Attribute `json:"attributes"`
}

type responseItem struct {
	ProductID  string                         `json:"product_id"`
	Attributes []domain.StandardizedAttribute `json:"standardized_attributes"`
}

// Process standardizes one single-group batch. A batch spanning more than
// one taxonomy group is rejected up front: the selector guarantees
// single-group batches by construction, but the engine does not trust its
// caller with the cache key.
func (e *Engine) Process(ctx context.Context, groupCode string, inputs []domain.ProductInput) ([]domain.Outcome, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	group := e.index.NormalizeGroup(groupCode)
	for _, input := range inputs {
		if e.index.NormalizeGroup(input.GroupCode) != group {
			return nil, fmt.Errorf("product %s group %q in batch for group %q: %w",
				input.ID, input.GroupCode, groupCode, domain.ErrMixedGroups)
		}
	}

	set, ok := e.index.Lookup(groupCode)
	if !ok {
		outcomes := make([]domain.Outcome, len(inputs))
		for i, input := range inputs {
			outcomes[i] = domain.Outcome{ID: input.ID, Err: domain.ErrNoTaxonomy}
		}
		return outcomes, nil
	}

	stable, err := e.stablePayload(set)
	if err != nil {
		return nil, err
	}
	variable, err := variablePayload(inputs)
	if err != nil {
		return nil, err
	}

	raw, err := e.invokeWithBackoff(ctx, stable, variable)
	if err != nil {
		// Whole-batch failure after the retry ceiling: every item carries
		// the same typed error so the committer can decide retry vs fail.
		outcomes := make([]domain.Outcome, len(inputs))
		for i, input := range inputs {
			outcomes[i] = domain.Outcome{ID: input.ID, Err: err}
		}
		return outcomes, nil
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		e.logger.Warn("model response unparseable", "group", group, "error", err)
		outcomes := make([]domain.Outcome, len(inputs))
		for i, input := range inputs {
			outcomes[i] = domain.Outcome{ID: input.ID, Err: domain.ErrMalformedResponse}
		}
		return outcomes, nil
	}

	outcomes := make([]domain.Outcome, len(inputs))
	for i, input := range inputs {
		outcomes[i] = validateItem(set, input, parsed[input.ID])
	}
	return outcomes, nil
}

// stablePayload builds (and memoizes) the cacheable instruction payload for
// one group. Identical bytes across calls within the cache TTL window.
func (e *Engine) stablePayload(set *taxonomy.CharacteristicSet) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.stableCache[set.GroupCode]; ok {
		return cached, nil
	}
	defs, err := set.DefinitionsJSON()
	if err != nil {
		return "", err
	}
	payload := fmt.Sprintf(instructionTemplate, set.GroupCode, defs)
	e.stableCache[set.GroupCode] = payload
	return payload, nil
}

func variablePayload(inputs []domain.ProductInput) (string, error) {
	items := make([]batchItem, 0, len(inputs))
	for _, input := range inputs {
		items = append(items, batchItem{
			ProductID:  input.ID,
			Title:      input.Title,
			GroupCode:  input.GroupCode,
			Attributes: input.Attributes,
		})
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal batch payload: %w", err)
	}
	return "PRODUCTS TO STANDARDIZE:\n" + string(encoded), nil
}

func (e *Engine) invokeWithBackoff(ctx context.Context, stable, variable string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.baseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(e.baseDelay)/2 + 1))
			e.logger.Info("retrying model call", "attempt", attempt, "delay", delay, "error", lastErr)
			if e.retryHook != nil {
				e.retryHook()
			}
			if err := e.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("backoff interrupted: %w", err)
			}
		}

		raw, usage, err := e.model.Invoke(ctx, stable, variable)
		if err == nil {
			if e.usageHook != nil {
				e.usageHook(usage)
			}
			return raw, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

// parseResponse extracts the JSON array from the model's text and indexes
// results by product id. The model sometimes wraps the array in prose, so
// parsing starts at the first bracket.
func parseResponse(raw string) (map[string][]domain.StandardizedAttribute, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var items []responseItem
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("decode response array: %w", err)
	}

	results := make(map[string][]domain.StandardizedAttribute, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		results[item.ProductID] = item.Attributes
	}
	return results, nil
}

// validateItem checks one product's returned attributes against the
// characteristic set. A missing or empty result is malformed; an attribute
// outside the taxonomy invalidates the item without touching its siblings.
func validateItem(set *taxonomy.CharacteristicSet, input domain.ProductInput, attrs []domain.StandardizedAttribute) domain.Outcome {
	if len(attrs) == 0 {
		return domain.Outcome{ID: input.ID, Err: domain.ErrMalformedResponse}
	}

	validated := make([]domain.StandardizedAttribute, 0, len(attrs))
	covered := make(map[string]bool, len(attrs))
	for _, attr := range attrs {
		char, ok := set.Match(attr.StandardName)
		if !ok {
			return domain.Outcome{
				ID:  input.ID,
				Err: fmt.Errorf("unknown characteristic %q: %w", attr.StandardName, domain.ErrSchemaInvalid),
			}
		}
		if !char.AcceptsValue(attr.StandardValue) {
			return domain.Outcome{
				ID:  input.ID,
				Err: fmt.Errorf("value %q not accepted for %q: %w", attr.StandardValue, char.Name, domain.ErrSchemaInvalid),
			}
		}
		if !char.AcceptsUnit(attr.Unit) {
			return domain.Outcome{
				ID:  input.ID,
				Err: fmt.Errorf("unit %q not accepted for %q: %w", attr.Unit, char.Name, domain.ErrSchemaInvalid),
			}
		}
		attr.StandardName = char.Name
		validated = append(validated, attr)
		covered[strings.ToLower(attr.SourceName)] = true
	}

	var unstandardized []domain.Attribute
	for _, attr := range input.Attributes {
		if !covered[strings.ToLower(attr.Name)] {
			unstandardized = append(unstandardized, attr)
		}
	}

	return domain.Outcome{ID: input.ID, Attributes: validated, Unstandardized: unstandardized}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
