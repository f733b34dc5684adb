package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
)

func testConfig(endpoint string) config.AnthropicConfig {
	return config.AnthropicConfig{
		Endpoint:  endpoint,
		Model:     "claude-test",
		APIKey:    "sk-test",
		CacheTTL:  "5m",
		MaxTokens: 1000,
	}
}

func okResponse(text string) string {
	return `{
		"content": [{"type": "text", "text": ` + mustJSON(text) + `}],
		"usage": {
			"input_tokens": 120,
			"output_tokens": 40,
			"cache_creation_input_tokens": 100,
			"cache_read_input_tokens": 20
		}
	}`
}

func mustJSON(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

func TestInvokeSendsCachedStableBlock(t *testing.T) {
	var captured struct {
		headers http.Header
		body    map[string]any
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &captured.body))
		w.Write([]byte(okResponse(`[{"product_id":"p-0"}]`)))
	}))
	defer server.Close()

	client := NewAnthropicClient(testConfig(server.URL), nil)

	text, usage, err := client.Invoke(context.Background(), "STABLE INSTRUCTIONS", "PRODUCTS")
	require.NoError(t, err)
	assert.Equal(t, `[{"product_id":"p-0"}]`, text)
	assert.Equal(t, domain.ModelUsage{
		InputTokens:         120,
		OutputTokens:        40,
		CacheCreationTokens: 100,
		CacheReadTokens:     20,
	}, usage)

	assert.Equal(t, "sk-test", captured.headers.Get("x-api-key"))
	assert.Equal(t, apiVersion, captured.headers.Get("anthropic-version"))
	assert.Equal(t, cachingBeta, captured.headers.Get("anthropic-beta"))

	messages := captured.body["messages"].([]any)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)

	stable := content[0].(map[string]any)
	assert.Equal(t, "STABLE INSTRUCTIONS", stable["text"])
	cache := stable["cache_control"].(map[string]any)
	assert.Equal(t, "ephemeral", cache["type"])
	_, hasTTL := cache["ttl"]
	assert.False(t, hasTTL, "default TTL needs no explicit ttl field")

	variable := content[1].(map[string]any)
	assert.Equal(t, "PRODUCTS", variable["text"])
	_, cached := variable["cache_control"]
	assert.False(t, cached, "only the stable block is cache-marked")
}

func TestInvokeExtendedTTLAddsBetaAndTTL(t *testing.T) {
	var headers http.Header
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(okResponse("[]")))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.CacheTTL = "1h"
	client := NewAnthropicClient(cfg, nil)

	_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
	require.NoError(t, err)

	assert.Equal(t, cachingBeta+","+extendedTTLBeta, headers.Get("anthropic-beta"))

	content := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	cache := content[0].(map[string]any)["cache_control"].(map[string]any)
	assert.Equal(t, "1h", cache["ttl"])
}

func TestInvokeCachingDisabled(t *testing.T) {
	var headers http.Header
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(okResponse("[]")))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	off := false
	cfg.EnableCaching = &off
	client := NewAnthropicClient(cfg, nil)

	_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
	require.NoError(t, err)

	assert.Empty(t, headers.Get("anthropic-beta"))
	content := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	_, cached := content[0].(map[string]any)["cache_control"]
	assert.False(t, cached)
}

func TestInvokeMapsRetryableStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"too many requests", http.StatusTooManyRequests, domain.ErrRateLimited},
		{"overloaded", 529, domain.ErrRateLimited},
		{"request timeout", http.StatusRequestTimeout, domain.ErrTimeout},
		{"gateway timeout", http.StatusGatewayTimeout, domain.ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			client := NewAnthropicClient(testConfig(server.URL), nil)
			_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestInvokeNonRetryableStatusKeepsBodySnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(testConfig(server.URL), nil)
	_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
	require.Error(t, err)
	assert.False(t, domain.Retryable(err))
	assert.Contains(t, err.Error(), "invalid model")
}

func TestInvokeEmptyContentIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"content": [], "usage": {}}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(testConfig(server.URL), nil)
	_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestInvokeMisconfiguredClient(t *testing.T) {
	cfg := testConfig("http://localhost:0")
	cfg.APIKey = ""
	client := NewAnthropicClient(cfg, nil)

	_, _, err := client.Invoke(context.Background(), "STABLE", "VARIABLE")
	assert.Error(t, err)
}
