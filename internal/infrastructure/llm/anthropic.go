package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ProductStandardizer/internal/config"
	"ProductStandardizer/internal/domain"
	"ProductStandardizer/internal/ports"
)

const (
	apiVersion       = "2023-06-01"
	cachingBeta      = "prompt-caching-2024-07-31"
	extendedTTLBeta  = "extended-cache-ttl-2025-04-11"
	extendedCacheTTL = "1h"
)

// AnthropicClient implements ports.ModelClient against the Anthropic
// messages API. The stable payload is sent as a cache_control content
// block so repeated calls for the same group hit the prompt cache.
type AnthropicClient struct {
	endpoint      string
	model         string
	apiKey        string
	cacheTTL      string
	enableCaching bool
	maxTokens     int
	httpClient    *http.Client
	logger        *slog.Logger
}

var _ ports.ModelClient = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from configuration.
func NewAnthropicClient(cfg config.AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		endpoint:      cfg.Endpoint,
		model:         cfg.Model,
		apiKey:        cfg.APIKey,
		cacheTTL:      cfg.CacheTTL,
		enableCaching: cfg.CachingOn(),
		maxTokens:     cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
		logger: logger,
	}
}

type contentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Invoke sends the stable and variable payloads as one user message and
// returns the model's text response. Rate-limit and deadline failures map
// to the pipeline's retryable error kinds.
func (c *AnthropicClient) Invoke(ctx context.Context, stable, variable string) (string, domain.ModelUsage, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic client misconfigured")
	}

	stableBlock := contentBlock{Type: "text", Text: stable}
	if c.enableCaching {
		stableBlock.CacheControl = &cacheControl{Type: "ephemeral"}
		if c.cacheTTL == extendedCacheTTL {
			stableBlock.CacheControl.TTL = extendedCacheTTL
		}
	}

	body, err := json.Marshal(request{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: 0,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{stableBlock, {Type: "text", Text: variable}},
		}},
	})
	if err != nil {
		return "", domain.ModelUsage{}, fmt.Errorf("marshal anthropic payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", domain.ModelUsage{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	if c.enableCaching {
		beta := cachingBeta
		if c.cacheTTL == extendedCacheTTL {
			beta += "," + extendedTTLBeta
		}
		req.Header.Set("anthropic-beta", beta)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", domain.ModelUsage{}, fmt.Errorf("anthropic call: %w", domain.ErrTimeout)
		}
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529:
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic %s: %w", resp.Status, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic %s: %w", resp.Status, domain.ErrTimeout)
	case resp.StatusCode >= http.StatusBadRequest:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.ModelUsage{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", domain.ModelUsage{}, fmt.Errorf("anthropic response: %w", domain.ErrMalformedResponse)
	}

	usage := domain.ModelUsage{
		InputTokens:         parsed.Usage.InputTokens,
		OutputTokens:        parsed.Usage.OutputTokens,
		CacheCreationTokens: parsed.Usage.CacheCreationTokens,
		CacheReadTokens:     parsed.Usage.CacheReadTokens,
	}
	c.logger.Debug("anthropic call complete",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_creation_tokens", usage.CacheCreationTokens,
		"cache_read_tokens", usage.CacheReadTokens)

	return parsed.Content[0].Text, usage, nil
}
