package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProductsStandardized prometheus.Counter
	ProductsFailed       prometheus.Counter
	ProductsReleased     prometheus.Counter
	ProductsReclaimed    prometheus.Counter
	ClaimsLost           prometheus.Counter
	ModelCalls           prometheus.Counter
	ModelRetries         prometheus.Counter
	CacheReadTokens      prometheus.Counter
	CacheCreationTokens  prometheus.Counter
	BatchSize            prometheus.Gauge
}

// New registers all pipeline collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ProductsStandardized: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_products_standardized_total",
			Help: "Products committed as standardized.",
		}),
		ProductsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_products_failed_total",
			Help: "Products committed as failed.",
		}),
		ProductsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_products_released_total",
			Help: "Products returned to pending after a retryable failure.",
		}),
		ProductsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_products_reclaimed_total",
			Help: "Stuck processing products reset to pending.",
		}),
		ClaimsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_claims_lost_total",
			Help: "Claim attempts lost to another worker.",
		}),
		ModelCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_model_calls_total",
			Help: "External model invocations.",
		}),
		ModelRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_model_retries_total",
			Help: "Model invocation retries after rate-limit or timeout.",
		}),
		CacheReadTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_cache_read_tokens_total",
			Help: "Prompt tokens served from the model's cache.",
		}),
		CacheCreationTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "standardizer_cache_creation_tokens_total",
			Help: "Prompt tokens written into the model's cache.",
		}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "standardizer_last_batch_size",
			Help: "Size of the most recently claimed batch.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
