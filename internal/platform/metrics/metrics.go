// Package metrics exposes Prometheus instrumentation for the pipeline.
// Collectors are registered on the default registry; Serve optionally
// starts a promhttp listener when METRICS_ADDR is set
package metrics

import (
	"net/http"
	"time"

	"repolens/internal/platform/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchOutcomes counts durable fetch outcomes by bucket (ok, tooSmall, 404_N, 451, 0, skip)
	FetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repolens",
		Subsystem: "fetch",
		Name:      "outcomes_total",
		Help:      "Durable fetch outcomes by status bucket.",
	}, []string{"bucket"})

	// ProxyPoolSize reports the number of loaded proxies
	ProxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "repolens",
		Subsystem: "proxy",
		Name:      "pool_size",
		Help:      "Number of proxies in the rotation pool.",
	})

	// ItemsEmbedded counts items whose vectors were upserted
	ItemsEmbedded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repolens",
		Subsystem: "embed",
		Name:      "items_total",
		Help:      "Items embedded and upserted into the vector store.",
	})

	// Tokens counts prompt tokens billed by the embedding provider
	Tokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repolens",
		Subsystem: "embed",
		Name:      "tokens_total",
		Help:      "Prompt tokens consumed by embedding requests.",
	})

	// CostUSD accumulates the estimated provider spend
	CostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repolens",
		Subsystem: "embed",
		Name:      "cost_usd_total",
		Help:      "Estimated embedding spend in USD.",
	})

	// BatchesInFlight tracks submitted-but-unresolved async batches
	BatchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "repolens",
		Subsystem: "batch",
		Name:      "in_flight",
		Help:      "Async embedding batches submitted and not yet resolved.",
	})
)

// Serve starts a promhttp listener on addr; no-op when addr is empty.
// Errors are logged, never fatal: metrics are best-effort
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Named("metrics").Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
}
