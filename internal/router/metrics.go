package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_router_dispatches_total",
		Help: "Dispatch outcomes by result.",
	}, []string{"result"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_router_cache_hits_total",
		Help: "Requests served from the response cache.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_router_cache_misses_total",
		Help: "Requests that went to a provider.",
	})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_router_provider_errors_total",
		Help: "Failed provider attempts by provider.",
	}, []string{"provider"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_router_dispatch_duration_seconds",
		Help:    "End to end dispatch latency by provider.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider"})
)
