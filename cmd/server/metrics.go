package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/linnemanlabs/sift/internal/embedcache"
	"github.com/linnemanlabs/sift/internal/llm/resilient"
	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/queue"
)

// infraMetrics covers the plumbing around the pipeline: provider retries and
// breakers, the embedding cache, queue deliveries and database queries.
type infraMetrics struct {
	llmRetries      *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	cacheLookups    *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
}

func newInfraMetrics(reg prometheus.Registerer) *infraMetrics {
	m := &infraMetrics{
		llmRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_llm_retries_total",
			Help: "Provider calls retried after a transient failure.",
		}, []string{"name"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sift_llm_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_queue_deliveries_total",
			Help: "Queue deliveries handled, by outcome.",
		}, []string{"outcome"}),
		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "stage", "outcome"}),
	}
	reg.MustRegister(m.llmRetries, m.breakerState, m.cacheLookups, m.deliveries, m.dbQueryDuration)
	return m
}

func (m *infraMetrics) resilientHooks() resilient.Hooks {
	return resilient.Hooks{
		OnRetry: func(name string, _ error, _ time.Duration) {
			m.llmRetries.WithLabelValues(name).Inc()
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			m.breakerState.WithLabelValues(name).Set(float64(to))
		},
	}
}

func (m *infraMetrics) cacheHooks() embedcache.Hooks {
	return embedcache.Hooks{
		OnLookup: func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			m.cacheLookups.WithLabelValues(result).Inc()
		},
	}
}

func (m *infraMetrics) queueHooks() queue.Hooks {
	return queue.Hooks{
		OnDelivery: func(outcome string) {
			m.deliveries.WithLabelValues(outcome).Inc()
		},
	}
}

func (m *infraMetrics) queryObserver() postgres.QueryObserver {
	return postgres.QueryObserverFunc(func(_ context.Context, method, route, stage, outcome string, dur time.Duration) {
		m.dbQueryDuration.WithLabelValues(method, route, stage, outcome).Observe(dur.Seconds())
	})
}
