package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TranslationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translategw_translations_total",
			Help: "Total number of translation requests processed",
		},
		[]string{"provider", "source_lang", "target_lang", "status"},
	)

	TranslationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "translategw_translation_duration_seconds",
			Help:    "Translation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	CharactersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translategw_characters_total",
			Help: "Total number of characters translated",
		},
		[]string{"provider", "target_lang"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translategw_cost_usd_total",
			Help: "Total translation cost in USD",
		},
		[]string{"provider"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "translategw_cache_hits_total",
			Help: "Total number of translation cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "translategw_cache_misses_total",
			Help: "Total number of translation cache misses",
		},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translategw_rate_limit_rejections_total",
			Help: "Total number of requests denied admission",
		},
		[]string{"provider"},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translategw_provider_healthy",
			Help: "Provider health (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)

	ProviderSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "translategw_provider_success_rate",
			Help: "Rolling provider success rate over the sample window",
		},
		[]string{"provider"},
	)

	ModelLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translategw_model_loads_total",
			Help: "Total number of local model load attempts",
		},
		[]string{"model", "status"},
	)

	PipelineCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "translategw_pipeline_cache_size",
			Help: "Number of loaded model pipelines currently cached",
		},
	)
)

// RecordTranslation updates the per-request counters in one place.
func RecordTranslation(provider, sourceLang, targetLang, status string, durationSeconds float64, chars int, costUSD float64) {
	TranslationsTotal.WithLabelValues(provider, sourceLang, targetLang, status).Inc()
	TranslationDuration.WithLabelValues(provider).Observe(durationSeconds)
	if status == "success" {
		CharactersTotal.WithLabelValues(provider, targetLang).Add(float64(chars))
		CostTotal.WithLabelValues(provider).Add(costUSD)
	}
}

// RecordHealth mirrors a provider's derived health into the gauges.
func RecordHealth(provider string, healthy bool, successRate float64) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
	ProviderSuccessRate.WithLabelValues(provider).Set(successRate)
}
