// Package metrics exposes Prometheus collectors for the batch assembly
// pipeline: forward-pass composition, pool occupancy, and rejected batches.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	ForwardPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_passes_total",
		Help: "Total forward passes assembled, by forward mode",
	}, []string{"mode"})

	ForwardTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_tokens_total",
		Help: "Total new tokens contributed to forward passes, by forward mode",
	}, []string{"mode"})

	BatchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_batch_size",
		Help:    "Distribution of requests per forward pass",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	BatchTokensHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_batch_tokens",
		Help:    "Distribution of new tokens per forward pass",
		Buckets: []float64{1, 8, 32, 128, 512, 2048, 8192, 32768},
	})

	AssemblyDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "forward_assembly_duration_seconds",
		Help: "Time spent assembling forward batch metadata",
	})

	BatchesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_batches_rejected_total",
		Help: "Batches rejected during assembly, by mode and reason",
	}, []string{"mode", "reason"})

	KVPoolCapacitySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_pool_capacity_slots",
		Help: "Total KV cache slots in the token pool",
	})

	KVPoolUsedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_pool_used_slots",
		Help: "KV cache slots currently allocated",
	})

	KVPoolAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_pool_alloc_failures_total",
		Help: "Failed KV slot allocations (pool exhausted)",
	})

	ReqPoolCapacitySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "req_pool_capacity_slots",
		Help: "Total request slots in the request-tracking pool",
	})

	ReqPoolUsedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "req_pool_used_slots",
		Help: "Request slots currently allocated",
	})

	PrefixCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefix_cache_hits_total",
		Help: "Prefix block hash lookups that matched a cached block",
	})

	PrefixCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefix_cache_misses_total",
		Help: "Prefix block hash lookups that missed",
	})
)

// RecordForwardBatch records one assembled forward pass.
func RecordForwardBatch(mode string, batchSize, numTokens int, duration time.Duration) {
	ForwardPassesTotal.WithLabelValues(mode).Inc()
	ForwardTokensTotal.WithLabelValues(mode).Add(float64(numTokens))
	BatchSizeHistogram.Observe(float64(batchSize))
	BatchTokensHistogram.Observe(float64(numTokens))
	AssemblyDuration.Observe(duration.Seconds())
	totalTokens.Add(int64(numTokens))
}

// RecordBatchRejected records a descriptor that failed validation.
func RecordBatchRejected(mode, reason string) {
	BatchesRejected.WithLabelValues(mode, reason).Inc()
}

// RecordKVPoolStats updates KV token pool occupancy gauges.
func RecordKVPoolStats(capacity, used int) {
	KVPoolCapacitySlots.Set(float64(capacity))
	KVPoolUsedSlots.Set(float64(used))
}

// RecordReqPoolStats updates request pool occupancy gauges.
func RecordReqPoolStats(capacity, used int) {
	ReqPoolCapacitySlots.Set(float64(capacity))
	ReqPoolUsedSlots.Set(float64(used))
}

// RecordPrefixLookup records the outcome of one prefix block hash lookup.
func RecordPrefixLookup(hit bool) {
	if hit {
		PrefixCacheHits.Inc()
	} else {
		PrefixCacheMisses.Inc()
	}
}

// GetTotalTokens returns the running token count without scraping the
// registry.
func GetTotalTokens() int64 {
	return totalTokens.Load()
}
