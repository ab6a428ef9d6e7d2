// Atomic counters for scheduler activity, exposed as a prometheus.Collector
// so a host process can register it with its own registry. corebatch never
// stands up the /metrics HTTP endpoint itself — that stays the transport
// layer's job.
package core

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates scheduler-wide counters. All fields are accessed only
// through atomic ops; the zero value is ready to use.
type Metrics struct {
	completedRequests int64
	cancelledRequests int64
	preemptions       int64
	totalOutputTokens int64
	totalLatencyTicks int64
	ttftSum           int64
	tpotSum           int64
	kvBlocksInUse     int64
	peakKVBlocksUsed  int64
}

// NewMetrics returns a ready-to-use Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCompletion records one Request finishing successfully.
func (m *Metrics) RecordCompletion(latencyTicks, outputTokens int64) {
	atomic.AddInt64(&m.completedRequests, 1)
	atomic.AddInt64(&m.totalOutputTokens, outputTokens)
	atomic.AddInt64(&m.totalLatencyTicks, latencyTicks)
}

// RecordCancellation records one Request cancelled before completion.
func (m *Metrics) RecordCancellation() {
	atomic.AddInt64(&m.cancelledRequests, 1)
}

// RecordPreemption records one preemption of a running Request.
func (m *Metrics) RecordPreemption() {
	atomic.AddInt64(&m.preemptions, 1)
}

// RecordTTFT records one Sequence's time-to-first-token, in scheduler steps.
func (m *Metrics) RecordTTFT(steps int64) {
	atomic.AddInt64(&m.ttftSum, steps)
}

// RecordTPOT records one Sequence's time-per-output-token sum, in steps.
func (m *Metrics) RecordTPOT(steps int64) {
	atomic.AddInt64(&m.tpotSum, steps)
}

// RecordKVUsage updates the current and peak KV block occupancy.
func (m *Metrics) RecordKVUsage(blocksInUse int) {
	atomic.StoreInt64(&m.kvBlocksInUse, int64(blocksInUse))
	for {
		peak := atomic.LoadInt64(&m.peakKVBlocksUsed)
		if int64(blocksInUse) <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&m.peakKVBlocksUsed, peak, int64(blocksInUse)) {
			return
		}
	}
}

var (
	completedDesc = prometheus.NewDesc("corebatch_completed_requests_total", "Requests completed successfully.", nil, nil)
	cancelledDesc = prometheus.NewDesc("corebatch_cancelled_requests_total", "Requests cancelled before completion.", nil, nil)
	preemptDesc   = prometheus.NewDesc("corebatch_preemptions_total", "Running requests preempted.", nil, nil)
	outputTokDesc = prometheus.NewDesc("corebatch_output_tokens_total", "Output tokens generated.", nil, nil)
	latencyDesc   = prometheus.NewDesc("corebatch_request_latency_ticks_total", "Sum of request latencies in scheduler steps.", nil, nil)
	ttftDesc      = prometheus.NewDesc("corebatch_ttft_ticks_total", "Sum of time-to-first-token in scheduler steps.", nil, nil)
	tpotDesc      = prometheus.NewDesc("corebatch_tpot_ticks_total", "Sum of time-per-output-token in scheduler steps.", nil, nil)
	kvInUseDesc   = prometheus.NewDesc("corebatch_kv_blocks_in_use", "Current KV blocks in use.", nil, nil)
	kvPeakDesc    = prometheus.NewDesc("corebatch_kv_blocks_peak", "Peak KV blocks in use.", nil, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- completedDesc
	ch <- cancelledDesc
	ch <- preemptDesc
	ch <- outputTokDesc
	ch <- latencyDesc
	ch <- ttftDesc
	ch <- tpotDesc
	ch <- kvInUseDesc
	ch <- kvPeakDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(completedDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.completedRequests)))
	ch <- prometheus.MustNewConstMetric(cancelledDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.cancelledRequests)))
	ch <- prometheus.MustNewConstMetric(preemptDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.preemptions)))
	ch <- prometheus.MustNewConstMetric(outputTokDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.totalOutputTokens)))
	ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.totalLatencyTicks)))
	ch <- prometheus.MustNewConstMetric(ttftDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.ttftSum)))
	ch <- prometheus.MustNewConstMetric(tpotDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&m.tpotSum)))
	ch <- prometheus.MustNewConstMetric(kvInUseDesc, prometheus.GaugeValue, float64(atomic.LoadInt64(&m.kvBlocksInUse)))
	ch <- prometheus.MustNewConstMetric(kvPeakDesc, prometheus.GaugeValue, float64(atomic.LoadInt64(&m.peakKVBlocksUsed)))
}
