// Package monitor tracks runtime metrics for the settlement service.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	// Latency histograms
	SettlementLatency *LatencyHistogram
	APILatency        *LatencyHistogram
	DBLatency         *LatencyHistogram

	// Counters
	settlements      uint64
	wins             uint64
	losses           uint64
	versionConflicts uint64
	transfersDecided uint64
	apiRequests      uint64
	apiErrors        uint64
	errorsCount      uint64
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		SettlementLatency: NewLatencyHistogram(1000),
		APILatency:        NewLatencyHistogram(1000),
		DBLatency:         NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when the
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementSettlements counts one completed settlement.
func (m *SystemMetrics) IncrementSettlements() {
	atomic.AddUint64(&m.settlements, 1)
}

// RecordOutcome counts a win or lose result.
func (m *SystemMetrics) RecordOutcome(win bool) {
	if win {
		atomic.AddUint64(&m.wins, 1)
	} else {
		atomic.AddUint64(&m.losses, 1)
	}
}

// IncrementVersionConflicts counts a CAS retry on the ledger.
func (m *SystemMetrics) IncrementVersionConflicts() {
	atomic.AddUint64(&m.versionConflicts, 1)
}

// IncrementTransfers counts a decided deposit/withdrawal.
func (m *SystemMetrics) IncrementTransfers() {
	atomic.AddUint64(&m.transfersDecided, 1)
}

// IncrementAPI counts an API request.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors counts a 4xx/5xx API response.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementErrors counts an internal error.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view of all counters.
type MetricsSnapshot struct {
	SettlementLatency LatencyStats `json:"settlement_latency"`
	APILatency        LatencyStats `json:"api_latency"`
	DBLatency         LatencyStats `json:"db_latency"`
	Settlements       uint64       `json:"settlements"`
	Wins              uint64       `json:"wins"`
	Losses            uint64       `json:"losses"`
	VersionConflicts  uint64       `json:"version_conflicts"`
	TransfersDecided  uint64       `json:"transfers_decided"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	ErrorsCount       uint64       `json:"errors_count"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		SettlementLatency: m.SettlementLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		DBLatency:         m.DBLatency.Stats(),
		Settlements:       atomic.LoadUint64(&m.settlements),
		Wins:              atomic.LoadUint64(&m.wins),
		Losses:            atomic.LoadUint64(&m.losses),
		VersionConflicts:  atomic.LoadUint64(&m.versionConflicts),
		TransfersDecided:  atomic.LoadUint64(&m.transfersDecided),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
