package ops

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Metrics tracks Squall's process-level counters, exposed at /metrics in
// Prometheus text-exposition format. No Prometheus client or otel metrics
// SDK appears in the example pack (the otel dependency here is trace-only),
// so these are hand-rolled atomic counters rather than a library registry.
type Metrics struct {
	dispatchTotal  sync.Map // key "backend|status" -> *atomic.Int64
	gateExclusions atomic.Int64
	reviewLatency  latencyHistogram
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordDispatch increments the dispatch counter for one (backend, status)
// pair.
func (m *Metrics) RecordDispatch(backend, status string) {
	key := backend + "|" + status
	v, _ := m.dispatchTotal.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// RecordGateExclusion increments the count of models skipped by the hard
// success-rate gate.
func (m *Metrics) RecordGateExclusion(n int) {
	m.gateExclusions.Add(int64(n))
}

// RecordReviewLatency adds one review's total elapsed time to the latency
// histogram.
func (m *Metrics) RecordReviewLatency(ms int64) {
	m.reviewLatency.observe(ms)
}

// WriteExpositionText renders all counters in Prometheus text format.
func (m *Metrics) WriteExpositionText() string {
	var b strings.Builder

	type kv struct {
		key   string
		count int64
	}
	var dispatch []kv
	m.dispatchTotal.Range(func(k, v any) bool {
		dispatch = append(dispatch, kv{k.(string), v.(*atomic.Int64).Load()})
		return true
	})
	sort.Slice(dispatch, func(i, j int) bool { return dispatch[i].key < dispatch[j].key })

	b.WriteString("# HELP squall_dispatch_total Dispatch attempts by backend and outcome status.\n")
	b.WriteString("# TYPE squall_dispatch_total counter\n")
	for _, d := range dispatch {
		parts := strings.SplitN(d.key, "|", 2)
		backend, status := parts[0], parts[1]
		fmt.Fprintf(&b, "squall_dispatch_total{backend=%q,status=%q} %d\n", backend, status, d.count)
	}

	b.WriteString("# HELP squall_gate_exclusions_total Models skipped by the hard success-rate gate.\n")
	b.WriteString("# TYPE squall_gate_exclusions_total counter\n")
	fmt.Fprintf(&b, "squall_gate_exclusions_total %d\n", m.gateExclusions.Load())

	b.WriteString("# HELP squall_review_latency_ms Review wall-clock latency in milliseconds.\n")
	b.WriteString("# TYPE squall_review_latency_ms histogram\n")
	for _, bucket := range m.reviewLatency.buckets() {
		fmt.Fprintf(&b, "squall_review_latency_ms_bucket{le=%q} %d\n", bucket.label, bucket.count)
	}
	fmt.Fprintf(&b, "squall_review_latency_ms_sum %d\n", m.reviewLatency.sum())
	fmt.Fprintf(&b, "squall_review_latency_ms_count %d\n", m.reviewLatency.total())

	return b.String()
}

var histogramBoundsMS = [8]int64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000}

type latencyBucket struct {
	label string
	count int64
}

// latencyHistogram is a fixed-bucket cumulative histogram sized for review
// latencies (sub-second to 10-minute deep reviews).
type latencyHistogram struct {
	mu      sync.Mutex
	counts  [len(histogramBoundsMS) + 1]int64 // last bucket is +Inf
	sumMS   int64
	countN  int64
}

func (h *latencyHistogram) observe(ms int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sumMS += ms
	h.countN++
	for i, bound := range histogramBoundsMS {
		if ms <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(histogramBoundsMS)]++
}

func (h *latencyHistogram) buckets() []latencyBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]latencyBucket, 0, len(h.counts))
	var cumulative int64
	for i, bound := range histogramBoundsMS {
		cumulative += h.counts[i]
		out = append(out, latencyBucket{label: fmt.Sprintf("%d", bound), count: cumulative})
	}
	cumulative += h.counts[len(histogramBoundsMS)]
	out = append(out, latencyBucket{label: "+Inf", count: cumulative})
	return out
}

func (h *latencyHistogram) sum() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sumMS
}

func (h *latencyHistogram) total() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countN
}
