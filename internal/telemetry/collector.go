// Package telemetry records ingestion outcomes into a fixed five-minute
// rolling window and mirrors them into Prometheus.
package telemetry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	// WindowBuckets is the number of one-minute buckets; always exactly
	// this many exist.
	WindowBuckets = 5

	// SampleCap bounds each bucket's latency reservoir.
	SampleCap = 500

	// TopN is how many keys/projects a snapshot ranks by error count.
	TopN = 10
)

// Event is one ingestion outcome.
type Event struct {
	KeyID      string
	ProjectID  int64
	LatencyMS  float64
	HasLatency bool
	OK         bool
	UsedGrace  bool
	Kind       ErrorKind
}

// KeyErrors is an error count attributed to one API key.
type KeyErrors struct {
	KeyID string `json:"key_id"`
	Count int64  `json:"count"`
}

// ProjectErrors is an error count attributed to one project.
type ProjectErrors struct {
	ProjectID int64 `json:"project_id"`
	Count     int64 `json:"count"`
}

// Snapshot is the merged view over the trailing five minutes.
type Snapshot struct {
	Total            int64            `json:"total_5m"`
	Errors           int64            `json:"-"`
	ErrorRate        float64          `json:"error_rate_5m"`
	P50MS            float64          `json:"p50_ms_5m"`
	P95MS            float64          `json:"p95_ms_5m"`
	ByError          map[string]int64 `json:"by_error_5m"`
	TopErrorKeys     []KeyErrors      `json:"top_error_keys_5m"`
	TopErrorProjects []ProjectErrors  `json:"top_error_projects_5m"`
	GraceCount       int64            `json:"auth_grace_5m"`
}

type minuteBucket struct {
	minute       int64
	total        int64
	graceCount   int64
	errorCounts  map[ErrorKind]int64
	errorsByKey  map[string]int64
	errorsByProj map[int64]int64
	keyOrder     []string
	projOrder    []int64

	sample   []float64
	observed int64
}

func newMinuteBucket(minute int64) *minuteBucket {
	return &minuteBucket{
		minute:       minute,
		errorCounts:  make(map[ErrorKind]int64),
		errorsByKey:  make(map[string]int64),
		errorsByProj: make(map[int64]int64),
	}
}

// promMetrics mirrors the rolling window into the Prometheus registry.
type promMetrics struct {
	RequestsTotal  *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	GraceAuthTotal prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_requests_total",
				Help: "Total ingestion requests by outcome and error kind",
			},
			[]string{"outcome", "error_kind"},
		),
		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_request_duration_seconds",
				Help:    "Duration of ingestion requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		GraceAuthTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_auth_grace_total",
				Help: "Requests authenticated with a grace secret",
			},
		),
	}
}

// Collector aggregates events. One instance per serving process; all
// state lives in memory and is rebuilt empty on restart by design.
type Collector struct {
	mu      sync.Mutex
	buckets [WindowBuckets]*minuteBucket // index 0 = current minute
	rng     *rand.Rand
	metrics *promMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCollector creates a collector registered against reg.
func NewCollector(reg prometheus.Registerer, logger zerolog.Logger) *Collector {
	c := &Collector{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		metrics: newPromMetrics(reg),
		logger:  logger,
		now:     time.Now,
	}
	minute := c.now().Unix() / 60
	for i := range c.buckets {
		c.buckets[i] = newMinuteBucket(minute - int64(i))
	}
	return c
}

// SetClock overrides the collector clock. Test hook.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// SetRandSource replaces the reservoir RNG. Test hook.
func (c *Collector) SetRandSource(src rand.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(src)
}

// rotateLocked advances the window to the current minute, evicting the
// oldest bucket once per elapsed minute, bounded so a long idle gap
// cannot loop unboundedly. Caller holds mu.
func (c *Collector) rotateLocked(now time.Time) {
	minute := now.Unix() / 60
	elapsed := minute - c.buckets[0].minute
	if elapsed <= 0 {
		return
	}
	if elapsed > WindowBuckets {
		elapsed = WindowBuckets
	}
	for i := int64(0); i < elapsed; i++ {
		copy(c.buckets[1:], c.buckets[:WindowBuckets-1])
		c.buckets[0] = newMinuteBucket(minute - elapsed + i + 1)
	}
}

// Record adds one event to the current bucket. It never fails and never
// panics out to the caller.
func (c *Collector) Record(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("metrics record panic swallowed")
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked(c.now())
	b := c.buckets[0]

	b.total++
	if ev.UsedGrace {
		b.graceCount++
		c.metrics.GraceAuthTotal.Inc()
	}

	if ev.HasLatency {
		c.sampleLocked(b, ev.LatencyMS)
		c.metrics.IngestDuration.Observe(ev.LatencyMS / 1000)
	}

	if ev.OK {
		c.metrics.RequestsTotal.WithLabelValues("ok", "").Inc()
		return
	}

	c.metrics.RequestsTotal.WithLabelValues("error", ev.Kind.String()).Inc()
	b.errorCounts[ev.Kind]++
	if ev.KeyID != "" {
		if _, seen := b.errorsByKey[ev.KeyID]; !seen {
			b.keyOrder = append(b.keyOrder, ev.KeyID)
		}
		b.errorsByKey[ev.KeyID]++
	}
	if ev.ProjectID != 0 {
		if _, seen := b.errorsByProj[ev.ProjectID]; !seen {
			b.projOrder = append(b.projOrder, ev.ProjectID)
		}
		b.errorsByProj[ev.ProjectID]++
	}
}

// sampleLocked applies Algorithm R: fill to cap, then replace a uniform
// random slot, keeping the sample unbiased over arbitrarily many
// observations in O(1) space. Caller holds mu.
func (c *Collector) sampleLocked(b *minuteBucket, latencyMS float64) {
	b.observed++
	if len(b.sample) < SampleCap {
		b.sample = append(b.sample, latencyMS)
		return
	}
	if j := c.rng.Int63n(b.observed); j < SampleCap {
		b.sample[j] = latencyMS
	}
}

// Snapshot merges the five buckets into one view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rotateLocked(c.now())

	snap := Snapshot{ByError: make(map[string]int64)}
	merged := make([]float64, 0, WindowBuckets*SampleCap)
	keyTotals := make(map[string]int64)
	projTotals := make(map[int64]int64)
	var keyOrder []string
	var projOrder []int64

	// Oldest bucket first so tie-breaks follow first-seen order.
	for i := WindowBuckets - 1; i >= 0; i-- {
		b := c.buckets[i]
		snap.Total += b.total
		snap.GraceCount += b.graceCount
		merged = append(merged, b.sample...)
		for kind, n := range b.errorCounts {
			snap.ByError[kind.String()] += n
			snap.Errors += n
		}
		for _, key := range b.keyOrder {
			if _, seen := keyTotals[key]; !seen {
				keyOrder = append(keyOrder, key)
			}
			keyTotals[key] += b.errorsByKey[key]
		}
		for _, proj := range b.projOrder {
			if _, seen := projTotals[proj]; !seen {
				projOrder = append(projOrder, proj)
			}
			projTotals[proj] += b.errorsByProj[proj]
		}
	}

	if snap.Total > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.Total)
	}

	sort.Float64s(merged)
	snap.P50MS = nearestRank(merged, 50)
	snap.P95MS = nearestRank(merged, 95)

	snap.TopErrorKeys = topKeys(keyTotals, keyOrder)
	snap.TopErrorProjects = topProjects(projTotals, projOrder)
	return snap
}

// nearestRank picks the value at ceil(p/100*n)-1 in a sorted sample,
// clamped to valid indexes.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func topKeys(totals map[string]int64, order []string) []KeyErrors {
	out := make([]KeyErrors, 0, len(order))
	for _, key := range order {
		out = append(out, KeyErrors{KeyID: key, Count: totals[key]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > TopN {
		out = out[:TopN]
	}
	return out
}

func topProjects(totals map[int64]int64, order []int64) []ProjectErrors {
	out := make([]ProjectErrors, 0, len(order))
	for _, proj := range order {
		out = append(out, ProjectErrors{ProjectID: proj, Count: totals[proj]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > TopN {
		out = out[:TopN]
	}
	return out
}
