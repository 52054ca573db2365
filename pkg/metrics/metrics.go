// Package metrics records provider and executor call series. Each sample feeds both the
// JSON snapshot served to operators and a prometheus registry.
package metrics

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Series aggregates the samples of one label set.
type Series struct {
	Count          int      `json:"count"`
	Success        int      `json:"success"`
	Failure        int      `json:"failure"`
	Retries        int      `json:"retries"`
	TotalLatencyMs float64  `json:"totalLatencyMs"`
	MinLatencyMs   *float64 `json:"minLatencyMs"`
	MaxLatencyMs   *float64 `json:"maxLatencyMs"`
}

func (s *Series) add(success bool, latency time.Duration, retries int) {
	ms := float64(latency) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	if retries < 0 {
		retries = 0
	}

	s.Count++
	s.Retries += retries
	s.TotalLatencyMs += ms

	if success {
		s.Success++
	} else {
		s.Failure++
	}

	if s.MinLatencyMs == nil || ms < *s.MinLatencyMs {
		s.MinLatencyMs = &ms
	}

	if s.MaxLatencyMs == nil || ms > *s.MaxLatencyMs {
		maxMs := ms
		s.MaxLatencyMs = &maxMs
	}
}

// LabeledSeries is a series with its labels, as exposed in a snapshot.
type LabeledSeries struct {
	Labels map[string]string `json:"labels"`
	Series
}

// Snapshot is a point-in-time copy of every series.
type Snapshot struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	Providers   []LabeledSeries `json:"providers"`
	Executors   []LabeledSeries `json:"executors"`
}

// ProviderCall is one provider request, retries included.
type ProviderCall struct {
	Provider  string
	Operation string
	Success   bool
	Latency   time.Duration
	Retries   int
}

// ExecutorCall is one step execution.
type ExecutorCall struct {
	ExecutorType string
	Success      bool
	Latency      time.Duration
}

type Recorder struct {
	mu        sync.Mutex
	providers map[[2]string]*Series
	executors map[string]*Series

	registry         *prometheus.Registry
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	executorCalls    *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		providers: map[[2]string]*Series{},
		executors: map[string]*Series{},
		registry:  prometheus.NewRegistry(),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aether",
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "operation"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "provider_retries_total",
			Help:      "Provider request retries.",
		}, []string{"provider", "operation"}),
		executorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aether",
			Name:      "executor_calls_total",
			Help:      "Protocol step executions by step type and outcome.",
		}, []string{"executor_type", "outcome"}),
		executorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aether",
			Name:      "executor_call_duration_seconds",
			Help:      "Protocol step execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"executor_type"}),
	}

	r.registry.MustRegister(r.providerCalls, r.providerLatency, r.providerRetries, r.executorCalls, r.executorDuration)

	return r
}

// Registry exposes the prometheus registry for scraping.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) RecordProviderCall(call ProviderCall) {
	provider := orUnknown(call.Provider)
	operation := orUnknown(call.Operation)

	r.mu.Lock()
	key := [2]string{provider, operation}
	s, ok := r.providers[key]
	if !ok {
		s = &Series{}
		r.providers[key] = s
	}
	s.add(call.Success, call.Latency, call.Retries)
	r.mu.Unlock()

	r.providerCalls.WithLabelValues(provider, operation, outcome(call.Success)).Inc()
	r.providerLatency.WithLabelValues(provider, operation).Observe(call.Latency.Seconds())

	if call.Retries > 0 {
		r.providerRetries.WithLabelValues(provider, operation).Add(float64(call.Retries))
	}
}

func (r *Recorder) RecordExecutorCall(call ExecutorCall) {
	executorType := orUnknown(call.ExecutorType)

	r.mu.Lock()
	s, ok := r.executors[executorType]
	if !ok {
		s = &Series{}
		r.executors[executorType] = s
	}
	s.add(call.Success, call.Latency, 0)
	r.mu.Unlock()

	r.executorCalls.WithLabelValues(executorType, outcome(call.Success)).Inc()
	r.executorDuration.WithLabelValues(executorType).Observe(call.Latency.Seconds())
}

// Snapshot returns every series sorted by labels.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Providers:   make([]LabeledSeries, 0, len(r.providers)),
		Executors:   make([]LabeledSeries, 0, len(r.executors)),
	}

	for key, s := range r.providers {
		snap.Providers = append(snap.Providers, LabeledSeries{
			Labels: map[string]string{"provider": key[0], "operation": key[1]},
			Series: s.clone(),
		})
	}

	for key, s := range r.executors {
		snap.Executors = append(snap.Executors, LabeledSeries{
			Labels: map[string]string{"executorType": key},
			Series: s.clone(),
		})
	}

	sortByLabels(snap.Providers)
	sortByLabels(snap.Executors)

	return snap
}

// Reset drops every snapshot series. Prometheus counters are left untouched.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = map[[2]string]*Series{}
	r.executors = map[string]*Series{}
}

func (s *Series) clone() Series {
	out := *s
	if s.MinLatencyMs != nil {
		v := *s.MinLatencyMs
		out.MinLatencyMs = &v
	}

	if s.MaxLatencyMs != nil {
		v := *s.MaxLatencyMs
		out.MaxLatencyMs = &v
	}

	return out
}

func sortByLabels(series []LabeledSeries) {
	slices.SortFunc(series, func(a, b LabeledSeries) int {
		ak, _ := json.Marshal(a.Labels)
		bk, _ := json.Marshal(b.Labels)

		return strings.Compare(string(ak), string(bk))
	})
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}

	return v
}

func outcome(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}
