// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metaEmbed metrics
const namespace = "metaembed"

// latencyBuckets covers sub-millisecond in-memory applies up to slow fsyncs
var latencyBuckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// Metrics holds all Prometheus metrics for an embedded metadata instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// API request metrics
	RequestDuration *prometheus.HistogramVec
	RequestTotal    *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	// Storage batch metrics
	StorageOperationDuration *prometheus.HistogramVec
	StorageOperationErrors   *prometheus.CounterVec

	// State machine metrics
	CurrentSequence  prometheus.Gauge
	KeysTotal        prometheus.Gauge
	CommandsApplied  *prometheus.CounterVec
	ExpiredKeysSwept prometheus.Counter
	StateMachineHalt prometheus.Gauge

	// Watch metrics
	ActiveWatches       prometheus.Gauge
	WatchEventsTotal    prometheus.Counter
	WatchCreatedTotal   prometheus.Counter
	WatchClosedTotal    *prometheus.CounterVec
	WatchBufferedEvents prometheus.Gauge

	// Raft metrics
	RaftAppliedIndex    prometheus.Gauge
	RaftProposalsTotal  prometheus.Counter
	RaftProposalsFailed prometheus.Counter
	RaftLeaderChanges   prometheus.Counter
	RaftSnapshotsTotal  prometheus.Counter
}

// New creates and registers all metrics
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Histogram of metadata API request latencies",
				Buckets:   latencyBuckets,
			},
			[]string{"operation", "code"},
		),
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_total",
				Help:      "Total number of metadata API requests",
			},
			[]string{"operation", "code"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Total number of writes rejected by the write limiter",
			},
			[]string{"operation"},
		),

		StorageOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Histogram of durable store operation latencies",
				Buckets:   latencyBuckets,
			},
			[]string{"operation", "status"},
		),
		StorageOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_errors_total",
				Help:      "Total number of durable store errors",
			},
			[]string{"operation", "kind"},
		),

		CurrentSequence: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "sequence",
				Help:      "Current global sequence number",
			},
		),
		KeysTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "keys",
				Help:      "Number of keys held in the index, including expired keys not yet swept",
			},
		),
		CommandsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "commands_applied_total",
				Help:      "Total number of applied commands",
			},
			[]string{"kind", "result"},
		),
		ExpiredKeysSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "expired_keys_swept_total",
				Help:      "Total number of expired keys physically removed",
			},
		),
		StateMachineHalt: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "halted",
				Help:      "1 if the state machine refuses mutations after a storage failure",
			},
		),

		ActiveWatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "active",
				Help:      "Current number of active subscriptions",
			},
		),
		WatchEventsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "events_published_total",
				Help:      "Total number of change events published to the hub",
			},
		),
		WatchCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "created_total",
				Help:      "Total number of subscriptions created",
			},
		),
		WatchClosedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "closed_total",
				Help:      "Total number of subscriptions closed, by reason",
			},
			[]string{"reason"},
		),
		WatchBufferedEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "watch",
				Name:      "buffered_events",
				Help:      "Number of events retained in the ring buffer",
			},
		),

		RaftAppliedIndex: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "applied_index",
				Help:      "Last applied raft log index",
			},
		),
		RaftProposalsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "proposals_total",
				Help:      "Total number of raft proposals",
			},
		),
		RaftProposalsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "proposals_failed_total",
				Help:      "Total number of failed raft proposals",
			},
		),
		RaftLeaderChanges: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "leader_changes_total",
				Help:      "Total number of observed leader changes",
			},
		),
		RaftSnapshotsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raft",
				Name:      "snapshots_total",
				Help:      "Total number of raft snapshots taken",
			},
		),
	}
}

// RecordRequest records one API call.
func (m *Metrics) RecordRequest(operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation, code).Observe(duration.Seconds())
	m.RequestTotal.WithLabelValues(operation, code).Inc()
}

// RecordRateLimitHit records a rejected write.
func (m *Metrics) RecordRateLimitHit(operation string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(operation).Inc()
}

// RecordStorageOperation records a durable store call.
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordStorageError records a classified store failure.
func (m *Metrics) RecordStorageError(operation, kind string) {
	if m == nil {
		return
	}
	m.StorageOperationErrors.WithLabelValues(operation, kind).Inc()
}

// RecordApply records an applied command and the resulting state.
func (m *Metrics) RecordApply(kind, result string, sequence uint64, keys int) {
	if m == nil {
		return
	}
	m.CommandsApplied.WithLabelValues(kind, result).Inc()
	m.CurrentSequence.Set(float64(sequence))
	m.KeysTotal.Set(float64(keys))
}

// RecordSweep records physically removed expired keys.
func (m *Metrics) RecordSweep(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredKeysSwept.Add(float64(n))
}

// RecordHalt flags the state machine as halted.
func (m *Metrics) RecordHalt() {
	if m == nil {
		return
	}
	m.StateMachineHalt.Set(1)
}

// RecordWatchCreated records a new subscription.
func (m *Metrics) RecordWatchCreated() {
	if m == nil {
		return
	}
	m.WatchCreatedTotal.Inc()
	m.ActiveWatches.Inc()
}

// RecordWatchClosed records a subscription leaving the hub.
func (m *Metrics) RecordWatchClosed(reason string) {
	if m == nil {
		return
	}
	m.WatchClosedTotal.WithLabelValues(reason).Inc()
	m.ActiveWatches.Dec()
}

// RecordWatchPublished records events appended to the ring.
func (m *Metrics) RecordWatchPublished(n, buffered int) {
	if m == nil {
		return
	}
	m.WatchEventsTotal.Add(float64(n))
	m.WatchBufferedEvents.Set(float64(buffered))
}

// RecordRaftProposal records a proposal result.
func (m *Metrics) RecordRaftProposal(failed bool) {
	if m == nil {
		return
	}
	m.RaftProposalsTotal.Inc()
	if failed {
		m.RaftProposalsFailed.Inc()
	}
}

// RecordRaftApplied records the applied index.
func (m *Metrics) RecordRaftApplied(index uint64) {
	if m == nil {
		return
	}
	m.RaftAppliedIndex.Set(float64(index))
}

// RecordRaftLeaderChange records a leader change.
func (m *Metrics) RecordRaftLeaderChange() {
	if m == nil {
		return
	}
	m.RaftLeaderChanges.Inc()
}

// RecordRaftSnapshot records a raft snapshot.
func (m *Metrics) RecordRaftSnapshot() {
	if m == nil {
		return
	}
	m.RaftSnapshotsTotal.Inc()
}
