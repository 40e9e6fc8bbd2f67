// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	peerConnectionCurrent atomic.Int32
	peerConnectionTotal   atomic.Uint64

	promSignalingTaskCounter   *prometheus.CounterVec
	promSignalingTaskDuration  *prometheus.HistogramVec
	promNegotiationCounter     *prometheus.CounterVec
	promPeerConnectionCurrent  prometheus.Gauge
	promStatsReportRecords     prometheus.Histogram
	promDataChannelEventsTotal *prometheus.CounterVec
)

func initSignalingStats(nodeID string) {
	promSignalingTaskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "signaling",
		Name:        "task_total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"task", "status"})
	promSignalingTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "signaling",
		Name:        "task_duration_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	}, []string{"task"})
	promNegotiationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "signaling",
		Name:        "negotiation_total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"operation", "status", "error"})
	promPeerConnectionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "peer_connection",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promStatsReportRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "stats",
		Name:        "report_records",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     []float64{1, 5, 10, 20, 50, 100, 200},
	})
	promDataChannelEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pcengineNamespace,
		Subsystem:   "data_channel",
		Name:        "events_total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"event"})

	prometheus.MustRegister(promSignalingTaskCounter)
	prometheus.MustRegister(promSignalingTaskDuration)
	prometheus.MustRegister(promNegotiationCounter)
	prometheus.MustRegister(promPeerConnectionCurrent)
	prometheus.MustRegister(promStatsReportRecords)
	prometheus.MustRegister(promDataChannelEventsTotal)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func RecordSignalingTask(task string, duration time.Duration, err error) {
	if !initialized.Load() {
		return
	}
	promSignalingTaskCounter.WithLabelValues(task, statusLabel(err)).Inc()
	promSignalingTaskDuration.WithLabelValues(task).Observe(float64(duration) / float64(time.Millisecond))
}

// RecordNegotiation counts offer/answer operations, errorKind names the failure class
func RecordNegotiation(operation string, err error, errorKind string) {
	if !initialized.Load() {
		return
	}
	promNegotiationCounter.WithLabelValues(operation, statusLabel(err), errorKind).Inc()
}

func AddPeerConnection() {
	peerConnectionTotal.Inc()
	current := peerConnectionCurrent.Inc()
	if initialized.Load() {
		promPeerConnectionCurrent.Set(float64(current))
	}
}

func SubPeerConnection() {
	current := peerConnectionCurrent.Dec()
	if initialized.Load() {
		promPeerConnectionCurrent.Set(float64(current))
	}
}

// PeerConnectionCounts returns the live and lifetime peer connection counts
func PeerConnectionCounts() (current int32, total uint64) {
	return peerConnectionCurrent.Load(), peerConnectionTotal.Load()
}

func RecordStatsReport(records int) {
	if !initialized.Load() {
		return
	}
	promStatsReportRecords.Observe(float64(records))
}

func RecordDataChannelEvent(event string) {
	if !initialized.Load() {
		return
	}
	promDataChannelEventsTotal.WithLabelValues(event).Inc()
}
