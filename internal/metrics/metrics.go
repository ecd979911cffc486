// Copyright 2025 Tom Barlow
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

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_runs_total",
			Help: "Total pipeline runs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_run_duration_seconds",
			Help:    "Pipeline run wall-clock duration from start to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_builds_total",
			Help: "Total environment image builds by final status",
		},
		[]string{"status"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_active_sessions",
			Help: "Interactive sessions currently launching or running",
		},
	)

	schedulerPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_scheduler_poll_errors_total",
			Help: "Total backend status poll errors seen by the execution scheduler",
		},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_store_errors_total",
			Help: "Total store operation errors by operation",
		},
		[]string{"operation"},
	)
)

// RecordRunFinished increments the run counter and observes its duration.
func RecordRunFinished(kind, status string, duration time.Duration) {
	runsTotal.WithLabelValues(kind, status).Inc()
	runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBuildFinished increments the build counter.
func RecordBuildFinished(status string) {
	buildsTotal.WithLabelValues(status).Inc()
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	activeSessions.Inc()
}

// SessionStopped decrements the active session gauge.
func SessionStopped() {
	activeSessions.Dec()
}

// RecordPollError increments the scheduler poll error counter.
func RecordPollError() {
	schedulerPollErrors.Inc()
}

// RecordStoreError increments the store error counter.
// operation should name the store method, e.g. "UpdateRunStatus".
func RecordStoreError(operation string) {
	storeErrors.WithLabelValues(operation).Inc()
}
