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

package sshsession

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessionsActive tracks the number of live sessions.
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ssh_mcp_sessions_active",
		Help: "Number of open SSH sessions",
	})

	// operationsTotal counts lifecycle operations by action and outcome.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssh_mcp_operations_total",
			Help: "Total SSH lifecycle operations by action and status",
		},
		[]string{"action", "status"},
	)

	// operationDuration tracks operation latency.
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssh_mcp_operation_duration_seconds",
			Help:    "SSH lifecycle operation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"action"},
	)

	// sessionsExpiredTotal counts sessions reclaimed for idleness.
	sessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ssh_mcp_sessions_expired_total",
		Help: "Total SSH sessions closed after exceeding the idle timeout",
	})
)

func recordOperation(r *Result, seconds float64) {
	operationsTotal.WithLabelValues(r.Action, r.status()).Inc()
	operationDuration.WithLabelValues(r.Action).Observe(seconds)
}
