// Copyright 2026 The NusaLaunchd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nusalaunchd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nusalaunchd_job_state",
		Help: "Current state of each job (1 for the active state, 0 otherwise)",
	}, []string{"job", "state"})

	jobRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nusalaunchd_job_restarts_total",
		Help: "Restarts scheduled by the restart policy",
	}, []string{"job"})

	jobSpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nusalaunchd_job_spawn_failures_total",
		Help: "Attempts that failed before the process was running",
	}, []string{"job"})

	jobExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nusalaunchd_job_exits_total",
		Help: "Process exits by kind",
	}, []string{"job", "kind"})

	controlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nusalaunchd_control_requests_total",
		Help: "Control requests handled by the supervision loop",
	}, []string{"op", "result"})

	loopEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nusalaunchd_events_total",
		Help: "Events consumed by the supervision loop",
	}, []string{"kind"})
)

func metricState(job string, from, to State) {
	if from != to {
		jobState.WithLabelValues(job, from.String()).Set(0)
	}
	jobState.WithLabelValues(job, to.String()).Set(1)
}

func metricForget(job string) {
	labels := prometheus.Labels{"job": job}
	jobState.DeletePartialMatch(labels)
	jobRestarts.DeletePartialMatch(labels)
	jobSpawnFailures.DeletePartialMatch(labels)
	jobExits.DeletePartialMatch(labels)
}

func metricRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	controlRequests.WithLabelValues(op, result).Inc()
}
