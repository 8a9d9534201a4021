// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics holds the Prometheus counters and gauges for the Job
// Service and the Capacity Manager, and the handler that serves them.
// cmd/jobserver mounts Handler at /metrics; cmd/capacityd serves no
// HTTP, so the Capacity Manager's series are recorded in that process
// but not exposed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobcore",
		Name:      "jobs_created_total",
		Help:      "Job creation requests, partitioned by job class and whether it was a fingerprint cache hit.",
	}, []string{"class", "cache_hit"})

	JobsPolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobcore",
		Name:      "jobs_polled_total",
		Help:      "Jobs handed out by the poll endpoint, partitioned by job class.",
	}, []string{"class"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobcore",
		Name:      "job_status_transitions_total",
		Help:      "Job status transitions, partitioned by the resulting status.",
	}, []string{"status"})

	CapacityTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobcore",
		Name:      "capacity_manager_ticks_total",
		Help:      "Capacity manager control-loop ticks, partitioned by outcome.",
	}, []string{"outcome"})

	WorkersLaunched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobcore",
		Name:      "workers_launched_total",
		Help:      "Workers launched by the capacity manager, partitioned by job class.",
	}, []string{"class"})

	TrackedWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobcore",
		Name:      "tracked_workers",
		Help:      "Workers currently tracked by the capacity manager, partitioned by job class.",
	}, []string{"class"})
)

// Handler returns the http.Handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
