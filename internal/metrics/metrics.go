// Copyright 2026 Yusuf Aye. All Rights Reserved.
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

// Package metrics exposes the controller and worker's operational counters
// and gauges as Prometheus collectors, registered globally and safe to call
// on hot paths (every observer is a cheap atomic increment/set, never
// allocating or blocking).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	deploysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_deploys_total",
		Help: "Total variant deployments issued, by scheduling strategy.",
	}, []string{"strategy"})

	stopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_stops_total",
		Help: "Total variant stops issued, by reason (the controller records every auto-scaler stop as \"autoscaler\").",
	}, []string{"reason"})

	queriesForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomie_queries_forwarded_total",
		Help: "Total QUERY messages forwarded from the controller to a worker, by application.",
	}, []string{"app_id"})

	inferenceDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomie_inference_duration_seconds",
		Help:    "Observed per-batch inference duration, by variant name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	loadRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomie_app_load_ratio",
		Help: "Most recent workload/throughput ratio observed by the auto-scaler, by application.",
	}, []string{"app_id"})

	runningVariants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomie_running_variants",
		Help: "Number of variants currently running on a worker.",
	}, []string{"worker_id"})

	schedulingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomie_scheduling_duration_seconds",
		Help:    "Time taken by a Scheduler.Schedule call, by strategy.",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})
)

func init() {
	prometheus.MustRegister(
		deploysTotal,
		stopsTotal,
		queriesForwardedTotal,
		inferenceDuration,
		loadRatio,
		runningVariants,
		schedulingDuration,
	)
}

// ObserveDeploy records one variant deployment issued under strategy.
func ObserveDeploy(strategy string) {
	deploysTotal.WithLabelValues(strategy).Inc()
}

// ObserveStop records one variant stop issued for reason.
func ObserveStop(reason string) {
	stopsTotal.WithLabelValues(reason).Inc()
}

// ObserveQueryForwarded records one QUERY message forwarded for appID.
func ObserveQueryForwarded(appID string) {
	queriesForwardedTotal.WithLabelValues(appID).Inc()
}

// ObserveInferenceDuration records one inference pass's wall-clock duration
// for variant.
func ObserveInferenceDuration(variant string, d time.Duration) {
	inferenceDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// SetLoadRatio records the most recently computed load ratio for appID.
func SetLoadRatio(appID string, ratio float64) {
	loadRatio.WithLabelValues(appID).Set(ratio)
}

// SetRunningVariants records how many variants are currently resident on
// workerID.
func SetRunningVariants(workerID string, n int) {
	runningVariants.WithLabelValues(workerID).Set(float64(n))
}

// ObserveSchedulingDuration records how long one Schedule call under
// strategy took.
func ObserveSchedulingDuration(strategy string, d time.Duration) {
	schedulingDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// Serve starts a /metrics HTTP endpoint on addr, blocking until ctx is
// cancelled or the server errors.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return server.Close()
	case err := <-errCh:
		return err
	}
}
