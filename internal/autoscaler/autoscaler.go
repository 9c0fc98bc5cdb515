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

// Package autoscaler implements the controller's periodic scale decision
// loop: pick the most-overloaded registered application and either drop a
// running variant, add one, or do nothing, depending on its load/throughput
// ratio.
package autoscaler

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/internal/metrics"
	"github.com/yusufaye/roomie/internal/sched"
)

// Interval is how often the auto-scaler re-evaluates the fleet.
const Interval = 2 * time.Second

// UpscaleThreshold is the ratio above which the most-overloaded app
// triggers an upscale.
const UpscaleThreshold = 1.0

// ForceDownscaleRatio is the ratio below which the most-overloaded app's
// lowest-throughput variant is dropped unconditionally (if at least two
// exist).
const ForceDownscaleRatio = 0.5

// SoftDownscaleRatio is the ratio below which a variant is dropped only if
// doing so keeps the resulting ratio under UpscaleThreshold.
const SoftDownscaleRatio = 0.8

// CooldownTicks is the number of ticks an app is locked out of further
// scaling decisions after an upscale.
const CooldownTicks = 5

// DeployFunc deploys variant onto worker for appID. Supplied by the
// Controller so the AutoScaler stays free of transport concerns.
type DeployFunc func(appID string, variant *fleet.Variant, worker *fleet.Worker)

// StopFunc stops variant running on worker for appID.
type StopFunc func(appID string, variant *fleet.Variant, worker *fleet.Worker)

// AutoScaler runs the periodic upscale/downscale decision loop described in
// the data model: a ticker-driven goroutine with an explicit Start/Stop
// lifecycle, grounded on the teacher's background-daemon shape
// (time.Ticker + stopChan + sync.WaitGroup).
type AutoScaler struct {
	scheduler    sched.Scheduler
	strategyName string
	dataStore    *fleet.DataStore
	onDeploy     DeployFunc
	onStop       StopFunc
	log          *logrus.Entry

	mu              sync.Mutex
	lockedUntilTick map[string]int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New constructs an AutoScaler. strategyName labels the scheduling-duration
// metric emitted around upscale's Schedule calls. It does not start its loop
// until Start is called.
func New(scheduler sched.Scheduler, strategyName string, dataStore *fleet.DataStore, onDeploy DeployFunc, onStop StopFunc, log *logrus.Entry) *AutoScaler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AutoScaler{
		scheduler:       scheduler,
		strategyName:    strategyName,
		dataStore:       dataStore,
		onDeploy:        onDeploy,
		onStop:          onStop,
		log:             log,
		lockedUntilTick: make(map[string]int),
	}
}

// Start launches the ticker-driven decision loop in a background goroutine.
func (a *AutoScaler) Start() {
	a.stopChan = make(chan struct{})
	a.wg.Add(1)
	go a.run()
}

// Stop signals the loop to exit and waits for it to finish.
func (a *AutoScaler) Stop() {
	close(a.stopChan)
	a.wg.Wait()
}

func (a *AutoScaler) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick runs exactly one evaluation pass over every registered app and, at
// most, one scaling decision for the most-overloaded one.
func (a *AutoScaler) tick() {
	type candidate struct {
		appID string
		ratio float64
	}
	best := candidate{}

	for _, appID := range a.dataStore.RegisteredApps() {
		if a.decrementLockIfLocked(appID) {
			continue
		}

		ratio, ok := a.loadRatio(appID)
		if !ok {
			continue
		}
		metrics.SetLoadRatio(appID, ratio)
		if ratio > best.ratio {
			best = candidate{appID: appID, ratio: ratio}
		}
	}

	if best.appID == "" {
		return
	}
	a.decide(best.appID, best.ratio)
}

func (a *AutoScaler) decrementLockIfLocked(appID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockedUntilTick[appID] > 0 {
		a.lockedUntilTick[appID]--
		return true
	}
	return false
}

// runningVariantsFor collects every (variant, worker) pair across the fleet
// whose variant name is registered to appID.
func (a *AutoScaler) runningVariantsFor(appID string) []variantWorker {
	names := make(map[string]struct{})
	for _, n := range a.dataStore.Registered(appID) {
		names[n] = struct{}{}
	}

	var out []variantWorker
	for _, w := range a.dataStore.Workers() {
		for _, v := range w.Variants() {
			if _, ok := names[v.Name]; ok {
				out = append(out, variantWorker{variant: v, worker: w})
			}
		}
	}
	return out
}

type variantWorker struct {
	variant *fleet.Variant
	worker  *fleet.Worker
}

func (a *AutoScaler) loadRatio(appID string) (float64, bool) {
	running := a.runningVariantsFor(appID)
	if len(running) == 0 {
		return 0, false
	}

	var throughput, workload float64
	for _, rv := range running {
		throughput += rv.variant.EffectiveThroughput()
		workload += float64(rv.variant.Workload())
	}
	if throughput == 0 {
		return 0, false
	}
	return workload / throughput, true
}

func (a *AutoScaler) decide(appID string, ratio float64) {
	log := a.log.WithFields(logrus.Fields{"app": appID, "ratio": ratio})

	switch {
	case ratio < ForceDownscaleRatio:
		if v, w, ok := a.downscale(appID, true); ok {
			log.WithField("variant", v.ID).Info("auto-scaler: forced downscale")
			a.onStop(appID, v, w)
		}
	case ratio < SoftDownscaleRatio:
		if v, w, ok := a.downscale(appID, false); ok {
			log.WithField("variant", v.ID).Info("auto-scaler: soft downscale")
			a.onStop(appID, v, w)
		}
	case ratio > UpscaleThreshold:
		if v, w, ok := a.upscale(appID); ok {
			log.WithField("worker", w.ID).Info("auto-scaler: upscale")
			a.onDeploy(appID, v, w)
			a.mu.Lock()
			a.lockedUntilTick[appID] = CooldownTicks
			a.mu.Unlock()
		}
	}
}

func (a *AutoScaler) upscale(appID string) (*fleet.Variant, *fleet.Worker, bool) {
	workers := a.dataStore.Workers()
	if len(workers) == 0 {
		return nil, nil, false
	}
	names := a.dataStore.Registered(appID)

	start := time.Now()
	variant, worker, ok := a.scheduler.Schedule(workers, names)
	metrics.ObserveSchedulingDuration(a.strategyName, time.Since(start))
	return variant, worker, ok
}

// downscale picks a variant to drop for appID. With force=true it always
// drops the lowest-throughput running variant when at least two exist. With
// force=false it only drops a variant if the resulting ratio would stay
// under UpscaleThreshold, preferring the one on the worker with fewest
// running variants among qualifying candidates. A single running variant is
// never dropped (spec boundary: force requires >= 2 candidates).
func (a *AutoScaler) downscale(appID string, force bool) (*fleet.Variant, *fleet.Worker, bool) {
	running := a.runningVariantsFor(appID)
	if len(running) <= 1 {
		return nil, nil, false
	}

	if force {
		sort.SliceStable(running, func(i, j int) bool {
			return running[i].variant.Throughput() < running[j].variant.Throughput()
		})
		best := running[0]
		return best.variant, best.worker, true
	}

	var throughput, workload float64
	for _, rv := range running {
		throughput += rv.variant.EffectiveThroughput()
		workload += float64(rv.variant.Workload())
	}

	var qualifying []variantWorker
	for _, rv := range running {
		newThroughput := throughput - rv.variant.EffectiveThroughput()
		if newThroughput <= 0 {
			continue
		}
		if workload/newThroughput < UpscaleThreshold {
			qualifying = append(qualifying, rv)
		}
	}
	if len(qualifying) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		return qualifying[i].worker.TotalRunningVariants() < qualifying[j].worker.TotalRunningVariants()
	})
	best := qualifying[0]
	return best.variant, best.worker, true
}
