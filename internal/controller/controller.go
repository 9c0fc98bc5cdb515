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

// Package controller implements the control-plane process: it ingests
// HELLO/REGISTER/QUERY/PROFILE_DATA choreography from workers and
// applications, runs the configured placement Scheduler and the
// auto-scaler, and dispatches queries through the load balancer.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yusufaye/roomie/internal/autoscaler"
	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/internal/loadbalancer"
	"github.com/yusufaye/roomie/internal/metrics"
	"github.com/yusufaye/roomie/internal/sched"
	"github.com/yusufaye/roomie/internal/transport"
)

// idGenerator hands out monotonically increasing variant IDs, grounded on
// the original's get_generator()->next().
type idGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *idGenerator) Next() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}

// workerLink is the controller's outgoing connection to one worker.
type workerLink struct {
	id   int
	conn transport.Conn
}

// Controller owns the fleet's live state, the configured Scheduler, the
// auto-scaler, and the per-application load-balanced query dispatch loop.
type Controller struct {
	log          *logrus.Entry
	strategyName string

	scheduler sched.Scheduler
	dataStore *fleet.DataStore
	loadb     *loadbalancer.LoadBalancer
	autoscale *autoscaler.AutoScaler
	ids       idGenerator

	mu      sync.Mutex
	links   map[int]*workerLink
	placeAt map[string]placement // placement key -> (variant, worker)

	registrationCh chan transport.Message
	profilingCh    chan transport.Message

	queryMu sync.Mutex
	queryCh map[string]chan transport.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type placement struct {
	variant *fleet.Variant
	worker  *fleet.Worker
}

// New constructs a Controller using scheduler for placement decisions.
// strategyName labels deploy/scheduling metrics (e.g. "INFaaS", "Usher",
// "Roomie"). A nil log defaults to the standard logger.
func New(scheduler sched.Scheduler, strategyName string, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Controller{
		log:            log,
		strategyName:   strategyName,
		scheduler:      scheduler,
		dataStore:      fleet.NewDataStore(),
		loadb:          loadbalancer.New(),
		links:          make(map[int]*workerLink),
		placeAt:        make(map[string]placement),
		registrationCh: make(chan transport.Message, 256),
		profilingCh:    make(chan transport.Message, 256),
		queryCh:        make(map[string]chan transport.Message),
	}
	c.autoscale = autoscaler.New(c.scheduler, c.strategyName, c.dataStore, c.onAutoscaleDeploy, c.onAutoscaleStop, log.WithField("component", "autoscaler"))
	return c
}

// RegisterWorker attaches a worker's outgoing connection and its fleet
// bookkeeping entry (totalMemory = 0 until the HELLO handshake completes).
// hardwarePlatform is stored on the fleet.Worker and keys every profile
// lookup a Scheduler makes for this worker; HELLO carries no platform, so it
// is never filled in later.
func (c *Controller) RegisterWorker(ctx context.Context, workerID int, hardwarePlatform string, conn transport.Conn) error {
	c.mu.Lock()
	c.links[workerID] = &workerLink{id: workerID, conn: conn}
	c.mu.Unlock()

	c.dataStore.AddWorker(fleet.NewWorker(workerID, hardwarePlatform))

	return conn.Send(ctx, transport.NewMessage(transport.TypeHello, map[string]string{"worker_id": strconv.Itoa(workerID)}))
}

// Start launches the registration, profiling, and auto-scaler daemons.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.registrationDaemon(ctx) }()
	go func() { defer c.wg.Done(); c.profilingDaemon(ctx) }()
	c.autoscale.Start()
}

// Stop halts the auto-scaler and every per-application query daemon.
func (c *Controller) Stop() {
	c.autoscale.Stop()
	c.cancel()
	close(c.registrationCh)
	close(c.profilingCh)
	c.wg.Wait()
}

// Dispatch routes an inbound Message to the right internal queue, per the
// original's Controller::push switch on message type.
func (c *Controller) Dispatch(ctx context.Context, msg transport.Message) {
	switch msg.Type {
	case transport.TypeHello:
		c.handleHello(msg)
	case transport.TypeRegister:
		c.registrationCh <- msg
	case transport.TypeQuery:
		c.routeQuery(ctx, msg)
	case transport.TypeProfileData:
		c.profilingCh <- msg
	case transport.TypeDeployed:
		c.handleDeployed(msg)
	}
}

// handleDeployed clears the reporting worker's in-flight-deployment barrier,
// per spec.md §4.5 ("the worker clears deploying upon DEPLOYED").
func (c *Controller) handleDeployed(msg transport.Message) {
	workerID, err := strconv.Atoi(msg.Get("worker_id"))
	if err != nil {
		c.log.WithError(err).Warn("controller: malformed DEPLOYED worker_id")
		return
	}
	worker := c.dataStore.FindWorker(workerID)
	if worker == nil {
		return
	}
	worker.ClearDeploying()
}

func (c *Controller) handleHello(msg transport.Message) {
	workerID, err := strconv.Atoi(msg.Get("worker_id"))
	if err != nil {
		c.log.WithError(err).Warn("controller: malformed HELLO worker_id")
		return
	}
	totalMem, err := strconv.ParseFloat(msg.Get("total_mem"), 64)
	if err != nil {
		c.log.WithError(err).Warn("controller: malformed HELLO total_mem")
		return
	}
	worker := c.dataStore.FindWorker(workerID)
	if worker == nil {
		c.log.WithField("worker", workerID).Warn("controller: HELLO from unregistered worker")
		return
	}
	// Per spec §9: the controller halves the worker-reported total so a
	// single worker's declared capacity leaves headroom for co-tenant load.
	worker.TotalMemory = uint64(totalMem) / 2
	c.log.WithFields(logrus.Fields{"worker": workerID, "total_memory": worker.TotalMemory}).Info("controller: worker online")
}

// registrationDaemon consumes REGISTER messages, registers each (appId,
// variantName) pair, schedules and deploys an initial placement, and spawns
// a query-dispatch daemon keyed by appId (fixing the original's bug of
// keying the daemon by variant name instead of application id).
func (c *Controller) registrationDaemon(ctx context.Context) {
	spawned := make(map[string]bool)
	for msg := range c.registrationCh {
		for appID, variantName := range msg.Data {
			c.dataStore.RegisterApp(appID, variantName)

			workers := c.dataStore.Workers()
			names := c.dataStore.Registered(appID)

			start := time.Now()
			variant, worker, ok := c.scheduler.Schedule(workers, names)
			metrics.ObserveSchedulingDuration(c.strategyName, time.Since(start))

			if !ok {
				c.log.WithField("app", appID).Warn("controller: no feasible placement at registration")
				continue
			}
			if err := c.deploy(ctx, appID, variant, worker); err != nil {
				c.log.WithError(err).WithField("app", appID).Warn("controller: deploy failed")
				continue
			}

			if !spawned[appID] {
				spawned[appID] = true
				c.wg.Add(1)
				go func(appID string) { defer c.wg.Done(); c.queryDaemon(ctx, appID) }(appID)
			}
		}
	}
}

// profilingDaemon consumes PROFILE_DATA messages, updating every resident
// variant on the reporting worker whose id matches an entry (the original's
// early `break` after the first worker, and after the first matching
// variant, is deliberately not reproduced: every matching variant updates).
func (c *Controller) profilingDaemon(ctx context.Context) {
	_ = ctx
	for msg := range c.profilingCh {
		workerID, err := strconv.Atoi(msg.Get("worker_id"))
		if err != nil {
			c.log.WithError(err).Warn("controller: malformed PROFILE_DATA worker_id")
			continue
		}
		worker := c.dataStore.FindWorker(workerID)
		if worker == nil {
			continue
		}

		var items []profileReport
		if err := json.Unmarshal([]byte(msg.Get("variants")), &items); err != nil {
			c.log.WithError(err).Warn("controller: malformed PROFILE_DATA payload")
			continue
		}

		resident := worker.Variants()
		for _, item := range items {
			for _, v := range resident {
				if v.ID == item.VariantID {
					v.AchievedThroughput = item.Throughput
					n := len(v.InputRates)
					for i := 0; i < n && i < len(item.InputRate); i++ {
						v.InputRates[i] = item.InputRate[i]
					}
					metrics.SetRunningVariants(strconv.Itoa(worker.ID), worker.TotalRunningVariants())
				}
			}
		}
		c.updateLoadBalancer()
	}
}

type profileReport struct {
	VariantID   int     `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	Throughput  float64 `json:"throughput"`
	InputRate   []int   `json:"input_rate"`
}

// updateLoadBalancer recomputes every registered application's WRR weights
// from its currently placed variants' workload/throughput, per spec §4.4.
func (c *Controller) updateLoadBalancer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, appID := range c.dataStore.RegisteredApps() {
		names := make(map[string]struct{})
		for _, n := range c.dataStore.Registered(appID) {
			names[n] = struct{}{}
		}

		var placements []loadbalancer.PlacementLoad
		for _, worker := range c.dataStore.Workers() {
			for _, v := range worker.Variants() {
				if _, ok := names[v.Name]; !ok {
					continue
				}
				key := placementKey(v.ID, worker.ID)
				c.placeAt[key] = placement{variant: v, worker: worker}
				placements = append(placements, loadbalancer.PlacementLoad{
					Key:        key,
					Workload:   float64(v.Workload()),
					Throughput: v.Throughput(),
				})
			}
		}
		if len(placements) == 0 {
			continue
		}
		c.loadb.Recompute(appID, placements)
	}
}

func placementKey(variantID, workerID int) string {
	return fmt.Sprintf("%d_%d", variantID, workerID)
}

// routeQuery enqueues an inbound QUERY message on its application's queue,
// creating the queue lazily (so a QUERY arriving before registration's
// daemon spawn still lands somewhere).
func (c *Controller) routeQuery(ctx context.Context, msg transport.Message) {
	_ = ctx
	appID := msg.Get("app_id")
	c.queryMu.Lock()
	ch, ok := c.queryCh[appID]
	if !ok {
		ch = make(chan transport.Message, 4096)
		c.queryCh[appID] = ch
	}
	c.queryMu.Unlock()
	ch <- msg
}

// queryDaemon drains appID's query queue in batchSize-sized groups, each
// group triggering one forwarded QUERY to the worker currently selected by
// the WRR dispatcher for appID.
func (c *Controller) queryDaemon(ctx context.Context, appID string) {
	c.queryMu.Lock()
	ch, ok := c.queryCh[appID]
	if !ok {
		ch = make(chan transport.Message, 4096)
		c.queryCh[appID] = ch
	}
	c.queryMu.Unlock()

	for {
		key, ok := c.loadb.Next(appID)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				// No placement weighted yet; retry without consuming a query.
			}
			continue
		}

		c.mu.Lock()
		p, known := c.placeAt[key]
		c.mu.Unlock()
		if !known {
			continue
		}

		for i := 0; i < p.variant.BatchSize; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
		}

		c.sendQuery(ctx, appID, p)
	}
}

func (c *Controller) sendQuery(ctx context.Context, appID string, p placement) {
	c.mu.Lock()
	link, ok := c.links[p.worker.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	msg := transport.NewMessage(transport.TypeQuery, map[string]string{
		"variant_id": strconv.Itoa(p.variant.ID),
		"batch_size": strconv.Itoa(p.variant.BatchSize),
	})
	if err := link.conn.Send(ctx, msg); err != nil {
		c.log.WithError(err).WithField("worker", p.worker.ID).Warn("controller: failed to forward query")
		return
	}
	metrics.ObserveQueryForwarded(appID)
}

// deploy sends a DEPLOY message to worker and records the placement in the
// fleet's live state. Fails loudly (spec.md §7 Deploy-overflow) rather than
// deploying if worker already has a DEPLOY outstanding or the placement
// would exceed the occupancy cap.
func (c *Controller) deploy(ctx context.Context, appID string, variant *fleet.Variant, worker *fleet.Worker) error {
	if !worker.TryStartDeploying() {
		return fmt.Errorf("controller: worker %d already has a DEPLOY in flight", worker.ID)
	}

	if worker.PercentOccupation(variant.MemoryAt(0)) > fleet.MaxGPUOccupancyPercent {
		worker.ClearDeploying()
		return fmt.Errorf("controller: deploying %s to worker %d would exceed %.0f%% GPU occupancy",
			variant.Name, worker.ID, fleet.MaxGPUOccupancyPercent)
	}

	c.mu.Lock()
	link, ok := c.links[worker.ID]
	c.mu.Unlock()
	if !ok {
		worker.ClearDeploying()
		return fmt.Errorf("controller: deploy target worker %d has no connection", worker.ID)
	}

	variant.ID = c.ids.Next()
	msg := transport.NewMessage(transport.TypeDeploy, map[string]string{
		"id":         strconv.Itoa(variant.ID),
		"name":       variant.Name,
		"batch_size": strconv.Itoa(variant.BatchSize),
	})
	if err := link.conn.Send(ctx, msg); err != nil {
		worker.ClearDeploying()
		return fmt.Errorf("controller: failed to send DEPLOY: %w", err)
	}
	worker.AddVariant(variant)
	metrics.ObserveDeploy(c.strategyName)
	c.log.WithFields(logrus.Fields{"app": appID, "variant": variant.Name, "worker": worker.ID}).Info("controller: deployed variant")
	return nil
}

// stop sends a STOP message to worker and removes the placement.
func (c *Controller) stop(ctx context.Context, appID string, variant *fleet.Variant, worker *fleet.Worker) {
	c.mu.Lock()
	link, ok := c.links[worker.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	msg := transport.NewMessage(transport.TypeStop, map[string]string{
		"id":   strconv.Itoa(variant.ID),
		"name": variant.Name,
	})
	if err := link.conn.Send(ctx, msg); err != nil {
		c.log.WithError(err).Warn("controller: failed to send STOP")
		return
	}
	worker.RemoveVariant(variant.ID)
	metrics.ObserveStop("autoscaler")
	c.log.WithFields(logrus.Fields{"app": appID, "variant": variant.Name, "worker": worker.ID}).Info("controller: stopped variant")
}

func (c *Controller) onAutoscaleDeploy(appID string, variant *fleet.Variant, worker *fleet.Worker) {
	if err := c.deploy(context.Background(), appID, variant, worker); err != nil {
		c.log.WithError(err).WithField("app", appID).Warn("controller: autoscaler deploy failed")
	}
}

func (c *Controller) onAutoscaleStop(appID string, variant *fleet.Variant, worker *fleet.Worker) {
	c.stop(context.Background(), appID, variant, worker)
}
