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

// Package worker implements the worker-process side of the choreography:
// it accepts DEPLOY/QUERY/STOP from the controller, runs one inference
// daemon per deployed variant, and periodically reports input-rate and
// throughput telemetry back.
package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/internal/metrics"
	"github.com/yusufaye/roomie/internal/transport"
)

// InputRateMonitorInterval is how often the input-rate window shifts in a
// new per-second arrival count, per the original's monitor_incoming_data.
const InputRateMonitorInterval = time.Second

// TelemetryInterval is how often a PROFILE_DATA report is sent upstream,
// per the original's monitor_daemon.
const TelemetryInterval = 5 * time.Second

// InferencePipeline executes one forward pass for variant and returns the
// wall-clock duration it took. Swappable so tests can avoid running real
// GPU work; cmd/worker wires SyntheticPipeline for every device, standing in
// for the original's torch::jit module.forward on a synthetic
// (batchSize,3,224,224) input.
type InferencePipeline interface {
	RunForward(ctx context.Context, variant *fleet.Variant) (time.Duration, error)
}

// runningVariant is one deployed variant's live worker-side bookkeeping.
type runningVariant struct {
	variant *fleet.Variant

	mu          sync.Mutex
	numReceived int
	lastSample  int

	tokens chan struct{} // one token per queued inference unit
	stop   chan struct{} // closed to end the inference loop
}

// Worker is the deployment/inference/telemetry side of one worker process.
type Worker struct {
	ID               int
	HardwarePlatform string

	log      *logrus.Entry
	pipeline InferencePipeline
	conn     transport.Conn

	mu       sync.Mutex
	running  map[int]*runningVariant
	totalMem uint64

	deployCh chan transport.Message
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// New constructs a Worker. conn is the worker's single outgoing connection
// to the controller. A nil log defaults to the standard logger.
func New(hardwarePlatform string, pipeline InferencePipeline, conn transport.Conn, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		HardwarePlatform: hardwarePlatform,
		log:              log,
		pipeline:         pipeline,
		conn:             conn,
		running:          make(map[int]*runningVariant),
		deployCh:         make(chan transport.Message, 64),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the deployment, input-rate-monitor, and telemetry daemons.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(3)
	go func() { defer w.wg.Done(); w.deploymentDaemon(ctx) }()
	go func() { defer w.wg.Done(); w.inputRateMonitorDaemon(ctx) }()
	go func() { defer w.wg.Done(); w.telemetryDaemon(ctx) }()
}

// Stop halts every daemon and every running inference loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	close(w.deployCh)

	w.mu.Lock()
	for _, rv := range w.running {
		close(rv.stop)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// Dispatch routes an inbound Message, per the original's
// WorkerEngine::push.
func (w *Worker) Dispatch(ctx context.Context, msg transport.Message) {
	switch msg.Type {
	case transport.TypeHello:
		w.handleHello(ctx, msg)
	case transport.TypeDeploy:
		w.deployCh <- msg
	case transport.TypeQuery:
		w.handleQuery(msg)
	case transport.TypeStop:
		w.handleStop(msg)
	}
}

func (w *Worker) handleHello(ctx context.Context, msg transport.Message) {
	workerID, err := strconv.Atoi(msg.Get("worker_id"))
	if err != nil {
		w.log.WithError(err).Warn("worker: malformed HELLO worker_id")
		return
	}
	w.ID = workerID

	reply := transport.NewMessage(transport.TypeHello, map[string]string{
		"worker_id": msg.Get("worker_id"),
		"total_mem": strconv.FormatUint(w.totalMem, 10),
	})
	if err := w.conn.Send(ctx, reply); err != nil {
		w.log.WithError(err).Warn("worker: failed to reply to HELLO")
	}
}

// SetTotalMemory records the GPU's total memory, to be reported on the next
// HELLO handshake (cmd/worker passes a fixed capacity in place of a CUDA
// memory query; tests set it directly).
func (w *Worker) SetTotalMemory(bytes uint64) {
	w.totalMem = bytes
}

func (w *Worker) handleQuery(msg transport.Message) {
	variantID, err := strconv.Atoi(msg.Get("variant_id"))
	if err != nil {
		return
	}
	w.mu.Lock()
	rv, ok := w.running[variantID]
	w.mu.Unlock()
	if !ok {
		return
	}

	rv.mu.Lock()
	batchSize, _ := strconv.Atoi(msg.Get("batch_size"))
	rv.numReceived += batchSize
	rv.mu.Unlock()

	select {
	case rv.tokens <- struct{}{}:
	default:
		// Backlog full: the inference daemon is behind; drop rather than
		// block the dispatch loop, matching the original's fire-and-forget
		// BlockingQueue::push semantics (unbounded there, bounded here).
	}
}

func (w *Worker) handleStop(msg transport.Message) {
	variantID, err := strconv.Atoi(msg.Get("id"))
	if err != nil {
		return
	}
	w.mu.Lock()
	rv, ok := w.running[variantID]
	if ok {
		delete(w.running, variantID)
	}
	w.mu.Unlock()
	if ok {
		close(rv.stop)
	}
}

// deploymentDaemon consumes DEPLOY messages and spawns one inference daemon
// per deployed variant, per the original's deployment_daemon.
func (w *Worker) deploymentDaemon(ctx context.Context) {
	for msg := range w.deployCh {
		id, err1 := strconv.Atoi(msg.Get("id"))
		batchSize, err2 := strconv.Atoi(msg.Get("batch_size"))
		if err1 != nil || err2 != nil {
			w.log.Warn("worker: malformed DEPLOY message")
			continue
		}

		variant := &fleet.Variant{ID: id, Name: msg.Get("name"), BatchSize: batchSize, HardwarePlatform: w.HardwarePlatform}
		rv := &runningVariant{variant: variant, tokens: make(chan struct{}, 4096), stop: make(chan struct{})}

		w.mu.Lock()
		w.running[id] = rv
		w.mu.Unlock()

		w.wg.Add(1)
		go func() { defer w.wg.Done(); w.inferenceDaemon(ctx, rv) }()
	}
}

// inferenceDaemon prewarms variant, reports DEPLOYED, then repeatedly pops
// one token (one forwarded QUERY batch) and runs one forward pass, per the
// original's run_inference.
func (w *Worker) inferenceDaemon(ctx context.Context, rv *runningVariant) {
	variant := rv.variant

	if _, err := w.pipeline.RunForward(ctx, variant); err != nil {
		w.log.WithError(err).WithField("variant", variant.Name).Warn("worker: prewarm failed")
		return
	}

	deployedMsg := transport.NewMessage(transport.TypeDeployed, map[string]string{
		"worker_id":    strconv.Itoa(w.ID),
		"free_memory":  strconv.FormatUint(w.freeMemory(), 10),
		"total_memory": strconv.FormatUint(w.totalMem, 10),
	})
	if err := w.conn.Send(ctx, deployedMsg); err != nil {
		w.log.WithError(err).Warn("worker: failed to send DEPLOYED")
	}

	for {
		select {
		case <-rv.stop:
			return
		case <-ctx.Done():
			return
		case <-rv.tokens:
		}

		duration, err := w.pipeline.RunForward(ctx, variant)
		if err != nil {
			w.log.WithError(err).WithField("variant", variant.Name).Warn("worker: inference failed")
			continue
		}

		variant.AchievedThroughput = float64(variant.BatchSize) / duration.Seconds()
		metrics.ObserveInferenceDuration(variant.Name, duration)
		w.log.WithFields(logrus.Fields{
			"variant":  variant.Name,
			"duration": duration,
		}).Debug("worker: inference complete")
	}
}

func (w *Worker) freeMemory() uint64 {
	return w.totalMem
}

// inputRateMonitorDaemon shifts each running variant's input-rate window
// once per InputRateMonitorInterval, per the original's
// monitor_incoming_data.
func (w *Worker) inputRateMonitorDaemon(ctx context.Context) {
	ticker := time.NewTicker(InputRateMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.shiftInputRates()
		}
	}
}

func (w *Worker) shiftInputRates() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rv := range w.running {
		rv.mu.Lock()
		delta := rv.numReceived - rv.lastSample
		rv.lastSample = rv.numReceived
		rv.mu.Unlock()

		n := len(rv.variant.InputRates)
		for i := n - 1; i > 0; i-- {
			rv.variant.InputRates[i] = rv.variant.InputRates[i-1]
		}
		rv.variant.InputRates[0] = delta
	}
}

// telemetryDaemon reports every running variant's throughput and
// input-rate window upstream once per TelemetryInterval, per the
// original's monitor_daemon.
func (w *Worker) telemetryDaemon(ctx context.Context) {
	ticker := time.NewTicker(TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reportTelemetry(ctx)
		}
	}
}

type variantReport struct {
	VariantID   int     `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	Throughput  float64 `json:"throughput"`
	InputRate   []int   `json:"input_rate"`
}

func (w *Worker) reportTelemetry(ctx context.Context) {
	w.mu.Lock()
	reports := make([]variantReport, 0, len(w.running))
	for _, rv := range w.running {
		rates := make([]int, len(rv.variant.InputRates))
		copy(rates, rv.variant.InputRates[:])
		reports = append(reports, variantReport{
			VariantID:   rv.variant.ID,
			VariantName: rv.variant.Name,
			Throughput:  rv.variant.Throughput(),
			InputRate:   rates,
		})
	}
	w.mu.Unlock()

	payload, err := json.Marshal(reports)
	if err != nil {
		w.log.WithError(err).Warn("worker: failed to encode telemetry")
		return
	}

	msg := transport.NewMessage(transport.TypeProfileData, map[string]string{
		"worker_id": strconv.Itoa(w.ID),
		"variants":  string(payload),
	})
	if err := w.conn.Send(ctx, msg); err != nil {
		w.log.WithError(err).Warn("worker: failed to send PROFILE_DATA")
	}
}
