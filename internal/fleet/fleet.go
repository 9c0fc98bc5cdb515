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

// Package fleet holds the live, mutable runtime state of the controller:
// deployed Variant instances, the Workers hosting them, and the
// application-to-variant-name registration table. Profile data (the
// immutable, offline-measured half of a Variant) lives in pkg/profile and is
// cloned into a Variant at schedule time.
package fleet

import (
	"sort"
	"sync"

	"github.com/yusufaye/roomie/pkg/profile"
)

// InputRateWindowSize is the fixed length of a Variant's sliding window of
// per-second arrival counts.
const InputRateWindowSize = 10

// AllowedBatchSizes enumerates the only valid batch sizes a Variant may run
// at.
var AllowedBatchSizes = [3]int{32, 64, 128}

// MaxGPUOccupancyPercent is the ceiling a deployment must respect:
// worker.PercentOccupation(candidate.Memory) must not exceed this value.
const MaxGPUOccupancyPercent = 90.0

// Variant is one deployed (or candidate, pre-deploy) model instance bound to
// a batch size and hardware platform. The offline fields (ProfileThroughput,
// Memory, Kernels) are cloned from a profile.VariantProfile at schedule time
// and are never mutated afterward; the remaining fields are live runtime
// state mutated by telemetry.
type Variant struct {
	ID               int
	Name             string
	HardwarePlatform string
	BatchSize        int

	// Offline, immutable after construction.
	ProfileThroughput map[int]float64
	Memory            map[int]uint64
	Kernels           map[int][]profile.Kernel

	// Mutable runtime state.
	QSize              int
	AchievedThroughput float64
	InputRates         [InputRateWindowSize]int
}

// NewVariantFromProfile clones the offline half of p into a candidate
// Variant with id=0, ready for a Scheduler to pick a batch size and attach a
// Worker.
func NewVariantFromProfile(p *profile.VariantProfile) *Variant {
	return &Variant{
		Name:              p.Name,
		HardwarePlatform:  p.HardwarePlatform,
		ProfileThroughput: p.Throughput,
		Memory:            p.Memory,
		Kernels:           p.Kernels,
	}
}

// Throughput returns AchievedThroughput if it has been observed at least
// once, otherwise the offline profile throughput at the current batch size.
func (v *Variant) Throughput() float64 {
	if v.AchievedThroughput > 0 {
		return v.AchievedThroughput
	}
	return v.ProfileThroughput[v.BatchSize]
}

// Workload is the current queue depth plus the sum of the input-rate
// window — the load a scheduler weighs a candidate placement against.
func (v *Variant) Workload() int {
	total := v.QSize
	for _, r := range v.InputRates {
		total += r
	}
	return total
}

// EffectiveThroughput is Throughput scaled by the input-rate window length,
// matching the original's compute_throughput (a windowed qps estimate).
func (v *Variant) EffectiveThroughput() float64 {
	return v.Throughput() * float64(len(v.InputRates))
}

// MemoryAt returns the offline memory footprint for batchSize, or the
// current batch size's footprint if batchSize is 0.
func (v *Variant) MemoryAt(batchSize int) uint64 {
	if batchSize == 0 {
		batchSize = v.BatchSize
	}
	return v.Memory[batchSize]
}

// KernelsAt returns the ordered kernel trace for batchSize, or the current
// batch size's trace if batchSize is 0.
func (v *Variant) KernelsAt(batchSize int) []profile.Kernel {
	if batchSize == 0 {
		batchSize = v.BatchSize
	}
	return v.Kernels[batchSize]
}

// UpdateFrom applies a telemetry update (identity, load, and throughput
// fields) in place, mirroring the original's Model::update.
func (v *Variant) UpdateFrom(other *Variant) {
	v.Name = other.Name
	v.QSize = other.QSize
	v.AchievedThroughput = other.AchievedThroughput
	v.BatchSize = other.BatchSize
	v.InputRates = other.InputRates
	v.HardwarePlatform = other.HardwarePlatform
}

// Worker is a live GPU host the controller's DataStore tracks. TotalMemory
// is set once by the HELLO handshake (already halved by the caller per
// spec). Deploying is a single-slot in-flight-deployment barrier: only one
// DEPLOY may be outstanding to a Worker at a time.
type Worker struct {
	ID               int
	HardwarePlatform string
	TotalMemory      uint64
	Deploying        bool

	mu       sync.RWMutex
	variants []*Variant
}

// NewWorker constructs a Worker with no hosted variants and zero total
// memory (set later by the HELLO handshake).
func NewWorker(id int, hardwarePlatform string) *Worker {
	return &Worker{ID: id, HardwarePlatform: hardwarePlatform}
}

// Variants returns a snapshot copy of the currently hosted variants, in
// hosting order.
func (w *Worker) Variants() []*Variant {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Variant, len(w.variants))
	copy(out, w.variants)
	return out
}

// AddVariant attaches variant to this worker.
func (w *Worker) AddVariant(v *Variant) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.variants = append(w.variants, v)
}

// RemoveVariant detaches the variant with the given id, if present.
func (w *Worker) RemoveVariant(variantID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, v := range w.variants {
		if v.ID == variantID {
			w.variants = append(w.variants[:i], w.variants[i+1:]...)
			return
		}
	}
}

// FindVariant returns the hosted variant with the given id, or nil.
func (w *Worker) FindVariant(variantID int) *Variant {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, v := range w.variants {
		if v.ID == variantID {
			return v
		}
	}
	return nil
}

// FreeMemory is TotalMemory minus the sum of hosted variants' memory at
// their current batch size.
func (w *Worker) FreeMemory() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var used uint64
	for _, v := range w.variants {
		used += v.MemoryAt(0)
	}
	if used > w.TotalMemory {
		return 0
	}
	return w.TotalMemory - used
}

// PercentOccupation is the percentage of TotalMemory that would be used by
// the sum of hosted variants plus extra additional bytes.
func (w *Worker) PercentOccupation(extra uint64) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.TotalMemory == 0 {
		return 100
	}
	used := extra
	for _, v := range w.variants {
		used += v.MemoryAt(0)
	}
	return float64(used) / float64(w.TotalMemory) * 100.0
}

// TotalRunningVariants returns the number of variants currently hosted.
func (w *Worker) TotalRunningVariants() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.variants)
}

// TryStartDeploying atomically claims the single-slot in-flight-deployment
// barrier: it marks the worker as deploying and returns true, or returns
// false if a DEPLOY is already outstanding.
func (w *Worker) TryStartDeploying() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Deploying {
		return false
	}
	w.Deploying = true
	return true
}

// ClearDeploying releases the in-flight-deployment barrier, called once the
// worker reports DEPLOYED (or a DEPLOY attempt fails before send).
func (w *Worker) ClearDeploying() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Deploying = false
}

// DataStore is the controller's single source of truth for the live fleet:
// registered applications and the workers backing them. Every method is
// safe for concurrent use; reads return copies so callers can never observe
// (or corrupt) internal state without going through the mutex.
type DataStore struct {
	mu           sync.Mutex
	registration map[string]map[string]struct{}
	workers      []*Worker
}

// NewDataStore constructs an empty DataStore.
func NewDataStore() *DataStore {
	return &DataStore{registration: make(map[string]map[string]struct{})}
}

// RegisterApp adds variantName to appId's registration set. Registrations
// are monotonic: an existing entry is never removed.
func (d *DataStore) RegisterApp(appID, variantName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.registration[appID]
	if !ok {
		set = make(map[string]struct{})
		d.registration[appID] = set
	}
	set[variantName] = struct{}{}
}

// Registered returns a copy of the variant names registered to appId.
func (d *DataStore) Registered(appID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.registration[appID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisteredApps returns a copy of every appId currently registered.
func (d *DataStore) RegisteredApps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.registration))
	for appID := range d.registration {
		out = append(out, appID)
	}
	sort.Strings(out)
	return out
}

// AddWorker registers a newly configured Worker with the store.
func (d *DataStore) AddWorker(w *Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append(d.workers, w)
}

// Workers returns a copy of the slice of tracked workers (the *Worker
// pointers themselves are shared and internally synchronised).
func (d *DataStore) Workers() []*Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Worker, len(d.workers))
	copy(out, d.workers)
	return out
}

// FindWorker returns the tracked worker with the given id, or nil.
func (d *DataStore) FindWorker(id int) *Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// FindVariant scans every tracked worker for a hosted variant with the
// given id, returning the variant and its owning worker, or (nil, nil).
func (d *DataStore) FindVariant(variantID int) (*Variant, *Worker) {
	for _, w := range d.Workers() {
		if v := w.FindVariant(variantID); v != nil {
			return v, w
		}
	}
	return nil, nil
}
