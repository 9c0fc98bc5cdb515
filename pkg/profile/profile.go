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

// Package profile provides a thread-safe, lazily-populated cache of
// per-(hardware, variant) profiling metadata collected offline: kernel
// traces, per-batch-size memory footprints, and per-batch-size measured
// inference times. Entries are immutable once inserted.
package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Kernel is one GPU launch within a variant's forward pass at a given batch
// size, characterised by duration and occupancy. Kernels within a variant
// are ordered (the order they execute in).
type Kernel struct {
	Name                     string
	DurationMicros           float64
	GridDimX, GridDimY       int
	GridDimZ                 int
	BlockDimX, BlockDimY     int
	BlockDimZ                int
	RegistersPerThread       int
	StaticSharedMemPerBlock  float64
	DynamicSharedMemPerBlock float64
	AchievedOccupancy        float64 // fraction of SM warp capacity, 0..1
}

// VariantProfile is the immutable, offline-measured metadata for one
// (hardwarePlatform, variantName) pair. Nil/zero-valued maps mean the
// corresponding artifact was missing at load time (spec §4.1, §7.3): a batch
// size absent from Throughput is not deployable.
type VariantProfile struct {
	HardwarePlatform string
	Name             string

	// Throughput holds the measured qps per batch size. A batch size whose
	// throughput is 0 (missing or unmeasured) is not deployable at that size.
	Throughput map[int]float64
	// Memory holds the reserved bytes per batch size.
	Memory map[int]uint64
	// Kernels holds the ordered kernel trace per batch size.
	Kernels map[int][]Kernel
}

// KernelsFor returns the ordered kernel trace for batchSize, or nil if none
// was recorded.
func (p *VariantProfile) KernelsFor(batchSize int) []Kernel {
	return p.Kernels[batchSize]
}

// InitialDuration returns the sum of kernel durations for batchSize — the
// isolated (uncontended) forward-pass duration used by the Roomie heuristic.
func (p *VariantProfile) InitialDuration(batchSize int) float64 {
	var total float64
	for _, k := range p.Kernels[batchSize] {
		total += k.DurationMicros
	}
	return total
}

// ArtifactLoader reads the three on-disk artifact kinds for one variant.
// Implementations that can't find an artifact return an empty
// map/slice and a nil error (spec §4.1: a missing artifact leaves the
// corresponding map empty, it is not a hard failure of the load).
type ArtifactLoader interface {
	LoadKernels(hardware, variantName string) (map[int][]Kernel, error)
	LoadMemory(hardware, variantName string) (map[int]uint64, error)
	LoadInferenceTimes(hardware, variantName string) (map[int][]float64, error)
}

// Cache is a thread-safe, lazily-populated, process-wide cache of
// VariantProfile keyed by (hardwarePlatform, variantName). Safe for
// concurrent use by every Scheduler implementation.
type Cache struct {
	loader  ArtifactLoader
	entries sync.Map // key string -> *VariantProfile
}

// NewCache constructs a Cache backed by the given ArtifactLoader.
func NewCache(loader ArtifactLoader) *Cache {
	return &Cache{loader: loader}
}

func cacheKey(hardware, variantName string) string {
	return hardware + "_" + variantName
}

// Load returns the VariantProfile for (hardware, variantName), populating it
// on first access. Load is idempotent: concurrent and repeated calls for the
// same key return the exact same *VariantProfile.
func (c *Cache) Load(hardware, variantName string) (*VariantProfile, error) {
	key := cacheKey(hardware, variantName)

	// Fast path: already cached, no allocation, no loader call.
	if v, ok := c.entries.Load(key); ok {
		return v.(*VariantProfile), nil
	}

	profile, err := c.build(hardware, variantName)
	if err != nil {
		return nil, err
	}

	// Publish; if another goroutine won the race, reuse its result so that
	// every caller for this key observes the same pointer.
	actual, _ := c.entries.LoadOrStore(key, profile)
	return actual.(*VariantProfile), nil
}

func (c *Cache) build(hardware, variantName string) (*VariantProfile, error) {
	kernels, err := c.loader.LoadKernels(hardware, variantName)
	if err != nil {
		return nil, fmt.Errorf("profile: load kernels for %s/%s: %w", hardware, variantName, err)
	}
	memory, err := c.loader.LoadMemory(hardware, variantName)
	if err != nil {
		return nil, fmt.Errorf("profile: load memory for %s/%s: %w", hardware, variantName, err)
	}
	samples, err := c.loader.LoadInferenceTimes(hardware, variantName)
	if err != nil {
		return nil, fmt.Errorf("profile: load inference times for %s/%s: %w", hardware, variantName, err)
	}

	throughput := make(map[int]float64, len(samples))
	for batchSize, times := range samples {
		if len(times) == 0 {
			continue
		}
		medianTime := median(times)
		if medianTime <= 0 {
			continue
		}
		throughput[batchSize] = float64(batchSize) / medianTime
	}

	if kernels == nil {
		kernels = map[int][]Kernel{}
	}
	if memory == nil {
		memory = map[int]uint64{}
	}

	return &VariantProfile{
		HardwarePlatform: hardware,
		Name:             variantName,
		Throughput:       throughput,
		Memory:           memory,
		Kernels:          kernels,
	}, nil
}

// median returns the median of a slice of float64, matching the original
// source's even-length tie-break (average of the two middle elements).
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
