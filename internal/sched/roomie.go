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

package sched

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/pkg/profile"
)

// RoomieInterferenceProbability is the per-cell Bernoulli draw probability
// used by the co-location interference heuristic.
const RoomieInterferenceProbability = 0.8

// RoomieScheduler picks the (variant, worker, batchSize) triple whose
// simulated co-location performance drop is lowest on average, caching
// simulated perf-drop vectors by a (hardware, sorted "name_batchSize"...)
// key so repeated placements onto the same co-resident set don't re-run the
// heuristic. Grounded on the original RoomieScheduler.
type RoomieScheduler struct {
	base
	history map[string][]float64
	rng     *rand.Rand
}

// NewRoomieScheduler constructs a RoomieScheduler backed by cache.
func NewRoomieScheduler(cache *profile.Cache) *RoomieScheduler {
	return &RoomieScheduler{
		base:    base{cache: cache},
		history: make(map[string][]float64),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
}

type roomieCandidate struct {
	variant  *fleet.Variant
	worker   *fleet.Worker
	perfDrop []float64
}

func (s *RoomieScheduler) Schedule(workers []*fleet.Worker, candidates []string) (*fleet.Variant, *fleet.Worker, bool) {
	var simulations []roomieCandidate

	for _, variantName := range candidates {
		for _, worker := range workers {
			results, err := s.simulate(worker, variantName)
			if err != nil {
				// An invariant violation aborts the whole scheduling call.
				return nil, nil, false
			}
			simulations = append(simulations, results...)
		}
	}

	if len(simulations) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(simulations, func(i, j int) bool {
		return mean(simulations[i].perfDrop) < mean(simulations[j].perfDrop)
	})

	best := simulations[0]
	return best.variant, best.worker, true
}

func (s *RoomieScheduler) simulate(worker *fleet.Worker, variantName string) ([]roomieCandidate, error) {
	var results []roomieCandidate
	for _, batchSize := range fleet.AllowedBatchSizes {
		v, ok := s.candidateAt(worker, variantName, batchSize)
		if !ok || !fitsMemory(worker, v) {
			continue
		}

		perfDrop, err := s.perfDropFor(worker, v)
		if err != nil {
			return nil, err
		}
		results = append(results, roomieCandidate{variant: v, worker: worker, perfDrop: perfDrop})
	}
	return results, nil
}

func (s *RoomieScheduler) perfDropFor(worker *fleet.Worker, candidate *fleet.Variant) ([]float64, error) {
	resident := worker.Variants()
	if len(resident) == 0 {
		return []float64{0.0}, nil
	}

	models := append([]*fleet.Variant{candidate}, resident...)
	key := buildRoomieKey(worker.HardwarePlatform, models)
	if cached, ok := s.history[key]; ok {
		return cached, nil
	}

	durations, newDurations, err := s.heuristicRoomie(models)
	if err != nil {
		return nil, err
	}

	perfDrop := make([]float64, len(models))
	for i := range models {
		perfDrop[i] = (newDurations[i] - durations[i]) / newDurations[i]
	}
	s.history[key] = perfDrop
	return perfDrop, nil
}

func buildRoomieKey(hardwarePlatform string, models []*fleet.Variant) string {
	parts := make([]string, len(models))
	for i, m := range models {
		parts[i] = m.Name + "_" + strconv.Itoa(m.BatchSize)
	}
	sort.Strings(parts)
	return hardwarePlatform + "_" + strings.Join(parts, "+")
}

// heuristicRoomie estimates each model's forward-pass duration once
// co-located with the others in models, by running a Bernoulli-masked
// kernel-duration simulation against every other model's tapered duration
// window. Returns the isolated durations and the co-located (interfered)
// durations, componentwise comparable.
func (s *RoomieScheduler) heuristicRoomie(models []*fleet.Variant) (durations, newDurations []float64, err error) {
	n := len(models)
	durations = make([]float64, n)
	newDurations = make([]float64, n)
	lengths := make([]int, n)
	masks := make([][][]float64, n)

	for i, m := range models {
		kernels := m.KernelsAt(0)
		var isolated float64
		for _, k := range kernels {
			isolated += k.DurationMicros
		}
		durations[i] = isolated
		newDurations[i] = durations[i]
		lengths[i] = len(kernels)
		opDurations := make([]float64, len(kernels))
		for k, kernel := range kernels {
			opDurations[k] = kernel.DurationMicros
		}
		masks[i] = createMask(opDurations)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if lengths[j] == 0 {
				continue
			}
			p := int(math.Ceil(float64(lengths[i]) / float64(lengths[j]) / 2))

			sums := make([]float64, len(masks[j]))
			for row, sample := range masks[j] {
				var sum float64
				for _, v := range sample {
					if s.rng.Float64() < RoomieInterferenceProbability {
						sum += v
					}
				}
				sums[row] = sum
			}
			newDurations[i] += float64(p) * median(sums)
		}
	}

	for i := range newDurations {
		if newDurations[i] < durations[i] {
			return nil, nil, fmt.Errorf("sched: roomie invariant violated for %s (d'=%v < d=%v)", models[i].Name, newDurations[i], durations[i])
		}
	}

	return durations, newDurations, nil
}

// createMask builds the tapered M x L window described in the interference
// heuristic: M = min(ceil(L/2), 5) forced odd; row `pad-1` zeroes the first
// `pad` columns and row `M-pad` zeroes the last `pad` columns, for
// pad = 1..M/2.
func createMask(arr []float64) [][]float64 {
	l := len(arr)
	if l == 0 {
		return nil
	}
	m := int(math.Ceil(float64(l) / 2.0))
	if m > 5 {
		m = 5
	}
	if m%2 == 0 {
		m++
	}

	mask := make([][]float64, m)
	for i := range mask {
		mask[i] = make([]float64, l)
		for j := range mask[i] {
			mask[i][j] = 1.0
		}
	}

	maxPad := m / 2
	for pad := 1; pad <= maxPad; pad++ {
		for j := 0; j < pad && j < l; j++ {
			mask[pad-1][j] = 0.0
		}
		for j := l - pad; j < l; j++ {
			if j < 0 {
				continue
			}
			mask[m-pad][j] = 0.0
		}
	}

	result := make([][]float64, m)
	for i := 0; i < m; i++ {
		result[i] = make([]float64, l)
		for j := 0; j < l; j++ {
			result[i][j] = arr[j] * mask[i][j]
		}
	}
	return result
}

// median returns the median of values, averaging the two middle elements
// for an even-length slice (matching pkg/profile's tie-break).
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

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
