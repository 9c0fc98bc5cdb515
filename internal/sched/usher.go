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
	"math"
	"sort"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/pkg/profile"
)

// usherHeavyThreshold is the Creq/Mreq (or Mreq/Creq) ratio above which a
// variant is classified C-heavy or M-heavy rather than light.
const usherHeavyThreshold = 1.2

// usherMaxGroupSize caps how large the grouping phase lets a group grow
// before it stops merging.
const usherMaxGroupSize = 4

// UsherScheduler groups candidate placements by compute/memory complementarity
// (Creq/Mreq), pairs heavy-compute with heavy-memory variants within each
// group, and places each pair on the worker that maximises co-resident
// Creq+Mreq under the memory cap. Grounded on the original UsherScheduler,
// simplified to a single replica per variant per spec.
type UsherScheduler struct {
	base
}

// NewUsherScheduler constructs an UsherScheduler backed by cache.
func NewUsherScheduler(cache *profile.Cache) *UsherScheduler {
	return &UsherScheduler{base{cache: cache}}
}

// usherVariant pairs a candidate Variant with its Creq/Mreq metrics and the
// worker it is being evaluated against.
type usherVariant struct {
	variant *fleet.Variant
	worker  *fleet.Worker
	cReq    float64
	mReq    float64
}

func creq(v *fleet.Variant) float64 {
	kernels := v.KernelsAt(0)
	if len(kernels) == 0 {
		return 0
	}
	var sum float64
	for _, k := range kernels {
		sum += k.AchievedOccupancy
	}
	return sum / float64(len(kernels)) * 100.0
}

func mreq(v *fleet.Variant, worker *fleet.Worker) float64 {
	if worker.TotalMemory == 0 {
		return 0
	}
	return float64(v.MemoryAt(0)) / float64(worker.TotalMemory) * 100.0
}

func newUsherVariant(v *fleet.Variant, worker *fleet.Worker) usherVariant {
	return usherVariant{variant: v, worker: worker, cReq: creq(v), mReq: mreq(v, worker)}
}

func isCheavy(v usherVariant) bool {
	if v.mReq == 0 {
		return v.cReq > 0
	}
	return v.cReq/v.mReq >= usherHeavyThreshold
}

func isMheavy(v usherVariant) bool {
	if v.cReq == 0 {
		return v.mReq > 0
	}
	return v.mReq/v.cReq >= usherHeavyThreshold
}

type usherCandidate struct {
	variant *fleet.Variant
	worker  *fleet.Worker
	score   float64
}

func (s *UsherScheduler) Schedule(workers []*fleet.Worker, candidates []string) (*fleet.Variant, *fleet.Worker, bool) {
	var placed []usherCandidate
	// gigpu accumulates every worker selectWorker has placed onto during this
	// Schedule call, so later pairs in the same pass prefer an already-used
	// worker over spreading onto a cold one, per usher_scheduler.h:276-340.
	var gigpu []*fleet.Worker

	for _, variantName := range candidates {
		for _, batchSize := range fleet.AllowedBatchSizes {
			groups := s.variantGrouping(workers, variantName, batchSize)
			placed = append(placed, s.decisionConfigurationAndPlacement(groups, workers, &gigpu)...)
		}
	}

	if len(placed) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(placed, func(i, j int) bool {
		return placed[i].variant.Throughput() > placed[j].variant.Throughput()
	})

	top := placed[0]
	return top.variant, top.worker, true
}

// variantGrouping seeds one group per worker (its currently running
// variants, re-scored against that worker) plus one singleton per distinct
// hardware platform for the fresh candidate, then repeatedly merges the two
// closest groups (by |ΣCreq − ΣMreq|) until the group count reaches
// max(len(workers), 2) or the largest group reaches usherMaxGroupSize.
func (s *UsherScheduler) variantGrouping(workers []*fleet.Worker, variantName string, batchSize int) [][]usherVariant {
	seenPlatform := make(map[string]bool)
	var groups [][]usherVariant

	for _, worker := range workers {
		resident := worker.Variants()
		group := make([]usherVariant, 0, len(resident))
		for _, v := range resident {
			group = append(group, newUsherVariant(v, worker))
		}
		groups = append(groups, group)
	}

	for _, worker := range workers {
		if seenPlatform[worker.HardwarePlatform] {
			continue
		}
		seenPlatform[worker.HardwarePlatform] = true

		v, ok := s.candidateAt(worker, variantName, batchSize)
		if !ok {
			continue
		}
		groups = append(groups, []usherVariant{newUsherVariant(v, worker)})
	}

	maxGroups := len(workers)
	if maxGroups < 2 {
		maxGroups = 2
	}

	for len(groups) > maxGroups && largestGroupSize(groups) < usherMaxGroupSize {
		groups = mergeClosestPair(groups)
	}

	return groups
}

func largestGroupSize(groups [][]usherVariant) int {
	largest := 0
	for _, g := range groups {
		if len(g) > largest {
			largest = len(g)
		}
	}
	return largest
}

func groupCMReq(group []usherVariant) (float64, float64) {
	var c, m float64
	for _, v := range group {
		c += v.cReq
		m += v.mReq
	}
	return c, m
}

func mergeClosestPair(groups [][]usherVariant) [][]usherVariant {
	if len(groups) < 2 {
		return groups
	}

	bestI, bestJ := 0, 1
	bestDistance := math.Inf(1)
	for i := 0; i < len(groups); i++ {
		ci, mi := groupCMReq(groups[i])
		for j := i + 1; j < len(groups); j++ {
			cj, mj := groupCMReq(groups[j])
			distance := math.Abs((ci + cj) - (mi + mj))
			if distance < bestDistance {
				bestDistance = distance
				bestI, bestJ = i, j
			}
		}
	}

	merged := append(append([]usherVariant{}, groups[bestI]...), groups[bestJ]...)
	out := make([][]usherVariant, 0, len(groups)-1)
	for i, g := range groups {
		if i == bestI || i == bestJ {
			continue
		}
		out = append(out, g)
	}
	out = append(out, merged)
	return out
}

// decisionConfigurationAndPlacement pairs and places every group's variants.
func (s *UsherScheduler) decisionConfigurationAndPlacement(groups [][]usherVariant, workers []*fleet.Worker, gigpu *[]*fleet.Worker) []usherCandidate {
	var out []usherCandidate
	for _, group := range groups {
		out = append(out, s.placeGroup(group, workers, gigpu)...)
	}
	return out
}

// placeGroup pairs the group's variants (heaviest C-heavy with heaviest
// M-heavy, then remaining variants two at a time) and picks a worker for
// each newly-candidate (id==0) member of the pair.
func (s *UsherScheduler) placeGroup(group []usherVariant, workers []*fleet.Worker, gigpu *[]*fleet.Worker) []usherCandidate {
	var cHeavy, mHeavy, light []usherVariant
	for _, v := range group {
		switch {
		case isCheavy(v):
			cHeavy = append(cHeavy, v)
		case isMheavy(v):
			mHeavy = append(mHeavy, v)
		default:
			light = append(light, v)
		}
	}

	byWeightDesc := func(s []usherVariant) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].cReq+s[i].mReq > s[j].cReq+s[j].mReq })
	}
	byWeightDesc(cHeavy)
	byWeightDesc(mHeavy)

	type pair struct{ a, b usherVariant }
	var pairs []pair
	for len(cHeavy) > 0 && len(mHeavy) > 0 {
		pairs = append(pairs, pair{cHeavy[0], mHeavy[0]})
		cHeavy = cHeavy[1:]
		mHeavy = mHeavy[1:]
	}

	remaining := append(append(append([]usherVariant{}, cHeavy...), mHeavy...), light...)
	for len(remaining) > 0 {
		if len(remaining) == 1 {
			pairs = append(pairs, pair{remaining[0], remaining[0]})
			remaining = remaining[:0]
			continue
		}
		pairs = append(pairs, pair{remaining[0], remaining[1]})
		remaining = remaining[2:]
	}

	var out []usherCandidate
	for _, p := range pairs {
		pairCandidates := pairResidentWorkers(p.a, p.b, workers)
		for _, member := range uniqueCandidates(p.a, p.b) {
			if member.variant.ID != 0 {
				continue // already placed, nothing new to decide
			}
			worker, score, ok := s.selectWorker(member, pairCandidates, workers, gigpu)
			if !ok {
				continue
			}
			out = append(out, usherCandidate{variant: member.variant, worker: worker, score: score})
		}
	}
	return out
}

func uniqueCandidates(a, b usherVariant) []usherVariant {
	if a.variant == b.variant {
		return []usherVariant{a}
	}
	return []usherVariant{a, b}
}

// pairResidentWorkers returns the workers already hosting a or b (whichever
// pair member already has an id, i.e. is already placed), deduplicated. This
// is the GiGPU co-location preference's first source: usher_scheduler.h:280-
// 290 scans for workers currently running either pair member before falling
// back to GiGPU or a same-platform search.
func pairResidentWorkers(a, b usherVariant, workers []*fleet.Worker) []*fleet.Worker {
	var out []*fleet.Worker
	seen := make(map[*fleet.Worker]bool)
	for _, v := range [2]usherVariant{a, b} {
		if v.variant.ID == 0 {
			continue
		}
		for _, w := range workers {
			if !seen[w] && w.FindVariant(v.variant.ID) != nil {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// selectWorker picks the worker maximising co-resident Creq+Mreq for member,
// subject to the memory cap. Candidate sources are tried in order, per
// usher_scheduler.h:276-340: (1) a worker already hosting the other member of
// member's pair, (2) GiGPU — a worker selectWorker has already placed onto
// earlier in this Schedule call, (3) any same-platform worker with the most
// free memory. A worker selected here is added to GiGPU for later pairs.
func (s *UsherScheduler) selectWorker(member usherVariant, pairCandidates, workers []*fleet.Worker, gigpu *[]*fleet.Worker) (*fleet.Worker, float64, bool) {
	var candidates []*fleet.Worker
	for _, w := range pairCandidates {
		if fitsMemory(w, member.variant) {
			candidates = append(candidates, w)
		}
	}

	if len(candidates) == 0 {
		for _, w := range *gigpu {
			if fitsMemory(w, member.variant) {
				candidates = append(candidates, w)
			}
		}
	}

	if len(candidates) == 0 {
		var samePlatform []*fleet.Worker
		for _, w := range workers {
			if w.HardwarePlatform == member.variant.HardwarePlatform && fitsMemory(w, member.variant) {
				samePlatform = append(samePlatform, w)
			}
		}
		sort.SliceStable(samePlatform, func(i, j int) bool {
			return samePlatform[i].FreeMemory() > samePlatform[j].FreeMemory()
		})
		if len(samePlatform) > 0 {
			candidates = []*fleet.Worker{samePlatform[0]}
		}
	}

	if len(candidates) == 0 {
		return nil, 0, false
	}

	bestScore := math.Inf(-1)
	var bestWorker *fleet.Worker
	for _, w := range candidates {
		var total float64
		for _, resident := range w.Variants() {
			total += creq(resident) + mreq(resident, w)
		}
		total += member.cReq + member.mReq
		if total > bestScore {
			bestScore = total
			bestWorker = w
		}
	}

	seen := false
	for _, w := range *gigpu {
		if w == bestWorker {
			seen = true
			break
		}
	}
	if !seen {
		*gigpu = append(*gigpu, bestWorker)
	}

	return bestWorker, bestScore, true
}
