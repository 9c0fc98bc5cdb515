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
	"sort"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/pkg/profile"
)

// INFaaSScheduler greedily sorts every feasible (variant, worker, batchSize)
// triple by throughput, then by the hosting worker's free memory, and
// returns the top. Grounded on the original INFaaSScheduler::get_variant —
// the original's fallback pass is byte-identical to its first pass and is
// collapsed into a single pass here (see the grounding ledger).
type INFaaSScheduler struct {
	base
}

// NewINFaaSScheduler constructs an INFaaSScheduler backed by cache.
func NewINFaaSScheduler(cache *profile.Cache) *INFaaSScheduler {
	return &INFaaSScheduler{base{cache: cache}}
}

type infaasCandidate struct {
	variant *fleet.Variant
	worker  *fleet.Worker
}

func (s *INFaaSScheduler) Schedule(workers []*fleet.Worker, candidates []string) (*fleet.Variant, *fleet.Worker, bool) {
	var survivors []infaasCandidate

	for _, variantName := range candidates {
		for _, worker := range workers {
			for _, batchSize := range fleet.AllowedBatchSizes {
				v, ok := s.candidateAt(worker, variantName, batchSize)
				if !ok || !fitsMemory(worker, v) {
					continue
				}
				survivors = append(survivors, infaasCandidate{variant: v, worker: worker})
			}
		}
	}

	if len(survivors) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		ta, tb := a.variant.Throughput(), b.variant.Throughput()
		if ta != tb {
			return ta > tb
		}
		return a.worker.FreeMemory() > b.worker.FreeMemory()
	})

	top := survivors[0]
	return top.variant, top.worker, true
}
