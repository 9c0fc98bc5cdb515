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

// Package sched implements the three interchangeable placement strategies
// (INFaaS, Roomie, Usher) that decide which Variant to place on which
// Worker. Every Scheduler is a pure function of the fleet snapshot it is
// given: it never mutates a Worker or talks to the profile cache directly
// beyond reading profile metadata through the shared per-(hardware, name)
// cache grounded in pkg/profile.
package sched

import (
	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/pkg/profile"
)

// Scheduler picks one (Variant, Worker) placement for one of the given
// candidate variant names, or reports that none is feasible.
type Scheduler interface {
	Schedule(workers []*fleet.Worker, candidates []string) (*fleet.Variant, *fleet.Worker, bool)
}

// base holds the profile cache every strategy loads metadata through,
// mirroring the original Scheduler::load_model_metadata cache-by-key idiom.
type base struct {
	cache *profile.Cache
}

func (b *base) loadProfile(hardwarePlatform, variantName string) (*profile.VariantProfile, error) {
	return b.cache.Load(hardwarePlatform, variantName)
}

// candidateAt builds a fresh candidate Variant for variantName at batchSize
// on worker's hardware platform, or (nil, false) if the profile has no
// throughput recorded for batchSize (non-deployable).
func (b *base) candidateAt(worker *fleet.Worker, variantName string, batchSize int) (*fleet.Variant, bool) {
	p, err := b.loadProfile(worker.HardwarePlatform, variantName)
	if err != nil || p == nil {
		return nil, false
	}
	if p.Throughput[batchSize] == 0 {
		return nil, false
	}
	v := fleet.NewVariantFromProfile(p)
	v.BatchSize = batchSize
	return v, true
}

func fitsMemory(worker *fleet.Worker, v *fleet.Variant) bool {
	return worker.PercentOccupation(v.MemoryAt(0)) <= fleet.MaxGPUOccupancyPercent
}
