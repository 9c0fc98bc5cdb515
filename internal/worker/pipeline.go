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

package worker

import (
	"context"
	"time"

	"github.com/yusufaye/roomie/internal/fleet"
)

// SyntheticPipeline stands in for a real model-serving backend (the
// original loads a TorchScript module and forwards a random
// (batchSize,3,224,224) tensor on a CUDA stream). It reports a duration of
// BaseLatency plus PerUnitLatency per unit of BatchSize, so callers observe
// throughput numbers without a GPU; the variant's offline profile is not
// consulted.
type SyntheticPipeline struct {
	// BaseLatency is the fixed per-call overhead charged regardless of
	// batch size.
	BaseLatency time.Duration
	// PerUnitLatency is added once per unit of batch size.
	PerUnitLatency time.Duration
}

// NewSyntheticPipeline returns a SyntheticPipeline with reasonable
// defaults for exercising the worker's daemons in tests and demos.
func NewSyntheticPipeline() *SyntheticPipeline {
	return &SyntheticPipeline{
		BaseLatency:    2 * time.Millisecond,
		PerUnitLatency: 500 * time.Microsecond,
	}
}

// RunForward sleeps for a duration proportional to variant.BatchSize,
// standing in for module.forward({input}).
func (p *SyntheticPipeline) RunForward(ctx context.Context, variant *fleet.Variant) (time.Duration, error) {
	d := p.BaseLatency + time.Duration(variant.BatchSize)*p.PerUnitLatency
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}
	return d, nil
}
