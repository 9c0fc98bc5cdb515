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

// Package loadbalancer implements a per-application weighted round-robin
// (WRR) dispatcher over placement keys ("{variantId}_{workerId}"), plus the
// throughput/workload-driven weight recomputation run on every profile
// update.
package loadbalancer

import (
	"math"
	"sync"
)

// wrr is one application's weighted round-robin cursor state, grounded on
// the original WeightedRoundRobinScheduling: an ordered key list, integer
// weights, and the classic GCD-decrement current-weight cursor.
type wrr struct {
	mu      sync.Mutex
	keys    []string
	weight  map[string]int
	index   int
	current int
}

func newWRR() *wrr {
	return &wrr{weight: make(map[string]int), index: -1}
}

// Set adds key with weight w, or updates its weight if already present.
func (w *wrr) Set(key string, weight int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.weight[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.weight[key] = weight
}

// Remove drops key entirely.
func (w *wrr) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, k := range w.keys {
		if k == key {
			w.keys = append(w.keys[:i], w.keys[i+1:]...)
			break
		}
	}
	delete(w.weight, key)
}

// Next returns the next key per the classic WRR GCD-decrement algorithm, or
// ("", false) if there are no keys or every weight has decayed to zero.
func (w *wrr) Next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.keys)
	if n == 0 {
		return "", false
	}
	if n == 1 {
		return w.keys[0], true
	}

	for {
		w.index = (w.index + 1) % n
		if w.index == 0 {
			g := w.weight[w.keys[0]]
			for _, k := range w.keys[1:] {
				g = gcd(g, w.weight[k])
			}
			w.current -= g

			if w.current <= 0 {
				max := 0
				for _, k := range w.keys {
					if w.weight[k] > max {
						max = w.weight[k]
					}
				}
				w.current = max
				if w.current == 0 {
					return "", false
				}
			}
		}

		if w.weight[w.keys[w.index]] >= w.current {
			return w.keys[w.index], true
		}
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// LoadBalancer holds one wrr cursor per application.
type LoadBalancer struct {
	mu    sync.Mutex
	byApp map[string]*wrr
}

// New constructs an empty LoadBalancer.
func New() *LoadBalancer {
	return &LoadBalancer{byApp: make(map[string]*wrr)}
}

func (lb *LoadBalancer) forApp(appID string) *wrr {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	w, ok := lb.byApp[appID]
	if !ok {
		w = newWRR()
		lb.byApp[appID] = w
	}
	return w
}

// Set adds or updates the weight of key under appID.
func (lb *LoadBalancer) Set(appID, key string, weight int) {
	lb.forApp(appID).Set(key, weight)
}

// Remove drops key from appID's rotation.
func (lb *LoadBalancer) Remove(appID, key string) {
	lb.mu.Lock()
	w, ok := lb.byApp[appID]
	lb.mu.Unlock()
	if ok {
		w.Remove(key)
	}
}

// Next returns the next placement key for appID, or ("", false) if appID
// has no registered placements (or has never been seen).
func (lb *LoadBalancer) Next(appID string) (string, bool) {
	lb.mu.Lock()
	w, ok := lb.byApp[appID]
	lb.mu.Unlock()
	if !ok {
		return "", false
	}
	return w.Next()
}

// PlacementLoad is one (variant, worker) placement's workload/throughput
// inputs to the weight-recomputation formula.
type PlacementLoad struct {
	Key        string // "{variantId}_{workerId}"
	Workload   float64
	Throughput float64
}

// Recompute applies the weight-recomputation formula (spec §4.4) to every
// placement of appID: raw = workload/throughput (skipping zero-throughput
// placements), total = Σ⌈raw⌉, weight = ⌈total − ⌈raw⌉⌉ + 1, saturating at
// math.MaxInt32 before the +1 to avoid signed overflow on pathological
// input.
func (lb *LoadBalancer) Recompute(appID string, placements []PlacementLoad) {
	type rawEntry struct {
		key string
		raw float64
	}

	var entries []rawEntry
	var total float64
	for _, p := range placements {
		if p.Throughput == 0 {
			continue
		}
		raw := p.Workload / p.Throughput
		entries = append(entries, rawEntry{key: p.Key, raw: raw})
		total += math.Ceil(raw)
	}

	w := lb.forApp(appID)
	for _, e := range entries {
		weight := math.Ceil(total - math.Ceil(e.raw))
		if weight > float64(math.MaxInt32) {
			weight = float64(math.MaxInt32)
		}
		w.Set(e.key, int(weight)+1)
	}
}
