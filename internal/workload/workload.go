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

// Package workload implements the query+registration generator: it
// REGISTERs a fixed domain of application ids, replays a recorded arrival
// trace (one per application) against the controller as QUERY messages, and
// reports FINISHED once every trace is exhausted. Grounded on the original
// PoissonZipfQueryGenerator.
package workload

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yusufaye/roomie/internal/transport"
)

// Trace is one application's recorded arrival times, in seconds since the
// run started.
type Trace struct {
	AppID      string
	Timestamps []float64
}

// LoadCSVTrace reads a two-column "timestamp,model" CSV (per the original's
// io::CSVReader<2>) and buckets rows into one Trace per distinct model
// index, keeping only timestamps within [0, durationSeconds]. domain maps a
// row's integer model index to an application id, cycling if the trace has
// more distinct indices than domain entries.
func LoadCSVTrace(r io.Reader, domain []string, durationSeconds float64) ([]Trace, error) {
	if len(domain) == 0 {
		return nil, fmt.Errorf("workload: domain must not be empty")
	}

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("workload: reading trace header: %w", err)
	}
	tsCol, modelCol := -1, -1
	for i, name := range header {
		switch name {
		case "timestamp":
			tsCol = i
		case "model":
			modelCol = i
		}
	}
	if tsCol < 0 || modelCol < 0 {
		return nil, fmt.Errorf("workload: trace header missing timestamp/model columns")
	}

	byIndex := make(map[int][]float64)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("workload: reading trace row: %w", err)
		}
		ts, err := strconv.ParseFloat(row[tsCol], 64)
		if err != nil {
			continue
		}
		idx, err := strconv.Atoi(row[modelCol])
		if err != nil {
			continue
		}
		if ts <= durationSeconds {
			byIndex[idx] = append(byIndex[idx], ts)
		}
	}

	n := len(domain)
	byApp := make(map[string][]float64)
	for idx, timestamps := range byIndex {
		appID := domain[idx%n]
		byApp[appID] = append(byApp[appID], timestamps...)
	}

	traces := make([]Trace, 0, len(byApp))
	for appID, timestamps := range byApp {
		sort.Float64s(timestamps)
		traces = append(traces, Trace{AppID: appID, Timestamps: timestamps})
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].AppID < traces[j].AppID })
	return traces, nil
}

// Generator drives one replay of a set of Traces against a controller
// connection: REGISTER every domain entry up front, then fan out one
// goroutine per Trace pacing QUERY messages at the recorded inter-arrival
// gaps, per the original's run()/sendQueries().
type Generator struct {
	conn   transport.Conn
	domain []string
	traces []Trace
	log    *logrus.Entry

	mu      sync.Mutex
	counter map[string]int
}

// New constructs a Generator that will REGISTER domain and replay traces
// over conn.
func New(conn transport.Conn, domain []string, traces []Trace, log *logrus.Entry) *Generator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Generator{conn: conn, domain: domain, traces: traces, log: log, counter: make(map[string]int)}
}

// Run registers the domain, replays every trace to completion (or until ctx
// is cancelled), and sends FINISHED. It blocks until every trace daemon
// returns.
func (g *Generator) Run(ctx context.Context) error {
	data := make(map[string]string, len(g.domain))
	for _, name := range g.domain {
		data[name] = name
	}
	if err := g.conn.Send(ctx, transport.NewMessage(transport.TypeRegister, data)); err != nil {
		return fmt.Errorf("workload: sending REGISTER: %w", err)
	}
	g.log.WithField("domain", g.domain).Debug("workload: registered application domain")

	var wg sync.WaitGroup
	for _, tr := range g.traces {
		wg.Add(1)
		go func(tr Trace) {
			defer wg.Done()
			g.sendQueries(ctx, tr)
		}(tr)
	}
	wg.Wait()

	return g.conn.Send(ctx, transport.Message{Type: transport.TypeFinished})
}

// sendQueries paces one trace's QUERY messages at its recorded inter-arrival
// gaps, per the original's sendQueries.
func (g *Generator) sendQueries(ctx context.Context, tr Trace) {
	var elapsed float64
	for _, ts := range tr.Timestamps {
		gap := time.Duration((ts - elapsed) * float64(time.Second))
		if gap > 0 {
			timer := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		msg := transport.NewMessage(transport.TypeQuery, map[string]string{"app_id": tr.AppID})
		if err := g.conn.Send(ctx, msg); err != nil {
			g.log.WithError(err).Warn("workload: failed to send QUERY")
			return
		}

		elapsed = ts
		g.mu.Lock()
		g.counter[tr.AppID]++
		g.mu.Unlock()
	}
}

// Counter returns a snapshot of per-application queries sent so far.
func (g *Generator) Counter() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.counter))
	for k, v := range g.counter {
		out[k] = v
	}
	return out
}
