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

package profile

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileArtifactLoader reads the three on-disk artifact kinds from a directory
// tree rooted at WorkDir, one subdirectory per hardware platform:
//
//	<WorkDir>/<hardware>/kernels/<variant>.json       (preprocessed kernel trace)
//	<WorkDir>/<hardware>/memory/<variant>.csv         (batch_size,total_reserved)
//	<WorkDir>/<hardware>/inference/<variant>.csv      (batch_size,inference_time)
//
// A missing file is not an error: the corresponding artifact is reported as
// empty, per spec §4.1/§7.3 (the variant becomes non-deployable at whichever
// batch sizes it is missing throughput for).
type FileArtifactLoader struct {
	WorkDir string
}

// NewFileArtifactLoader constructs a loader rooted at workDir.
func NewFileArtifactLoader(workDir string) *FileArtifactLoader {
	return &FileArtifactLoader{WorkDir: workDir}
}

type rawKernel struct {
	Name                     string  `json:"kernel_name"`
	GridDimX                 int     `json:"grid_dim_x"`
	GridDimY                 int     `json:"grid_dim_y"`
	GridDimZ                 int     `json:"grid_dim_z"`
	BlockDimX                int     `json:"block_dim_x"`
	BlockDimY                int     `json:"block_dim_y"`
	BlockDimZ                int     `json:"block_dim_z"`
	RegistersPerThread       int     `json:"register_per_thread"`
	DurationMicros           float64 `json:"duration"`
	StaticSharedMemPerBlock  float64 `json:"static_shared_memory_per_block"`
	DynamicSharedMemPerBlock float64 `json:"dynamic_shared_memory_per_block"`
	AchievedOccupancy        float64 `json:"achieved_occupancy"`
}

// LoadKernels reads the per-batch-size kernel trace JSON file. The file is a
// JSON object keyed by batch size string, each value an ordered array of
// kernels.
func (l *FileArtifactLoader) LoadKernels(hardware, variantName string) (map[int][]Kernel, error) {
	path := filepath.Join(l.WorkDir, hardware, "kernels", variantName+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[int][]Kernel{}, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string][]rawKernel
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse kernel trace %s: %w", path, err)
	}

	kernels := make(map[int][]Kernel, len(raw))
	for bsStr, list := range raw {
		bs, err := strconv.Atoi(bsStr)
		if err != nil {
			return nil, fmt.Errorf("parse kernel trace %s: invalid batch size key %q: %w", path, bsStr, err)
		}
		converted := make([]Kernel, 0, len(list))
		for _, k := range list {
			converted = append(converted, Kernel{
				Name:                     k.Name,
				DurationMicros:           k.DurationMicros,
				GridDimX:                 k.GridDimX,
				GridDimY:                 k.GridDimY,
				GridDimZ:                 k.GridDimZ,
				BlockDimX:                k.BlockDimX,
				BlockDimY:                k.BlockDimY,
				BlockDimZ:                k.BlockDimZ,
				RegistersPerThread:       k.RegistersPerThread,
				StaticSharedMemPerBlock:  k.StaticSharedMemPerBlock,
				DynamicSharedMemPerBlock: k.DynamicSharedMemPerBlock,
				AchievedOccupancy:        k.AchievedOccupancy,
			})
		}
		kernels[bs] = converted
	}
	return kernels, nil
}

// LoadMemory reads a CSV file with header "batch_size,total_reserved".
func (l *FileArtifactLoader) LoadMemory(hardware, variantName string) (map[int]uint64, error) {
	path := filepath.Join(l.WorkDir, hardware, "memory", variantName+".csv")
	rows, err := readCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]uint64{}, nil
		}
		return nil, err
	}

	memory := make(map[int]uint64, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		bs, err := strconv.Atoi(row[0])
		if err != nil {
			continue
		}
		bytes, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			continue
		}
		memory[bs] = bytes
	}
	return memory, nil
}

// LoadInferenceTimes reads a CSV file with header "batch_size,inference_time"
// and groups repeated samples for the same batch size for median computation.
func (l *FileArtifactLoader) LoadInferenceTimes(hardware, variantName string) (map[int][]float64, error) {
	path := filepath.Join(l.WorkDir, hardware, "inference", variantName+".csv")
	rows, err := readCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int][]float64{}, nil
		}
		return nil, err
	}

	samples := make(map[int][]float64)
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		bs, err := strconv.Atoi(row[0])
		if err != nil {
			continue
		}
		t, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			continue
		}
		samples[bs] = append(samples[bs], t)
	}
	return samples, nil
}

// readCSV reads path as CSV and drops the header row if present (detected by
// a non-numeric first field).
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv %s: %w", path, err)
	}
	if len(records) == 0 {
		return records, nil
	}
	if _, err := strconv.Atoi(records[0][0]); err != nil {
		records = records[1:]
	}
	return records, nil
}
