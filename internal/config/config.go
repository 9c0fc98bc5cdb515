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

// Package config loads the one-JSON-file-per-process configuration shared
// by the generator, controller, and worker binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Process type tags, matching the "type" field of the configuration file.
const (
	TypeGenerator  = "PoissonZipfQueryGenerator"
	TypeController = "Controller"
	TypeWorker     = "WorkerEngine"
)

// Scheduling strategy names accepted by a Controller's parameters.scheduling
// field. Anything other than the two named strategies selects Roomie.
const (
	SchedulingINFaaS = "INFaaSSchaduling"
	SchedulingUsher  = "UsherSchaduling"
)

// RemoteEngine is one entry of a process's remote_engines list: a peer it
// dials on startup.
type RemoteEngine struct {
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

// Config is the top-level, one-file-per-process configuration shape.
type Config struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Host          string          `json:"host"`
	Port          int             `json:"port"`
	Parameters    json.RawMessage `json:"parameters"`
	RemoteEngines []RemoteEngine  `json:"remote_engines"`
}

// GeneratorParameters is the parameters shape for type=PoissonZipfQueryGenerator.
type GeneratorParameters struct {
	// Duration is in minutes.
	Duration int      `json:"duration"`
	QPS      float64  `json:"qps"`
	Domain   []string `json:"domain"`
	Path     string   `json:"path"`
}

// ControllerParameters is the parameters shape for type=Controller.
type ControllerParameters struct {
	Scheduling string `json:"scheduling"`
	LogDir     string `json:"log_dir"`
}

// WorkerParameters is the parameters shape for type=WorkerEngine.
type WorkerParameters struct {
	Device           int    `json:"device"`
	HardwarePlatform string `json:"hardware_platform"`
	LogDir           string `json:"log_dir"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Generator decodes Parameters as GeneratorParameters.
func (c *Config) Generator() (GeneratorParameters, error) {
	var p GeneratorParameters
	err := c.decodeParameters(&p)
	return p, err
}

// Controller decodes Parameters as ControllerParameters.
func (c *Config) Controller() (ControllerParameters, error) {
	var p ControllerParameters
	err := c.decodeParameters(&p)
	return p, err
}

// Worker decodes Parameters as WorkerParameters.
func (c *Config) Worker() (WorkerParameters, error) {
	var p WorkerParameters
	err := c.decodeParameters(&p)
	return p, err
}

func (c *Config) decodeParameters(out interface{}) error {
	if len(c.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Parameters, out); err != nil {
		return fmt.Errorf("config: parse parameters for %s: %w", c.ID, err)
	}
	return nil
}

// ResolveScheduling maps a ControllerParameters.Scheduling value to the
// strategy name the controller should construct; anything other than the
// two named strategies falls back to Roomie, per spec.
func ResolveScheduling(scheduling string) string {
	switch scheduling {
	case SchedulingINFaaS, SchedulingUsher:
		return scheduling
	default:
		return "Roomie"
	}
}
