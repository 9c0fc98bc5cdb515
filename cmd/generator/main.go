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

// Command generator dials the controller and replays a recorded query
// trace against it, per internal/workload. Grounded on the original
// PoissonZipfQueryGenerator::run.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yusufaye/roomie/internal/config"
	"github.com/yusufaye/roomie/internal/transport"
	"github.com/yusufaye/roomie/internal/workload"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "generator",
	Short: "Replay a query trace against the fleet controller",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the generator's JSON configuration file (required)")
	rootCmd.Flags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	params, err := cfg.Generator()
	if err != nil {
		return err
	}
	if len(cfg.RemoteEngines) == 0 {
		return fmt.Errorf("generator: config has no remote_engines entry for the controller")
	}

	durationSeconds := float64(params.Duration) * 60.0

	traceFile, err := os.Open(params.Path)
	if err != nil {
		return fmt.Errorf("generator: opening trace %s: %w", params.Path, err)
	}
	defer traceFile.Close()

	traces, err := workload.LoadCSVTrace(traceFile, params.Domain, durationSeconds)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"domain":      params.Domain,
		"qps":         params.QPS,
		"duration_s":  durationSeconds,
		"trace_count": len(traces),
	}).Debug("generator: loaded trace")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewTCPBus(log)
	defer bus.Close()

	remote := cfg.RemoteEngines[0]
	controllerAddr := fmt.Sprintf("%s:%d", remote.RemoteHost, remote.RemotePort)
	conn, err := bus.Dial(ctx, controllerAddr)
	if err != nil {
		return fmt.Errorf("generator: dialing controller at %s: %w", controllerAddr, err)
	}

	gen := workload.New(conn, params.Domain, traces, log)
	if err := gen.Run(ctx); err != nil {
		return err
	}
	log.WithField("counters", gen.Counter()).Info("generator: finished")
	return nil
}
