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

// Command worker runs one worker process: it dials out to the controller
// listed in its remote_engines config entry, listens for the controller's
// reverse connection on its own host:port, and runs the deployment,
// inference, input-rate-monitor, and telemetry daemons described in
// internal/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yusufaye/roomie/internal/config"
	"github.com/yusufaye/roomie/internal/transport"
	"github.com/yusufaye/roomie/internal/worker"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one inference worker process",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the worker's JSON configuration file (required)")
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
	params, err := cfg.Worker()
	if err != nil {
		return err
	}
	if len(cfg.RemoteEngines) == 0 {
		return fmt.Errorf("worker: config has no remote_engines entry for the controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewTCPBus(log)
	defer bus.Close()

	remote := cfg.RemoteEngines[0]
	controllerAddr := fmt.Sprintf("%s:%d", remote.RemoteHost, remote.RemotePort)
	conn, err := bus.Dial(ctx, controllerAddr)
	if err != nil {
		return fmt.Errorf("worker: dialing controller at %s: %w", controllerAddr, err)
	}

	pipeline := deviceInferencePipeline(params.Device)
	w := worker.New(params.HardwarePlatform, pipeline, conn, log)
	w.SetTotalMemory(queryTotalMemory())
	w.Start(ctx)
	defer w.Stop()

	go pumpMessages(ctx, conn, w.Dispatch, log)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := bus.Listen(ctx, listenAddr, func(conn transport.Conn) {
		go pumpMessages(ctx, conn, w.Dispatch, log)
	}); err != nil {
		return fmt.Errorf("worker: listening on %s: %w", listenAddr, err)
	}
	log.WithField("addr", listenAddr).Info("worker: listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("worker: shutting down")
	return nil
}

// deviceInferencePipeline stands in for the real per-device model-loading
// pipeline (the original selects a CUDA device index and loads a
// TorchScript module); this repo has no GPU execution backend, so every
// device uses the synthetic pipeline.
func deviceInferencePipeline(device int) worker.InferencePipeline {
	return worker.NewSyntheticPipeline()
}

// queryTotalMemory stands in for the original's cudaMemGetInfo call. A
// fixed capacity keeps the demo reproducible without a GPU.
func queryTotalMemory() uint64 {
	return 16 << 30
}

func pumpMessages(ctx context.Context, conn transport.Conn, dispatch func(context.Context, transport.Message), log *logrus.Entry) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			log.WithError(err).Debug("worker: connection closed")
			return
		}
		if msg.IsFinished() {
			return
		}
		dispatch(ctx, msg)
	}
}
