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

// Command controller runs the fleet controller process: it dials out to
// every worker listed in its remote_engines config entry, listens for
// worker/generator connections on its own host:port, and runs the
// choreography, scheduler, and auto-scaler described in
// internal/controller.
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
	"github.com/yusufaye/roomie/internal/controller"
	"github.com/yusufaye/roomie/internal/metrics"
	"github.com/yusufaye/roomie/internal/sched"
	"github.com/yusufaye/roomie/internal/transport"
	"github.com/yusufaye/roomie/pkg/profile"
)

var (
	configPath   string
	artifactsDir string
	metricsAddr  string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the multi-model inference fleet controller",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the controller's JSON configuration file (required)")
	rootCmd.Flags().StringVar(&artifactsDir, "artifacts", "src/data", "root directory of per-hardware profile artifacts")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address (e.g. :9090)")
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
	params, err := cfg.Controller()
	if err != nil {
		return err
	}

	strategyName := config.ResolveScheduling(params.Scheduling)
	cache := profile.NewCache(profile.NewFileArtifactLoader(artifactsDir))
	scheduler := buildScheduler(strategyName, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := controller.New(scheduler, strategyName, log)

	bus := transport.NewTCPBus(log)
	defer bus.Close()

	for i, remote := range cfg.RemoteEngines {
		addr := fmt.Sprintf("%s:%d", remote.RemoteHost, remote.RemotePort)
		conn, err := bus.Dial(ctx, addr)
		if err != nil {
			return fmt.Errorf("controller: dialing worker %d at %s: %w", i+1, addr, err)
		}
		workerID := i + 1
		if err := ctrl.RegisterWorker(ctx, workerID, "", conn); err != nil {
			return fmt.Errorf("controller: registering worker %d: %w", workerID, err)
		}
		go pumpMessages(ctx, conn, ctrl.Dispatch, log)
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := bus.Listen(ctx, listenAddr, func(conn transport.Conn) {
		go pumpMessages(ctx, conn, ctrl.Dispatch, log)
	}); err != nil {
		return fmt.Errorf("controller: listening on %s: %w", listenAddr, err)
	}
	log.WithField("addr", listenAddr).Info("controller: listening")

	ctrl.Start(ctx)
	defer ctrl.Stop()

	if metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsAddr); err != nil {
				log.WithError(err).Warn("controller: metrics server stopped")
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("controller: shutting down")
	return nil
}

func buildScheduler(strategyName string, cache *profile.Cache) sched.Scheduler {
	switch strategyName {
	case config.SchedulingINFaaS:
		return sched.NewINFaaSScheduler(cache)
	case config.SchedulingUsher:
		return sched.NewUsherScheduler(cache)
	default:
		return sched.NewRoomieScheduler(cache)
	}
}

// pumpMessages relays every message received on conn to dispatch until conn
// closes or ctx is cancelled.
func pumpMessages(ctx context.Context, conn transport.Conn, dispatch func(context.Context, transport.Message), log *logrus.Entry) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			log.WithError(err).Debug("controller: connection closed")
			return
		}
		if msg.IsFinished() {
			return
		}
		dispatch(ctx, msg)
	}
}
