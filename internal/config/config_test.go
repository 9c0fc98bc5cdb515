package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadGeneratorConfig(t *testing.T) {
	path := writeTempConfig(t, `{
		"id": "gen1",
		"type": "PoissonZipfQueryGenerator",
		"host": "localhost",
		"port": 9001,
		"parameters": {"duration": 10, "qps": 200, "domain": ["resnet50"], "path": "trace.csv"},
		"remote_engines": [{"remote_host": "localhost", "remote_port": 9000}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Type != TypeGenerator {
		t.Fatalf("Type = %q, want %q", cfg.Type, TypeGenerator)
	}
	if len(cfg.RemoteEngines) != 1 || cfg.RemoteEngines[0].RemotePort != 9000 {
		t.Fatalf("RemoteEngines = %+v", cfg.RemoteEngines)
	}

	params, err := cfg.Generator()
	if err != nil {
		t.Fatalf("Generator: %v", err)
	}
	if params.Duration != 10 || params.QPS != 200 || params.Path != "trace.csv" {
		t.Fatalf("params = %+v", params)
	}
	if len(params.Domain) != 1 || params.Domain[0] != "resnet50" {
		t.Fatalf("Domain = %v", params.Domain)
	}
}

func TestLoadControllerConfig(t *testing.T) {
	path := writeTempConfig(t, `{
		"id": "ctrl1",
		"type": "Controller",
		"host": "localhost",
		"port": 9000,
		"parameters": {"scheduling": "UsherSchaduling", "log_dir": "/tmp/logs"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	params, err := cfg.Controller()
	if err != nil {
		t.Fatalf("Controller: %v", err)
	}
	if params.Scheduling != SchedulingUsher || params.LogDir != "/tmp/logs" {
		t.Fatalf("params = %+v", params)
	}
}

func TestLoadWorkerConfig(t *testing.T) {
	path := writeTempConfig(t, `{
		"id": "worker1",
		"type": "WorkerEngine",
		"host": "localhost",
		"port": 9100,
		"parameters": {"device": 0, "hardware_platform": "A100", "log_dir": "/tmp/logs"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	params, err := cfg.Worker()
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if params.Device != 0 || params.HardwarePlatform != "A100" {
		t.Fatalf("params = %+v", params)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error loading a missing file")
	}
}

func TestResolveSchedulingDefaultsToRoomie(t *testing.T) {
	cases := map[string]string{
		SchedulingINFaaS: SchedulingINFaaS,
		SchedulingUsher:  SchedulingUsher,
		"":                "Roomie",
		"anything else":   "Roomie",
	}
	for in, want := range cases {
		if got := ResolveScheduling(in); got != want {
			t.Errorf("ResolveScheduling(%q) = %q, want %q", in, got, want)
		}
	}
}
