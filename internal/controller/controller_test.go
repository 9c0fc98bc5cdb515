package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/internal/sched"
	"github.com/yusufaye/roomie/internal/transport"
	"github.com/yusufaye/roomie/pkg/profile"
)

type directThroughputLoader map[string]struct {
	memory     uint64
	throughput float64
}

func (l directThroughputLoader) key(hardware, name string) string { return hardware + "/" + name }

func (l directThroughputLoader) LoadInferenceTimes(hardware, name string) (map[int][]float64, error) {
	fx, ok := l[l.key(hardware, name)]
	if !ok {
		return map[int][]float64{}, nil
	}
	out := make(map[int][]float64)
	for _, bs := range fleet.AllowedBatchSizes {
		out[bs] = []float64{float64(bs) / fx.throughput}
	}
	return out, nil
}

func (l directThroughputLoader) LoadMemory(hardware, name string) (map[int]uint64, error) {
	fx, ok := l[l.key(hardware, name)]
	if !ok {
		return map[int]uint64{}, nil
	}
	out := make(map[int]uint64)
	for _, bs := range fleet.AllowedBatchSizes {
		out[bs] = fx.memory
	}
	return out, nil
}

func (l directThroughputLoader) LoadKernels(hardware, name string) (map[int][]profile.Kernel, error) {
	return map[int][]profile.Kernel{}, nil
}

func newTestController(t *testing.T) (*Controller, *transport.MemBus) {
	t.Helper()
	fixtures := directThroughputLoader{
		"A100/resnet50": {memory: 2 << 30, throughput: 200},
	}
	cache := profile.NewCache(fixtures)
	scheduler := sched.NewINFaaSScheduler(cache)
	c := New(scheduler, "INFaaS", nil)
	return c, transport.NewMemBus()
}

func TestSingleVariantHappyPath(t *testing.T) {
	c, bus := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workerConn transport.Conn
	if err := bus.Listen(ctx, "worker1", func(conn transport.Conn) { workerConn = conn }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctrlConn, err := bus.Dial(ctx, "worker1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.RegisterWorker(ctx, 1, "A100", ctrlConn); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	// Drain the HELLO the controller just sent.
	hello, err := workerConn.Recv(ctx)
	if err != nil || hello.Type != transport.TypeHello {
		t.Fatalf("expected HELLO, got %+v, err=%v", hello, err)
	}

	// Worker reports 32GiB of total memory; the controller halves it to 16GiB.
	c.Dispatch(ctx, transport.NewMessage(transport.TypeHello, map[string]string{
		"worker_id": "1",
		"total_mem": "34359738368", // 32GiB
	}))

	worker := c.dataStore.FindWorker(1)
	if worker == nil {
		t.Fatalf("worker 1 not tracked")
	}
	if worker.TotalMemory != 34359738368/2 {
		t.Fatalf("TotalMemory = %d, want halved", worker.TotalMemory)
	}

	c.Start(ctx)
	defer c.Stop()

	c.Dispatch(ctx, transport.NewMessage(transport.TypeRegister, map[string]string{"app1": "resnet50"}))

	deployCtx, deployCancel := context.WithTimeout(ctx, 2*time.Second)
	defer deployCancel()
	deploy, err := workerConn.Recv(deployCtx)
	if err != nil {
		t.Fatalf("expected DEPLOY, got err=%v", err)
	}
	if deploy.Type != transport.TypeDeploy || deploy.Get("name") != "resnet50" {
		t.Fatalf("unexpected deploy message: %+v", deploy)
	}

	if got := worker.TotalRunningVariants(); got != 1 {
		t.Fatalf("TotalRunningVariants = %d, want 1", got)
	}
	occupation := worker.PercentOccupation(0)
	if occupation < 12 || occupation > 13 {
		t.Fatalf("PercentOccupation = %v, want ~12.5%%", occupation)
	}
}

func TestProfilingDaemonUpdatesAllMatchingVariants(t *testing.T) {
	c, _ := newTestController(t)
	worker := fleet.NewWorker(1, "A100")
	worker.TotalMemory = 16 << 30
	c.dataStore.AddWorker(worker)

	v1 := &fleet.Variant{ID: 1, Name: "resnet50", BatchSize: 32, ProfileThroughput: map[int]float64{32: 200}, Memory: map[int]uint64{32: 1}}
	v2 := &fleet.Variant{ID: 2, Name: "resnet50", BatchSize: 64, ProfileThroughput: map[int]float64{64: 100}, Memory: map[int]uint64{64: 1}}
	worker.AddVariant(v1)
	worker.AddVariant(v2)

	payload, _ := json.Marshal([]profileReport{
		{VariantID: 1, Throughput: 250, InputRate: []int{5}},
		{VariantID: 2, Throughput: 120, InputRate: []int{3}},
	})
	msg := transport.NewMessage(transport.TypeProfileData, map[string]string{
		"worker_id": "1",
		"variants":  string(payload),
	})

	c.profilingCh <- msg
	close(c.profilingCh)
	c.profilingDaemon(context.Background())

	if v1.AchievedThroughput != 250 {
		t.Errorf("v1.AchievedThroughput = %v, want 250", v1.AchievedThroughput)
	}
	if v2.AchievedThroughput != 120 {
		t.Errorf("v2.AchievedThroughput = %v, want 120", v2.AchievedThroughput)
	}
}

func TestPlacementKeyFormat(t *testing.T) {
	if got := placementKey(7, 3); got != "7_3" {
		t.Errorf("placementKey(7, 3) = %q, want \"7_3\"", got)
	}
}
