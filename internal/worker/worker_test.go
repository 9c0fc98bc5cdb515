package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/yusufaye/roomie/internal/fleet"
	"github.com/yusufaye/roomie/internal/transport"
)

type fakePipeline struct {
	duration time.Duration
	calls    int
}

func (f *fakePipeline) RunForward(ctx context.Context, variant *fleet.Variant) (time.Duration, error) {
	f.calls++
	return f.duration, nil
}

func newTestWorker(t *testing.T) (*Worker, *fakePipeline, transport.Conn) {
	t.Helper()
	ctx := context.Background()
	bus := transport.NewMemBus()
	var serverConn transport.Conn
	if err := bus.Listen(ctx, "controller", func(conn transport.Conn) { serverConn = conn }); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	conn, err := bus.Dial(ctx, "controller")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	pipeline := &fakePipeline{duration: time.Millisecond}
	w := New("A100", pipeline, conn, nil)
	w.SetTotalMemory(16 << 30)
	return w, pipeline, serverConn
}

func TestHelloReplyCarriesTotalMemory(t *testing.T) {
	w, _, serverConn := newTestWorker(t)
	ctx := context.Background()

	w.Dispatch(ctx, transport.NewMessage(transport.TypeHello, map[string]string{"worker_id": "1"}))

	reply, err := serverConn.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if reply.Type != transport.TypeHello {
		t.Fatalf("Type = %q, want HELLO", reply.Type)
	}
	if reply.Get("total_mem") != "17179869184" {
		t.Fatalf("total_mem = %q, want 17179869184", reply.Get("total_mem"))
	}
	if w.ID != 1 {
		t.Fatalf("ID = %d, want 1", w.ID)
	}
}

func TestDeployThenQuerySendsDeployedAndRunsInference(t *testing.T) {
	w, pipeline, serverConn := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	w.Dispatch(ctx, transport.NewMessage(transport.TypeDeploy, map[string]string{
		"id": "1", "name": "resnet50", "batch_size": "32",
	}))

	deployedCtx, deployedCancel := context.WithTimeout(ctx, time.Second)
	defer deployedCancel()
	deployed, err := serverConn.Recv(deployedCtx)
	if err != nil {
		t.Fatalf("expected DEPLOYED, got err=%v", err)
	}
	if deployed.Type != transport.TypeDeployed {
		t.Fatalf("Type = %q, want DEPLOYED", deployed.Type)
	}

	w.Dispatch(ctx, transport.NewMessage(transport.TypeQuery, map[string]string{
		"variant_id": "1", "batch_size": "32",
	}))

	deadline := time.Now().Add(time.Second)
	for pipeline.calls < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pipeline.calls < 2 {
		t.Fatalf("pipeline.calls = %d, want >= 2 (prewarm + query)", pipeline.calls)
	}
}

func TestStopHaltsInferenceDaemon(t *testing.T) {
	w, _, _ := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)

	w.Dispatch(ctx, transport.NewMessage(transport.TypeDeploy, map[string]string{
		"id": "5", "name": "resnet50", "batch_size": "32",
	}))
	time.Sleep(10 * time.Millisecond)

	w.Dispatch(ctx, transport.NewMessage(transport.TypeStop, map[string]string{"id": "5"}))
	time.Sleep(10 * time.Millisecond)

	w.mu.Lock()
	_, stillRunning := w.running[5]
	w.mu.Unlock()
	if stillRunning {
		t.Fatalf("variant 5 still tracked after STOP")
	}

	w.Stop()
}

func TestShiftInputRatesRecordsDelta(t *testing.T) {
	w, _, _ := newTestWorker(t)

	variant := &fleet.Variant{ID: 1, Name: "resnet50", BatchSize: 32}
	rv := &runningVariant{variant: variant, tokens: make(chan struct{}, 4), stop: make(chan struct{})}
	w.running[1] = rv

	rv.numReceived = 10
	w.shiftInputRates()
	if variant.InputRates[0] != 10 {
		t.Fatalf("InputRates[0] = %d, want 10", variant.InputRates[0])
	}

	rv.numReceived = 14
	w.shiftInputRates()
	if variant.InputRates[0] != 4 {
		t.Fatalf("InputRates[0] = %d, want 4", variant.InputRates[0])
	}
	if variant.InputRates[1] != 10 {
		t.Fatalf("InputRates[1] = %d, want 10 (shifted)", variant.InputRates[1])
	}
}

func TestReportTelemetrySendsProfileData(t *testing.T) {
	w, _, serverConn := newTestWorker(t)
	w.ID = 1
	ctx := context.Background()

	variant := &fleet.Variant{ID: 9, Name: "resnet50", BatchSize: 32, AchievedThroughput: 123.5}
	w.running[9] = &runningVariant{variant: variant, tokens: make(chan struct{}, 1), stop: make(chan struct{})}

	w.reportTelemetry(ctx)

	msg, err := serverConn.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type != transport.TypeProfileData {
		t.Fatalf("Type = %q, want PROFILE_DATA", msg.Type)
	}
	if msg.Get("worker_id") != "1" {
		t.Fatalf("worker_id = %q, want 1", msg.Get("worker_id"))
	}

	var reports []variantReport
	if err := json.Unmarshal([]byte(msg.Get("variants")), &reports); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(reports) != 1 || reports[0].VariantID != 9 || reports[0].Throughput != 123.5 {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}
