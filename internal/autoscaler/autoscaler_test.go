package autoscaler

import (
	"testing"

	"github.com/yusufaye/roomie/internal/fleet"
)

func newVariant(id int, name string, throughput float64, workload int) *fleet.Variant {
	v := &fleet.Variant{
		ID:                id,
		Name:              name,
		BatchSize:         32,
		ProfileThroughput: map[int]float64{32: throughput},
	}
	v.QSize = workload
	return v
}

func TestDownscaleForceNeverDropsSingleRunningVariant(t *testing.T) {
	ds := fleet.NewDataStore()
	ds.RegisterApp("app1", "resnet50")
	w := fleet.NewWorker(1, "a100")
	w.TotalMemory = 16 << 30
	v := newVariant(1, "resnet50", 100, 10)
	w.AddVariant(v)
	ds.AddWorker(w)

	var stopped bool
	a := New(nil, "", ds, nil, func(string, *fleet.Variant, *fleet.Worker) { stopped = true }, nil)

	variant, worker, ok := a.downscale("app1", true)
	if ok || variant != nil || worker != nil {
		t.Errorf("downscale(force=true) with one running variant should report no action, got (%v, %v, %v)", variant, worker, ok)
	}
	if stopped {
		t.Error("onStop should not be invoked when only one variant is running")
	}
}

func TestDownscaleForceDropsLowestThroughput(t *testing.T) {
	ds := fleet.NewDataStore()
	ds.RegisterApp("app1", "resnet50")
	w := fleet.NewWorker(1, "a100")
	w.TotalMemory = 16 << 30
	slow := newVariant(1, "resnet50", 10, 0)
	fast := newVariant(2, "resnet50", 100, 0)
	w.AddVariant(slow)
	w.AddVariant(fast)
	ds.AddWorker(w)

	a := New(nil, "", ds, nil, nil, nil)

	variant, _, ok := a.downscale("app1", true)
	if !ok {
		t.Fatal("downscale(force=true) should find a candidate with >= 2 running variants")
	}
	if variant.ID != slow.ID {
		t.Errorf("dropped variant id = %d, want %d (lowest throughput)", variant.ID, slow.ID)
	}
}

func TestTickLocksAppAfterUpscaleForCooldownTicks(t *testing.T) {
	ds := fleet.NewDataStore()
	ds.RegisterApp("app1", "resnet50")
	w := fleet.NewWorker(1, "a100")
	w.TotalMemory = 16 << 30
	v := newVariant(1, "resnet50", 10, 1500) // effectiveThroughput=10*10=100, ratio=1500/100=15 > 1.0
	w.AddVariant(v)
	ds.AddWorker(w)

	deployed := &fleet.Variant{ID: 2, Name: "resnet50"}
	scheduler := fakeScheduler{variant: deployed, worker: w, ok: true}
	var deployCount int
	a := New(scheduler, "Roomie", ds, func(string, *fleet.Variant, *fleet.Worker) { deployCount++ }, nil, nil)

	a.tick()
	if deployCount != 1 {
		t.Fatalf("deployCount = %d, want 1 after an overloaded tick", deployCount)
	}

	a.mu.Lock()
	locked := a.lockedUntilTick["app1"]
	a.mu.Unlock()
	if locked != CooldownTicks {
		t.Errorf("lockedUntilTick[app1] = %d, want %d", locked, CooldownTicks)
	}

	for i := 0; i < CooldownTicks; i++ {
		a.tick()
	}
	if deployCount != 1 {
		t.Errorf("deployCount = %d, want 1 (no further action while locked)", deployCount)
	}
}

type fakeScheduler struct {
	variant *fleet.Variant
	worker  *fleet.Worker
	ok      bool
}

func (f fakeScheduler) Schedule([]*fleet.Worker, []string) (*fleet.Variant, *fleet.Worker, bool) {
	return f.variant, f.worker, f.ok
}
