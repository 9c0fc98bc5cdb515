package fleet

import (
	"testing"

	"github.com/yusufaye/roomie/pkg/profile"
)

func TestVariantThroughputPrefersAchieved(t *testing.T) {
	v := &Variant{
		BatchSize:         32,
		ProfileThroughput: map[int]float64{32: 50},
	}

	if got, want := v.Throughput(), 50.0; got != want {
		t.Errorf("Throughput() = %v, want %v (profile fallback)", got, want)
	}

	v.AchievedThroughput = 75
	if got, want := v.Throughput(), 75.0; got != want {
		t.Errorf("Throughput() = %v, want %v (achieved overrides profile)", got, want)
	}
}

func TestVariantWorkloadSumsQueueAndInputRates(t *testing.T) {
	v := &Variant{QSize: 3}
	v.InputRates = [InputRateWindowSize]int{1, 2, 3, 0, 0, 0, 0, 0, 0, 0}

	if got, want := v.Workload(), 3+6; got != want {
		t.Errorf("Workload() = %d, want %d", got, want)
	}
}

func TestVariantEffectiveThroughputScalesByWindowLength(t *testing.T) {
	v := &Variant{BatchSize: 64, ProfileThroughput: map[int]float64{64: 10}}

	if got, want := v.EffectiveThroughput(), 10.0*InputRateWindowSize; got != want {
		t.Errorf("EffectiveThroughput() = %v, want %v", got, want)
	}
}

func TestNewVariantFromProfileStartsAsCandidate(t *testing.T) {
	p := &profile.VariantProfile{
		Name:             "resnet50",
		HardwarePlatform: "a100",
		Throughput:       map[int]float64{32: 10},
		Memory:           map[int]uint64{32: 1024},
	}

	v := NewVariantFromProfile(p)
	if v.ID != 0 {
		t.Errorf("ID = %d, want 0 for a freshly cloned candidate", v.ID)
	}
	if v.Name != p.Name || v.HardwarePlatform != p.HardwarePlatform {
		t.Errorf("clone identity mismatch: got %+v", v)
	}
}

func TestWorkerFreeMemoryAndPercentOccupation(t *testing.T) {
	w := NewWorker(1, "a100")
	w.TotalMemory = 1000

	v1 := &Variant{ID: 1, BatchSize: 32, Memory: map[int]uint64{32: 300}}
	w.AddVariant(v1)

	if got, want := w.FreeMemory(), uint64(700); got != want {
		t.Errorf("FreeMemory() = %d, want %d", got, want)
	}
	if got, want := w.PercentOccupation(0), 30.0; got != want {
		t.Errorf("PercentOccupation(0) = %v, want %v", got, want)
	}
	if got, want := w.PercentOccupation(200), 50.0; got != want {
		t.Errorf("PercentOccupation(200) = %v, want %v", got, want)
	}
}

func TestWorkerAddRemoveFindVariant(t *testing.T) {
	w := NewWorker(1, "a100")
	v := &Variant{ID: 42}
	w.AddVariant(v)

	if got := w.FindVariant(42); got != v {
		t.Fatalf("FindVariant(42) = %v, want the added variant", got)
	}
	if got := w.TotalRunningVariants(); got != 1 {
		t.Errorf("TotalRunningVariants() = %d, want 1", got)
	}

	w.RemoveVariant(42)
	if got := w.FindVariant(42); got != nil {
		t.Errorf("FindVariant(42) = %v, want nil after removal", got)
	}
	if got := w.TotalRunningVariants(); got != 0 {
		t.Errorf("TotalRunningVariants() = %d, want 0 after removal", got)
	}
}

func TestDataStoreRegistrationIsMonotonic(t *testing.T) {
	ds := NewDataStore()
	ds.RegisterApp("app1", "resnet50")
	ds.RegisterApp("app1", "bert")
	ds.RegisterApp("app1", "resnet50") // duplicate, must not create a second entry

	got := ds.Registered("app1")
	if len(got) != 2 {
		t.Fatalf("Registered(app1) = %v, want 2 distinct variant names", got)
	}
}

func TestDataStoreWorkersReturnsCopy(t *testing.T) {
	ds := NewDataStore()
	ds.AddWorker(NewWorker(1, "a100"))

	snapshot := ds.Workers()
	snapshot[0] = nil // mutating the returned slice must not affect the store

	if got := ds.Workers()[0]; got == nil {
		t.Error("DataStore.Workers() leaked internal slice; mutation of the copy affected the store")
	}
}

func TestDataStoreFindVariantScansAllWorkers(t *testing.T) {
	ds := NewDataStore()
	w1 := NewWorker(1, "a100")
	w2 := NewWorker(2, "a100")
	v := &Variant{ID: 7}
	w2.AddVariant(v)
	ds.AddWorker(w1)
	ds.AddWorker(w2)

	gotVariant, gotWorker := ds.FindVariant(7)
	if gotVariant != v || gotWorker != w2 {
		t.Errorf("FindVariant(7) = (%v, %v), want (%v, %v)", gotVariant, gotWorker, v, w2)
	}

	if v, w := ds.FindVariant(999); v != nil || w != nil {
		t.Errorf("FindVariant(999) = (%v, %v), want (nil, nil)", v, w)
	}
}
