package profile

import (
	"errors"
	"testing"
)

type fakeLoader struct {
	kernels map[string]map[int][]Kernel
	memory  map[string]map[int]uint64
	times   map[string]map[int][]float64
	calls   int
}

func key(hardware, name string) string { return hardware + "/" + name }

func (f *fakeLoader) LoadKernels(hardware, name string) (map[int][]Kernel, error) {
	f.calls++
	return f.kernels[key(hardware, name)], nil
}

func (f *fakeLoader) LoadMemory(hardware, name string) (map[int]uint64, error) {
	return f.memory[key(hardware, name)], nil
}

func (f *fakeLoader) LoadInferenceTimes(hardware, name string) (map[int][]float64, error) {
	return f.times[key(hardware, name)], nil
}

func TestCacheLoadComputesThroughputFromMedian(t *testing.T) {
	loader := &fakeLoader{
		times: map[string]map[int][]float64{
			key("a100", "resnet50"): {
				4: {10.0, 12.0, 11.0}, // median 11.0 -> throughput 4/11
			},
		},
	}
	cache := NewCache(loader)

	p, err := cache.Load("a100", "resnet50")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := 4.0 / 11.0
	if got := p.Throughput[4]; got != want {
		t.Errorf("Throughput[4] = %v, want %v", got, want)
	}
}

func TestCacheLoadEvenSampleMedianAveragesMiddleTwo(t *testing.T) {
	loader := &fakeLoader{
		times: map[string]map[int][]float64{
			key("a100", "bert"): {
				1: {4.0, 1.0, 3.0, 2.0}, // sorted 1,2,3,4 -> median (2+3)/2 = 2.5
			},
		},
	}
	cache := NewCache(loader)

	p, err := cache.Load("a100", "bert")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got, want := p.Throughput[1], 1.0/2.5; got != want {
		t.Errorf("Throughput[1] = %v, want %v", got, want)
	}
}

func TestCacheLoadIsIdempotentAndReturnsSamePointer(t *testing.T) {
	loader := &fakeLoader{
		times: map[string]map[int][]float64{
			key("a100", "resnet50"): {4: {10.0}},
		},
	}
	cache := NewCache(loader)

	first, err := cache.Load("a100", "resnet50")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	second, err := cache.Load("a100", "resnet50")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if first != second {
		t.Errorf("Load returned different pointers for the same key: %p != %p", first, second)
	}
	if loader.calls != 1 {
		t.Errorf("loader called %d times, want 1 (cache should not rebuild on repeat Load)", loader.calls)
	}
}

func TestCacheLoadMissingArtifactsLeaveEmptyMaps(t *testing.T) {
	cache := NewCache(&fakeLoader{})

	p, err := cache.Load("a100", "unknown-variant")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(p.Throughput) != 0 {
		t.Errorf("Throughput = %v, want empty", p.Throughput)
	}
	if len(p.Memory) != 0 {
		t.Errorf("Memory = %v, want empty", p.Memory)
	}
	if len(p.Kernels) != 0 {
		t.Errorf("Kernels = %v, want empty", p.Kernels)
	}
}

func TestCacheLoadSkipsNonPositiveMedianBatchSizes(t *testing.T) {
	loader := &fakeLoader{
		times: map[string]map[int][]float64{
			key("a100", "resnet50"): {
				1: {0.0, 0.0},
				2: {5.0},
			},
		},
	}
	cache := NewCache(loader)

	p, err := cache.Load("a100", "resnet50")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if _, ok := p.Throughput[1]; ok {
		t.Errorf("Throughput[1] should be absent for a zero-duration sample set")
	}
	if _, ok := p.Throughput[2]; !ok {
		t.Errorf("Throughput[2] should be present")
	}
}

func TestVariantProfileInitialDurationSumsKernelDurations(t *testing.T) {
	p := &VariantProfile{
		Kernels: map[int][]Kernel{
			8: {{DurationMicros: 100}, {DurationMicros: 250}},
		},
	}

	if got, want := p.InitialDuration(8), 350.0; got != want {
		t.Errorf("InitialDuration(8) = %v, want %v", got, want)
	}
	if got := p.InitialDuration(16); got != 0 {
		t.Errorf("InitialDuration(16) = %v, want 0 for an unrecorded batch size", got)
	}
}

type erroringLoader struct{}

func (erroringLoader) LoadKernels(string, string) (map[int][]Kernel, error) {
	return nil, errors.New("boom")
}
func (erroringLoader) LoadMemory(string, string) (map[int]uint64, error) { return nil, nil }
func (erroringLoader) LoadInferenceTimes(string, string) (map[int][]float64, error) {
	return nil, nil
}

func TestCacheLoadPropagatesLoaderError(t *testing.T) {
	cache := NewCache(erroringLoader{})

	if _, err := cache.Load("a100", "resnet50"); err == nil {
		t.Error("Load should propagate the artifact loader's error")
	}
}
