package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestObserveDeployIncrementsByStrategy(t *testing.T) {
	before := counterValue(t, deploysTotal, "INFaaS")
	ObserveDeploy("INFaaS")
	after := counterValue(t, deploysTotal, "INFaaS")
	if after != before+1 {
		t.Fatalf("deploysTotal[INFaaS] = %v, want %v", after, before+1)
	}
}

func TestObserveStopIncrementsByReason(t *testing.T) {
	before := counterValue(t, stopsTotal, "force_downscale")
	ObserveStop("force_downscale")
	after := counterValue(t, stopsTotal, "force_downscale")
	if after != before+1 {
		t.Fatalf("stopsTotal[force_downscale] = %v, want %v", after, before+1)
	}
}

func TestSetLoadRatioOverwritesPreviousValue(t *testing.T) {
	SetLoadRatio("app1", 0.5)
	if got := gaugeValue(t, loadRatio, "app1"); got != 0.5 {
		t.Fatalf("loadRatio[app1] = %v, want 0.5", got)
	}
	SetLoadRatio("app1", 1.5)
	if got := gaugeValue(t, loadRatio, "app1"); got != 1.5 {
		t.Fatalf("loadRatio[app1] = %v, want 1.5", got)
	}
}

func TestSetRunningVariants(t *testing.T) {
	SetRunningVariants("worker1", 3)
	if got := gaugeValue(t, runningVariants, "worker1"); got != 3 {
		t.Fatalf("runningVariants[worker1] = %v, want 3", got)
	}
}

func TestObserveInferenceDurationDoesNotPanic(t *testing.T) {
	ObserveInferenceDuration("resnet50", 15*time.Millisecond)
}

func TestObserveSchedulingDurationDoesNotPanic(t *testing.T) {
	ObserveSchedulingDuration("Roomie", 2*time.Millisecond)
}

func TestObserveQueryForwardedIncrements(t *testing.T) {
	before := counterValue(t, queriesForwardedTotal, "app1")
	ObserveQueryForwarded("app1")
	after := counterValue(t, queriesForwardedTotal, "app1")
	if after != before+1 {
		t.Fatalf("queriesForwardedTotal[app1] = %v, want %v", after, before+1)
	}
}
