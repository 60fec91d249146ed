package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewEscrowMetricsWithRegisterer(t *testing.T) {
	metrics := NewEscrowMetricsWithRegisterer(prometheus.NewRegistry())

	if metrics.transitions == nil || metrics.transitionDuration == nil || metrics.atomicRetries == nil {
		t.Fatal("transition collectors should not be nil")
	}
	if metrics.idempotentReplays == nil || metrics.heldAmount == nil || metrics.inFlight == nil {
		t.Fatal("auxiliary collectors should not be nil")
	}
}

func TestEscrowMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewEscrowMetricsWithRegisterer(registry)
	second := NewEscrowMetricsWithRegisterer(registry)

	first.RecordTransition("release", ResultOK, time.Millisecond)
	if got := counterValue(t, second.transitions, "release", ResultOK); got != 1 {
		t.Fatalf("expected shared collector value 1, got %v", got)
	}
}

func TestRecordTransitionAndCounters(t *testing.T) {
	metrics := NewEscrowMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordTransition("initialize", ResultOK, 10*time.Millisecond)
	metrics.RecordTransition("initialize", ResultRejected, time.Millisecond)
	metrics.RecordAtomicRetry("release")
	metrics.RecordIdempotentReplay("initialize")
	metrics.RecordHeld("XOF", 10000)
	metrics.RecordHeld("XOF", 0)

	if got := counterValue(t, metrics.transitions, "initialize", ResultOK); got != 1 {
		t.Fatalf("expected 1 ok transition, got %v", got)
	}
	if got := counterValue(t, metrics.transitions, "initialize", ResultRejected); got != 1 {
		t.Fatalf("expected 1 rejected transition, got %v", got)
	}
	if got := counterValue(t, metrics.atomicRetries, "release"); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := counterValue(t, metrics.idempotentReplays, "initialize"); got != 1 {
		t.Fatalf("expected 1 replay, got %v", got)
	}
	if got := counterValue(t, metrics.heldAmount, "XOF"); got != 10000 {
		t.Fatalf("expected held amount 10000, got %v", got)
	}

	histogram := &dto.Metric{}
	observer, err := metrics.transitionDuration.GetMetricWithLabelValues("initialize")
	if err != nil {
		t.Fatalf("get histogram: %v", err)
	}
	if err := observer.(prometheus.Histogram).Write(histogram); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if histogram.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("expected 2 samples, got %d", histogram.GetHistogram().GetSampleCount())
	}
}

func TestInFlightGauge(t *testing.T) {
	metrics := NewEscrowMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.InFlightStarted()
	metrics.InFlightStarted()
	metrics.InFlightFinished()

	gauge := &dto.Metric{}
	if err := metrics.inFlight.Write(gauge); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if gauge.GetGauge().GetValue() != 1 {
		t.Fatalf("expected in-flight 1, got %v", gauge.GetGauge().GetValue())
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var metrics *EscrowMetrics
	metrics.RecordTransition("release", ResultOK, time.Millisecond)
	metrics.RecordAtomicRetry("release")
	metrics.RecordIdempotentReplay("release")
	metrics.RecordHeld("XOF", 1)
	metrics.InFlightStarted()
	metrics.InFlightFinished()
}
