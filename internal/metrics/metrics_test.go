package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveRequestIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.ObserveRequest("route-1", "/users", "GET", "200", 0.05)
	m.ObserveRequest("route-1", "/users", "GET", "200", 0.1)

	metric := &dto.Metric{}
	if err := m.RequestsTotal.WithLabelValues("route-1", "/users", "GET", "200").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}

	metric = &dto.Metric{}
	if err := m.RequestDuration.WithLabelValues("route-1", "/users", "GET").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("expected 2 histogram samples, got %v", got)
	}
}

func TestSetCircuitStateAndBackendHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.SetCircuitState("route-1", CircuitOpen)
	metric := &dto.Metric{}
	if err := m.CircuitBreaker.WithLabelValues("route-1").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != float64(CircuitOpen) {
		t.Fatalf("expected gauge value %v, got %v", CircuitOpen, got)
	}

	m.SetBackendHealth("route-1", "http://a", false)
	metric = &dto.Metric{}
	if err := m.BackendHealth.WithLabelValues("route-1", "http://a").Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected dead backend to report 0, got %v", got)
	}
}
