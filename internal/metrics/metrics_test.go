// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAgainstNilRegisterer(t *testing.T) {
	t.Parallel()

	m := New(nil)
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.ServiceTotal == nil || m.EventsPublished == nil || m.PipelineExecutions == nil {
		t.Fatal("expected all field groups to be populated")
	}
}

func TestNewAllowsMultipleInstancesOnDistinctRegistries(t *testing.T) {
	t.Parallel()

	// Two independent Metrics instances must not collide, unlike a
	// package-global promauto registry would.
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()

	mA := New(regA)
	mB := New(regB)

	mA.ServiceTotal.WithLabelValues("running").Inc()
	mB.ServiceTotal.WithLabelValues("running").Inc()

	gatheredA, err := regA.Gather()
	if err != nil {
		t.Fatalf("gather regA: %v", err)
	}
	gatheredB, err := regB.Gather()
	if err != nil {
		t.Fatalf("gather regB: %v", err)
	}
	if len(gatheredA) == 0 || len(gatheredB) == 0 {
		t.Fatal("expected both registries to report collected metrics")
	}
}

func TestCircuitBreakerMetricsRecordState(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CircuitBreakerState.WithLabelValues("inventory-svc").Set(2)
	m.CircuitBreakerTrips.WithLabelValues("inventory-svc").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, mf := range families {
		if mf.GetName() != "servicemgr_circuit_breaker_state" {
			continue
		}
		found = true
		for _, metric := range mf.GetMetric() {
			if metric.GetGauge().GetValue() != 2 {
				t.Errorf("expected state gauge 2, got %v", metric.GetGauge().GetValue())
			}
		}
	}
	if !found {
		t.Fatal("expected servicemgr_circuit_breaker_state in gathered families")
	}
}

func TestPipelineHistogramObserves(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PipelineExecutionTime.WithLabelValues("ingest").Observe(0.25)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() != "pipeline_execution_duration_seconds" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			hist = metric.GetHistogram()
		}
	}
	if hist == nil {
		t.Fatal("expected histogram sample for pipeline_execution_duration_seconds")
	}
	if hist.GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", hist.GetSampleCount())
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate metric registration")
		}
	}()
	New(reg)
}
