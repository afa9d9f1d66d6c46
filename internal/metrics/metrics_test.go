package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestWorkerSpawnedAndLive(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WorkerSpawned("")
	c.WorkerSpawned("")
	c.WorkerLive("", 2)

	if v := getCounterValue(c.workersSpawnedTotal.WithLabelValues("")); v != 2 {
		t.Errorf("expected spawned=2, got %v", v)
	}
	if v := getGaugeValue(c.workersLive.WithLabelValues("")); v != 2 {
		t.Errorf("expected live=2, got %v", v)
	}

	c.WorkerLive("", 1)
	if v := getGaugeValue(c.workersLive.WithLabelValues("")); v != 1 {
		t.Errorf("expected live=1 after update, got %v", v)
	}
}

func TestClientConnections(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ClientConnected("tenant1")
	c.ClientConnected("tenant1")
	c.ClientDisconnected("tenant1")

	if v := getGaugeValue(c.clientConnectionsCurrent.WithLabelValues("tenant1")); v != 1 {
		t.Errorf("expected current=1, got %v", v)
	}
	if v := getCounterValue(c.clientConnectionsTotal.WithLabelValues("tenant1")); v != 2 {
		t.Errorf("expected total=2, got %v", v)
	}
}

func TestCompileDurationHistogram(t *testing.T) {
	c, reg := newTestCollector(t)

	c.CompileDuration("", "compile", 10*time.Millisecond)
	c.CompileDuration("", "compile", 20*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "compilerpool_compile_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 || m[0].GetHistogram().GetSampleCount() != 2 {
				t.Fatalf("expected 2 samples, got %+v", m)
			}
		}
	}
	if !found {
		t.Error("compile duration metric not found")
	}
}

func TestHandshakeDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HandshakeDuration("", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "compilerpool_handshake_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("handshake duration metric not found")
	}
}

func TestTxSerializationErrorAndConnectionError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TxSerializationError("")
	c.TxSerializationError("")
	c.ConnectionError("", "sigkill")
	c.ConnectionError("", "eof")
	c.ConnectionError("", "eof")

	if v := getCounterValue(c.txSerializationErrors.WithLabelValues("")); v != 2 {
		t.Errorf("expected tx serialization errors=2, got %v", v)
	}
	if v := getCounterValue(c.connectionErrors.WithLabelValues("", "sigkill")); v != 1 {
		t.Errorf("expected sigkill errors=1, got %v", v)
	}
	if v := getCounterValue(c.connectionErrors.WithLabelValues("", "eof")); v != 2 {
		t.Errorf("expected eof errors=2, got %v", v)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.WorkerSpawned("t1")
	c2.WorkerSpawned("t1")
	c2.WorkerSpawned("t1")

	if v := getCounterValue(c1.workersSpawnedTotal.WithLabelValues("t1")); v != 1 {
		t.Errorf("c1 expected spawned=1, got %v", v)
	}
	if v := getCounterValue(c2.workersSpawnedTotal.WithLabelValues("t1")); v != 2 {
		t.Errorf("c2 expected spawned=2, got %v", v)
	}
}

func TestMultipleTenants(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WorkerLive("t1", 1)
	c.WorkerLive("t2", 3)

	if v := getGaugeValue(c.workersLive.WithLabelValues("t1")); v != 1 {
		t.Errorf("expected t1 live=1, got %v", v)
	}
	if v := getGaugeValue(c.workersLive.WithLabelValues("t2")); v != 3 {
		t.Errorf("expected t2 live=3, got %v", v)
	}
}
