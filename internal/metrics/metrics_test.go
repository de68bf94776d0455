package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsOnFreshRegistries(t *testing.T) {
	// Two instances must not collide when each gets its own registry.
	for i := 0; i < 2; i++ {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.RecordSessionSubmitted()
		if got := testutil.ToFloat64(m.SessionsSubmittedTotal); got != 1 {
			t.Fatalf("SessionsSubmittedTotal = %v, want 1", got)
		}
	}
}

func TestRecordSave(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSave("full", nil)
	m.RecordSave("full", errors.New("boom"))
	m.RecordSave("noop", nil)

	if got := testutil.ToFloat64(m.SavesTotal.WithLabelValues("full", "ok")); got != 1 {
		t.Errorf("full/ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SavesTotal.WithLabelValues("full", "error")); got != 1 {
		t.Errorf("full/error = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.SavesTotal); got != 3 {
		t.Errorf("series = %d, want 3", got)
	}
}

func TestRecordGrpcRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordGrpcRequest("/docsplit.v1.Manipulation/Summarize", "OK", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues("/docsplit.v1.Manipulation/Summarize", "OK")); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestRunUptimeStops(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.RunUptime(time.Millisecond, stop)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunUptime did not return after stop")
	}
	if testutil.ToFloat64(m.ServerUptimeSeconds) <= 0 {
		t.Error("uptime gauge was never updated")
	}
}
