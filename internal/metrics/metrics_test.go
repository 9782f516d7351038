package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRollout(t *testing.T) {
	RecordRollout("greedy", "completed", 120, 40*time.Millisecond)

	if val := getCounterValue(RolloutsTotal, "greedy", "completed"); val < 1 {
		t.Errorf("RolloutsTotal = %f, want >= 1", val)
	}
	if count := getHistogramCount(RolloutDurationSeconds, "greedy"); count < 1 {
		t.Errorf("RolloutDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordCacheResults(t *testing.T) {
	RecordCache("analysis", true)
	RecordCache("analysis", true)
	RecordCache("analysis", false)

	if hits := getCounterValue(CacheRequestsTotal, "analysis", "hit"); hits < 2 {
		t.Errorf("hits = %f, want >= 2", hits)
	}
	if misses := getCounterValue(CacheRequestsTotal, "analysis", "miss"); misses < 1 {
		t.Errorf("misses = %f, want >= 1", misses)
	}
}

func TestRecordStorageCall(t *testing.T) {
	RecordStorageCall("query", nil)
	RecordStorageCall("query", errors.New("boom"))

	if ok := getCounterValue(StorageCallsTotal, "query", "ok"); ok < 1 {
		t.Errorf("ok calls = %f, want >= 1", ok)
	}
	if failed := getCounterValue(StorageCallsTotal, "query", "error"); failed < 1 {
		t.Errorf("error calls = %f, want >= 1", failed)
	}
}

func TestActiveRunsGauge(t *testing.T) {
	ActiveRuns.Set(0)

	ActiveRuns.Inc()
	ActiveRuns.Inc()
	if val := getGaugeValue(ActiveRuns); val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	if val := getGaugeValue(ActiveRuns); val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordIngest("metric", 10)
	RecordIngest("log", 3)

	if m := getCounterValue(IngestRecordsTotal, "metric"); m < 10 {
		t.Errorf("metric records = %f, want >= 10", m)
	}
	if l := getCounterValue(IngestRecordsTotal, "log"); l < 3 {
		t.Errorf("log records = %f, want >= 3", l)
	}
	if s := getCounterValue(IngestRecordsTotal, "status"); s != 0 {
		t.Errorf("status records = %f, want 0", s)
	}
}
