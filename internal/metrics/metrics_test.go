package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestDisabledMetricsIgnoreWrites(t *testing.T) {
	m := New(Config{})
	m.Inc(MetricLoginSuccess)
	m.Observe(MetricValidateLatency, time.Millisecond)
	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("disabled counter = %d", got)
	}
	if s := m.Snapshot(); len(s.Counters) != 0 || len(s.Histograms) != 0 {
		t.Fatalf("disabled snapshot not empty: %+v", s)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := New(Config{Enabled: true})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(MetricAuthorizeDenied)
			}
		}()
	}
	wg.Wait()
	if got := m.Value(MetricAuthorizeDenied); got != 32000 {
		t.Fatalf("counter = %d, want 32000", got)
	}
	m.Add(MetricCacheHit, 5)
	if got := m.Snapshot().Counters[MetricCacheHit]; got != 5 {
		t.Fatalf("added counter = %d", got)
	}
}

func TestLatencyBuckets(t *testing.T) {
	m := New(Config{Enabled: true, EnableLatency: true})
	m.Observe(MetricValidateLatency, 3*time.Millisecond)
	m.Observe(MetricValidateLatency, 2*time.Second)
	m.Observe(MetricLoginSuccess, time.Millisecond)

	b := m.Snapshot().Histograms[MetricValidateLatency]
	if len(b) != histBucketCount {
		t.Fatalf("buckets = %d", len(b))
	}
	if b[0] != 1 || b[7] != 1 {
		t.Fatalf("buckets = %v", b)
	}
}
