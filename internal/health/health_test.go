package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestJitter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pings []int64
		want  int64
	}{
		{nil, 0},
		{[]int64{40}, 0},
		{[]int64{10, 10, 10}, 0},
		{[]int64{2, 4, 4, 4, 5, 5, 7, 9}, 2},
		{[]int64{10, 20}, 5},
	}
	for _, tt := range tests {
		if got := Jitter(tt.pings); got != tt.want {
			t.Errorf("Jitter(%v) = %d, want %d", tt.pings, got, tt.want)
		}
	}
}

func TestTracker(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0, 0)
	at := time.Unix(0, 0)
	for _, ms := range []int64{30, 10, 21} {
		tr.Add(at, time.Duration(ms)*time.Millisecond)
	}
	m := tr.Metrics()
	want := Metrics{Current: 21, Min: 10, Max: 30, Avg: 20, Jitter: 8, Samples: 3}
	if m != want {
		t.Errorf("metrics = %+v, want %+v", m, want)
	}

	for range 60 {
		tr.Add(at, 50*time.Millisecond)
	}
	if got := len(tr.History()); got != DefaultHistorySize {
		t.Errorf("history = %d, want %d", got, DefaultHistorySize)
	}
	// The last ten samples are identical.
	if got := tr.Metrics().Jitter; got != 0 {
		t.Errorf("jitter = %d, want 0", got)
	}

	tr.Reset()
	if tr.Metrics() != (Metrics{}) || len(tr.History()) != 0 {
		t.Errorf("after reset: %+v", tr.Metrics())
	}
}

func TestQualityLabels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ms         int64
		ping, jitt Quality
	}{
		{5, Excellent, Excellent},
		{25, Excellent, Good},
		{50, Excellent, Fair},
		{99, Excellent, Poor},
		{150, Good, Poor},
		{499, Fair, Poor},
		{500, Poor, Poor},
	}
	for _, tt := range tests {
		if got := PingQuality(tt.ms); got != tt.ping {
			t.Errorf("PingQuality(%d) = %s, want %s", tt.ms, got, tt.ping)
		}
		if got := JitterQuality(tt.ms); got != tt.jitt {
			t.Errorf("JitterQuality(%d) = %s, want %s", tt.ms, got, tt.jitt)
		}
	}
	custom := Thresholds{Excellent: 1, Good: 2, Fair: 3}
	if got := custom.Rate(2); got != Fair {
		t.Errorf("custom Rate(2) = %s, want fair", got)
	}
}

func newHealthServer(t *testing.T, status *atomic.Int32) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StatusPath {
			http.NotFound(w, r)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"server":true,"database":false}`))
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "https://")
}

func TestCheckerProbe(t *testing.T) {
	t.Parallel()
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv, endpoint := newHealthServer(t, &code)
	c := NewChecker(endpoint, CheckerConfig{}, srv.Client(), nil, nil)

	st, err := c.Probe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Server || st.Database {
		t.Errorf("status = %+v", st)
	}

	code.Store(http.StatusServiceUnavailable)
	if _, err := c.Probe(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
	r := c.Report()
	if r.Metrics.Samples != 2 {
		t.Errorf("samples = %d, want 2 (failed responses still timed)", r.Metrics.Samples)
	}
	if r.Status == nil || !r.Status.Server {
		t.Errorf("last good status lost: %+v", r.Status)
	}
	if !strings.Contains(r.LastError, "503") {
		t.Errorf("LastError = %q", r.LastError)
	}
	if r.PingQuality == "" {
		t.Error("missing ping quality")
	}
}

func TestCheckerStartStop(t *testing.T) {
	t.Parallel()
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv, endpoint := newHealthServer(t, &code)
	c := NewChecker(endpoint, CheckerConfig{Interval: 5 * time.Millisecond}, srv.Client(), nil, nil)

	c.Start(context.Background())
	c.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for c.Report().Metrics.Samples < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no probes recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Report().Monitoring {
		t.Error("Monitoring = false while started")
	}
	c.Stop()
	c.Stop()
	n := c.Report().Metrics.Samples
	time.Sleep(30 * time.Millisecond)
	r := c.Report()
	if r.Monitoring || r.Metrics.Samples != n {
		t.Errorf("probing continued after Stop: %+v", r.Metrics)
	}

	c.Reset()
	if c.Report().Metrics.Samples != 0 {
		t.Error("Reset kept samples")
	}
}
