// Package health probes gateway health endpoints and derives ping and
// jitter metrics from the round-trip times.
package health

import (
	"math"
	"time"
)

const (
	DefaultJitterWindow = 10
	DefaultHistorySize  = 50
)

// Point is one recorded round trip.
type Point struct {
	Time   time.Time `json:"time"`
	PingMS int64     `json:"ping_ms"`
}

// Metrics summarize round-trip times in whole milliseconds.
type Metrics struct {
	Current int64 `json:"current_ms"`
	Min     int64 `json:"min_ms"`
	Max     int64 `json:"max_ms"`
	Avg     int64 `json:"avg_ms"`
	// Jitter is the population standard deviation of the most recent
	// samples, rounded.
	Jitter  int64 `json:"jitter_ms"`
	Samples int   `json:"samples"`
}

// Tracker accumulates ping samples. It is not safe for concurrent use.
type Tracker struct {
	jitterWindow int
	historySize  int
	metrics      Metrics
	history      []Point
}

// NewTracker returns a Tracker. Non-positive sizes take defaults.
func NewTracker(jitterWindow, historySize int) *Tracker {
	if jitterWindow <= 0 {
		jitterWindow = DefaultJitterWindow
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Tracker{jitterWindow: jitterWindow, historySize: historySize}
}

// Add records one round trip.
func (t *Tracker) Add(at time.Time, rtt time.Duration) {
	ms := rtt.Round(time.Millisecond).Milliseconds()
	t.history = append(t.history, Point{Time: at, PingMS: ms})
	if over := len(t.history) - t.historySize; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}

	m := &t.metrics
	if m.Samples == 0 {
		m.Min, m.Max = ms, ms
	}
	m.Avg = int64(math.Round((float64(m.Avg)*float64(m.Samples) + float64(ms)) / float64(m.Samples+1)))
	m.Samples++
	m.Current = ms
	m.Min = min(m.Min, ms)
	m.Max = max(m.Max, ms)

	recent := t.history[max(0, len(t.history)-t.jitterWindow):]
	pings := make([]int64, len(recent))
	for i, p := range recent {
		pings[i] = p.PingMS
	}
	m.Jitter = Jitter(pings)
}

// Metrics returns the current summary.
func (t *Tracker) Metrics() Metrics { return t.metrics }

// History returns the recorded points, oldest first.
func (t *Tracker) History() []Point { return append([]Point(nil), t.history...) }

// Reset clears all samples.
func (t *Tracker) Reset() {
	t.metrics = Metrics{}
	t.history = t.history[:0]
}

// Jitter is the rounded population standard deviation of pings. It is zero
// for fewer than two samples.
func Jitter(pings []int64) int64 {
	if len(pings) <= 1 {
		return 0
	}
	var sum float64
	for _, p := range pings {
		sum += float64(p)
	}
	mean := sum / float64(len(pings))
	var variance float64
	for _, p := range pings {
		d := float64(p) - mean
		variance += d * d
	}
	variance /= float64(len(pings))
	return int64(math.Round(math.Sqrt(variance)))
}

// Quality is a coarse rating of a latency figure.
type Quality string

const (
	Excellent Quality = "excellent"
	Good      Quality = "good"
	Fair      Quality = "fair"
	Poor      Quality = "poor"
)

// Thresholds are the upper bounds, in milliseconds, of the excellent, good
// and fair ratings.
type Thresholds struct {
	Excellent int64 `yaml:"excellent" json:"excellent"`
	Good      int64 `yaml:"good" json:"good"`
	Fair      int64 `yaml:"fair" json:"fair"`
}

var (
	DefaultPingThresholds   = Thresholds{Excellent: 100, Good: 200, Fair: 500}
	DefaultJitterThresholds = Thresholds{Excellent: 10, Good: 30, Fair: 70}
)

// Rate classifies ms against t.
func (t Thresholds) Rate(ms int64) Quality {
	switch {
	case ms < t.Excellent:
		return Excellent
	case ms < t.Good:
		return Good
	case ms < t.Fair:
		return Fair
	}
	return Poor
}

// PingQuality rates a round trip with the default thresholds.
func PingQuality(ms int64) Quality { return DefaultPingThresholds.Rate(ms) }

// JitterQuality rates jitter with the default thresholds.
func JitterQuality(ms int64) Quality { return DefaultJitterThresholds.Rate(ms) }
