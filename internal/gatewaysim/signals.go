package gatewaysim

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// wave describes one synthetic waveform channel.
type wave struct {
	name     string
	rate     int // samples per second
	baseline float64
	low      float64
	high     float64
	// shape maps a phase in [0, 1) of one beat or breath to [-1, 1].
	shape  func(phase float64) float64
	period time.Duration
}

var waves = []wave{
	{name: "II", rate: 200, baseline: 2048, low: 0, high: 4095, shape: ecg, period: 833 * time.Millisecond},
	{name: "Pleth", rate: 100, baseline: 2048, low: 0, high: 4095, shape: pleth, period: 833 * time.Millisecond},
	{name: "Respiration", rate: 40, baseline: 2048, low: 0, high: 4095, shape: resp, period: 4 * time.Second},
}

// ecg is a coarse P-QRS-T complex.
func ecg(p float64) float64 {
	switch {
	case p < 0.10:
		return 0.15 * math.Sin(p/0.10*math.Pi)
	case p < 0.16:
		return 0
	case p < 0.18:
		return -0.2
	case p < 0.21:
		return 1
	case p < 0.23:
		return -0.35
	case p < 0.40:
		return 0
	case p < 0.55:
		return 0.3 * math.Sin((p-0.40)/0.15*math.Pi)
	}
	return 0
}

func pleth(p float64) float64 {
	if p < 0.3 {
		return math.Sin(p / 0.3 * math.Pi / 2)
	}
	return math.Cos((p-0.3)/0.7*math.Pi/2)*1.2 - 0.2
}

func resp(p float64) float64 { return math.Sin(2 * math.Pi * p) }

// samples returns n samples of w starting at sample index start.
func (w wave) samples(start, n int) []int {
	out := make([]int, n)
	amp := (w.high - w.low) * 0.35
	for i := range out {
		t := time.Duration(start+i) * time.Second / time.Duration(w.rate)
		phase := float64(t%w.period) / float64(w.period)
		out[i] = int(math.Round(w.baseline + amp*w.shape(phase)))
	}
	return out
}

// encodeSamples writes samples in the gateway's compact form: space
// separated, with runs of equal values folded to v*n.
func encodeSamples(s []int) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		j := i + 1
		for j < len(s) && s[j] == s[i] {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(s[i]))
		if run := j - i; run > 1 {
			fmt.Fprintf(&b, "*%d", run)
		}
		i = j
	}
	return b.String()
}

// drift returns a smooth deterministic variation in [-1, 1] for tick n.
func drift(n int, period float64) float64 {
	return math.Sin(2 * math.Pi * float64(n) / period)
}
