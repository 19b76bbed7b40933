package camera

import (
	"slices"
	"time"

	"github.com/zsiec/vigil/internal/careapi"
)

// Position is a pan/tilt/zoom triple in the device's normalized range.
type Position = careapi.PTZ

// Action is a bit set of relative move directions.
type Action uint8

const (
	ActionUp Action = 1 << iota
	ActionDown
	ActionLeft
	ActionRight
	ActionZoomIn
	ActionZoomOut
)

// BaseStep is the relative move delta at precision 1.
const BaseStep = 0.1

// Precisions are the supported step divisors, coarsest first.
var Precisions = []int{1, 2, 4, 8, 16}

// RelativeStep returns the relative move for a combination of actions at the
// given precision. Each active axis moves by BaseStep/precision; opposing
// actions cancel. The result is a delta for a single request and is never
// accumulated locally.
func RelativeStep(a Action, precision int) Position {
	delta := BaseStep / float64(max(1, precision))
	step := func(dir Action) float64 {
		if a&dir != 0 {
			return delta
		}
		return 0
	}
	return Position{
		X:    step(ActionRight) - step(ActionLeft),
		Y:    step(ActionUp) - step(ActionDown),
		Zoom: step(ActionZoomIn) - step(ActionZoomOut),
	}
}

// NextPrecision returns the entry after p in Precisions, wrapping to the
// first. A value not in Precisions also yields the first.
func NextPrecision(p int) int {
	i := slices.Index(Precisions, p)
	if i < 0 || i == len(Precisions)-1 {
		return Precisions[0]
	}
	return Precisions[i+1]
}

// CalculateDelay returns how far playback lags behind wall time, in
// seconds, given when playback started and the media time played since.
// It is zero before playback starts.
func CalculateDelay(playedOn time.Time, currentTime float64, now time.Time) float64 {
	if playedOn.IsZero() {
		return 0
	}
	return now.Sub(playedOn).Seconds() - currentTime
}
