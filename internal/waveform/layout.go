package waveform

import (
	"time"

	"github.com/zsiec/vigil/internal/vitals"
)

const (
	// DefaultPixelsPerSecond is the sweep speed, 25 mm/s at roughly 4 px/mm.
	DefaultPixelsPerSecond = 100.0
	MinWidth               = 100
	MinBandHeight          = 8
)

// Band is the horizontal strip one channel is drawn in.
type Band struct {
	Channel vitals.Channel
	Top     int
	Height  int
}

// Layout partitions the canvas into equal bands, one per channel, top to
// bottom in channel order.
type Layout struct {
	Width  int
	Height int
	Bands  []Band
}

// NewLayout builds a layout. Remainder rows go to the last band.
func NewLayout(width, height int, channels []vitals.Channel) Layout {
	l := Layout{Width: width, Height: height}
	if len(channels) == 0 {
		return l
	}
	each := height / len(channels)
	for i, ch := range channels {
		b := Band{Channel: ch, Top: i * each, Height: each}
		if i == len(channels)-1 {
			b.Height = height - b.Top
		}
		l.Bands = append(l.Bands, b)
	}
	return l
}

// Band returns the band of ch.
func (l Layout) Band(ch vitals.Channel) (Band, bool) {
	for _, b := range l.Bands {
		if b.Channel == ch {
			return b, true
		}
	}
	return Band{}, false
}

// bandPadding keeps traces off the band edges.
const bandPadding = 2

// Transform maps a sample to a y coordinate inside b, using the channel's
// low and high limits. Values outside the limits are clamped. A channel
// with no usable range is drawn on the band's center line.
func (b Band) Transform(opts vitals.ChannelOptions, v float64) float64 {
	top := float64(b.Top + bandPadding)
	span := float64(b.Height - 2*bandPadding - 1)
	if span <= 0 {
		return float64(b.Top) + float64(b.Height)/2
	}
	lo, hi := opts.LowLimit, opts.HighLimit
	if hi <= lo {
		return top + span/2
	}
	v = min(max(v, lo), hi)
	return top + (hi-v)/(hi-lo)*span
}

// Sizing is the canvas size and the time one sweep takes to cross it.
type Sizing struct {
	Width    int
	Height   int
	Duration time.Duration
}

// Size derives the canvas size and sweep duration for a container width.
func Size(containerWidth, height int, pixelsPerSecond float64) Sizing {
	if pixelsPerSecond <= 0 {
		pixelsPerSecond = DefaultPixelsPerSecond
	}
	w := max(containerWidth, MinWidth)
	return Sizing{
		Width:    w,
		Height:   max(height, MinBandHeight),
		Duration: time.Duration(float64(w) / pixelsPerSecond * float64(time.Second)),
	}
}
