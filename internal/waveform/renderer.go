package waveform

import (
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/vigil/internal/vitals"
)

const (
	DefaultEraseAhead  = 12
	DefaultMaxIntake   = 2 * time.Second
	DefaultGridSpacing = 25
	DefaultWidth       = 600
	DefaultHeight      = 400
)

// ErrNotImage is returned by Image when the renderer draws on canvases that
// are not ImageCanvas values.
var ErrNotImage = errors.New("waveform: canvases are not image backed")

var (
	defaultBackground = color.RGBA{0x03, 0x07, 0x12, 0xff}
	defaultGrid       = color.RGBA{0x11, 0x18, 0x27, 0xff}
	defaultSeparator  = color.RGBA{0x37, 0x41, 0x51, 0xff}
	defaultColors     = map[vitals.Channel]color.RGBA{
		vitals.ChannelECG:   {0xbe, 0xf2, 0x64, 0xff},
		vitals.ChannelECG2:  {0x86, 0xef, 0xac, 0xff},
		vitals.ChannelPleth: {0xfd, 0xe0, 0x47, 0xff},
		vitals.ChannelResp:  {0x7d, 0xd3, 0xfc, 0xff},
	}
)

// RendererConfig configures a Renderer. Zero values take defaults.
type RendererConfig struct {
	Width           int
	Height          int
	PixelsPerSecond float64
	Channels        []vitals.Channel
	// EraseAhead is the width in pixels blanked ahead of the pen.
	EraseAhead int
	// MaxIntake bounds the undrawn samples kept per channel, in time at the
	// channel's sampling rate. Older samples are dropped to stay near live.
	MaxIntake   time.Duration
	GridSpacing int
	Background  color.Color
	Grid        color.Color
	Separator   color.Color
	Colors      map[vitals.Channel]color.Color
}

// ChannelStats are per-channel render counters.
type ChannelStats struct {
	Intake  int     `json:"intake"`
	Drawn   int64   `json:"drawn"`
	Dropped int64   `json:"dropped"`
	Pen     float64 `json:"pen"`
}

type channel struct {
	opts     vitals.ChannelOptions
	known    bool
	intake   []float64
	ring     *vitals.Ring
	pen      float64
	prevX    float64
	prevY    float64
	havePrev bool
	carry    float64
	drawn    int64
	dropped  int64
}

// Renderer draws a sweep display. It is safe for concurrent use.
type Renderer struct {
	log    *slog.Logger
	config RendererConfig
	bg     Canvas
	fg     Canvas

	mu          sync.Mutex
	sizing      Sizing
	layout      Layout
	channels    map[vitals.Channel]*channel
	last        time.Time
	bgDirty     bool
	backgrounds int
}

// NewRenderer creates a renderer drawing onto bg and fg. Canvases that
// implement Resizer are sized to the configured dimensions. The background
// is drawn immediately.
func NewRenderer(bg, fg Canvas, config RendererConfig, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	if config.Width <= 0 {
		config.Width = DefaultWidth
	}
	if config.Height <= 0 {
		config.Height = DefaultHeight
	}
	if len(config.Channels) == 0 {
		config.Channels = vitals.Channels
	}
	if config.EraseAhead <= 0 {
		config.EraseAhead = DefaultEraseAhead
	}
	if config.MaxIntake <= 0 {
		config.MaxIntake = DefaultMaxIntake
	}
	if config.GridSpacing <= 0 {
		config.GridSpacing = DefaultGridSpacing
	}
	if config.Background == nil {
		config.Background = defaultBackground
	}
	if config.Grid == nil {
		config.Grid = defaultGrid
	}
	if config.Separator == nil {
		config.Separator = defaultSeparator
	}
	r := &Renderer{
		log:      log.With("component", "waveform"),
		config:   config,
		bg:       bg,
		fg:       fg,
		channels: make(map[vitals.Channel]*channel, len(config.Channels)),
	}
	for _, ch := range config.Channels {
		r.channels[ch] = &channel{}
	}
	r.mu.Lock()
	r.resizeLocked(config.Width, config.Height)
	r.mu.Unlock()
	return r
}

// NewImageRenderer creates a renderer on a fresh pair of image canvases.
func NewImageRenderer(config RendererConfig, log *slog.Logger) *Renderer {
	return NewRenderer(NewImageCanvas(0, 0), NewImageCanvas(0, 0), config, log)
}

func (r *Renderer) color(ch vitals.Channel) color.Color {
	if c, ok := r.config.Colors[ch]; ok {
		return c
	}
	if c, ok := defaultColors[ch]; ok {
		return c
	}
	return color.White
}

// sweepSamples is how many samples of a channel fit in one sweep.
func (r *Renderer) sweepSamples(opts vitals.ChannelOptions) int {
	if opts.SamplingRate <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(r.sizing.Duration.Seconds()*opts.SamplingRate)))
}

func (r *Renderer) step(opts vitals.ChannelOptions) float64 {
	return float64(r.sizing.Width) / float64(r.sweepSamples(opts))
}

// Push queues samples for ch. Samples for channels outside the layout are
// ignored. A change of options takes effect immediately and schedules a
// background redraw so the baseline follows.
func (r *Renderer) Push(ch vitals.Channel, opts vitals.ChannelOptions, samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.channels[ch]
	if !ok {
		return
	}
	if !st.known || st.opts != opts {
		rateChanged := st.opts.SamplingRate != opts.SamplingRate || st.ring == nil
		st.opts = opts
		st.known = true
		if rateChanged {
			st.ring = vitals.NewRing(r.sweepSamples(opts), opts.Baseline)
			st.carry = 0
		}
		r.bgDirty = true
	}
	if opts.SamplingRate <= 0 {
		st.dropped += int64(len(samples))
		return
	}

	st.intake = append(st.intake, samples...)
	limit := max(1, int(r.config.MaxIntake.Seconds()*opts.SamplingRate))
	if over := len(st.intake) - limit; over > 0 {
		st.intake = append(st.intake[:0], st.intake[over:]...)
		st.dropped += int64(over)
	}
}

// Tick draws every sample due since the previous tick: elapsed time times
// the sampling rate, carrying the fractional part, and never more than one
// sweep per channel. The first tick only starts the clock.
func (r *Renderer) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bgDirty {
		r.drawBackgroundLocked()
	}
	if r.last.IsZero() {
		r.last = now
		return
	}
	elapsed := max(now.Sub(r.last), 0)
	r.last = now

	for _, b := range r.layout.Bands {
		st := r.channels[b.Channel]
		if st == nil || !st.known || st.opts.SamplingRate <= 0 {
			continue
		}
		due := elapsed.Seconds()*st.opts.SamplingRate + st.carry
		n := int(due)
		st.carry = due - float64(n)
		if sweep := r.sweepSamples(st.opts); n > sweep {
			n, st.carry = sweep, 0
		}
		if n > len(st.intake) {
			n, st.carry = len(st.intake), 0
		}
		for _, v := range st.intake[:n] {
			r.drawLocked(b, st, v)
		}
		st.intake = append(st.intake[:0], st.intake[n:]...)
	}
}

// drawLocked plots one sample at the pen, blanking a window ahead of it.
func (r *Renderer) drawLocked(b Band, st *channel, v float64) {
	w := r.sizing.Width
	x := st.pen
	y := b.Transform(st.opts, v)

	ex := int(x) + 1
	r.fg.Clear(ex, b.Top, r.config.EraseAhead, b.Height)
	if over := ex + r.config.EraseAhead - w; over > 0 {
		r.fg.Clear(0, b.Top, over, b.Height)
	}

	c := r.color(b.Channel)
	if st.havePrev {
		r.fg.Line(st.prevX, st.prevY, x, y, c)
	} else {
		r.fg.Fill(int(math.Round(x)), int(math.Round(y)), 1, 1, c)
	}
	st.ring.Push(v)
	st.prevX, st.prevY, st.havePrev = x, y, true
	st.drawn++

	st.pen += r.step(st.opts)
	if st.pen >= float64(w) {
		st.pen = 0
		st.havePrev = false
	}
}

// DrawBackground redraws the grid, band separators and channel baselines.
func (r *Renderer) DrawBackground() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawBackgroundLocked()
}

func (r *Renderer) drawBackgroundLocked() {
	w, h := r.sizing.Width, r.sizing.Height
	r.bg.Clear(0, 0, w, h)
	r.bg.Fill(0, 0, w, h, r.config.Background)
	for x := 0; x < w; x += r.config.GridSpacing {
		r.bg.Line(float64(x), 0, float64(x), float64(h-1), r.config.Grid)
	}
	for y := 0; y < h; y += r.config.GridSpacing {
		r.bg.Line(0, float64(y), float64(w-1), float64(y), r.config.Grid)
	}
	for i, b := range r.layout.Bands {
		if i > 0 {
			r.bg.Line(0, float64(b.Top), float64(w-1), float64(b.Top), r.config.Separator)
		}
		st := r.channels[b.Channel]
		if st == nil || !st.known {
			continue
		}
		y := b.Transform(st.opts, st.opts.Baseline)
		for x := 0; x < w; x += 8 {
			r.bg.Line(float64(x), y, float64(min(x+3, w-1)), y, dim(r.color(b.Channel)))
		}
	}
	r.bgDirty = false
	r.backgrounds++
}

func dim(c color.Color) color.Color {
	cr, cg, cb, _ := c.RGBA()
	return color.RGBA{uint8(cr >> 10), uint8(cg >> 10), uint8(cb >> 10), 0xff}
}

// Resize rebuilds the layout for a new size, redraws the background and
// replays each channel's display ring from its oldest sample.
func (r *Renderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizeLocked(width, height)
}

func (r *Renderer) resizeLocked(width, height int) {
	r.sizing = Size(width, height, r.config.PixelsPerSecond)
	for _, c := range []Canvas{r.bg, r.fg} {
		if rc, ok := c.(Resizer); ok {
			rc.Resize(r.sizing.Width, r.sizing.Height)
		}
	}
	r.layout = NewLayout(r.sizing.Width, r.sizing.Height, r.config.Channels)
	r.drawBackgroundLocked()
	r.fg.Clear(0, 0, r.sizing.Width, r.sizing.Height)

	for _, b := range r.layout.Bands {
		st := r.channels[b.Channel]
		if st == nil || !st.known || st.ring == nil {
			continue
		}
		old := st.ring.Samples()
		n := int(min(st.ring.Written(), int64(len(old))))
		st.ring = vitals.NewRing(r.sweepSamples(st.opts), st.opts.Baseline)
		st.pen, st.havePrev = 0, false
		replay := old[len(old)-n:]
		if len(replay) > st.ring.Len() {
			replay = replay[len(replay)-st.ring.Len():]
		}
		for _, v := range replay {
			r.drawLocked(b, st, v)
		}
	}
	r.log.Debug("layout rebuilt", "width", r.sizing.Width, "height", r.sizing.Height, "sweep", r.sizing.Duration)
}

// Sizing returns the current canvas size and sweep duration.
func (r *Renderer) Sizing() Sizing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizing
}

// Layout returns the current band layout.
func (r *Renderer) Layout() Layout {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.layout
	l.Bands = append([]Band(nil), l.Bands...)
	return l
}

// Stats returns per-channel counters.
func (r *Renderer) Stats() map[vitals.Channel]ChannelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[vitals.Channel]ChannelStats, len(r.channels))
	for ch, st := range r.channels {
		out[ch] = ChannelStats{Intake: len(st.intake), Drawn: st.drawn, Dropped: st.dropped, Pen: st.pen}
	}
	return out
}

// Image composes the foreground over the background.
func (r *Renderer) Image() (*image.RGBA, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bg, ok1 := r.bg.(*ImageCanvas)
	fg, ok2 := r.fg.(*ImageCanvas)
	if !ok1 || !ok2 {
		return nil, ErrNotImage
	}
	return Compose(bg, fg), nil
}

// WritePNG encodes the composed display as PNG.
func (r *Renderer) WritePNG(w io.Writer) error {
	img, err := r.Image()
	if err != nil {
		return err
	}
	return EncodePNG(w, img)
}
