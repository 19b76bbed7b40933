package waveform

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/zsiec/vigil/internal/vitals"
)

var _ vitals.WaveformSink = (*Renderer)(nil)

func TestNewLayout(t *testing.T) {
	t.Parallel()
	l := NewLayout(600, 402, vitals.Channels)
	if len(l.Bands) != 4 {
		t.Fatalf("bands = %d, want 4", len(l.Bands))
	}
	wantTops := []int{0, 100, 200, 300}
	for i, b := range l.Bands {
		if b.Top != wantTops[i] {
			t.Errorf("band %d top = %d, want %d", i, b.Top, wantTops[i])
		}
	}
	if last := l.Bands[3]; last.Height != 102 {
		t.Errorf("last band height = %d, want 102", last.Height)
	}
	if b, ok := l.Band(vitals.ChannelPleth); !ok || b.Top != 200 {
		t.Errorf("Band(Pleth) = %+v, %v", b, ok)
	}
	if got := NewLayout(100, 100, nil); len(got.Bands) != 0 {
		t.Errorf("empty layout bands = %d", len(got.Bands))
	}
}

func TestBandTransform(t *testing.T) {
	t.Parallel()
	b := Band{Top: 100, Height: 100}
	opts := vitals.ChannelOptions{LowLimit: 0, HighLimit: 100}
	tests := []struct {
		v    float64
		want float64
	}{
		{100, 102},
		{0, 197},
		{50, 149.5},
		{250, 102},
		{-10, 197},
	}
	for _, tt := range tests {
		if got := b.Transform(opts, tt.v); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Transform(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
	if got := b.Transform(vitals.ChannelOptions{LowLimit: 5, HighLimit: 5}, 5); got != 149.5 {
		t.Errorf("flat range = %v, want center 149.5", got)
	}
}

func TestSize(t *testing.T) {
	t.Parallel()
	s := Size(600, 400, 100)
	if s.Width != 600 || s.Height != 400 || s.Duration != 6*time.Second {
		t.Errorf("Size = %+v", s)
	}
	if s := Size(10, 0, 0); s.Width != MinWidth || s.Duration != time.Second {
		t.Errorf("Size clamps = %+v", s)
	}
}

func newTestRenderer(t *testing.T, config RendererConfig) (*Renderer, *ImageCanvas, *ImageCanvas) {
	t.Helper()
	bg, fg := NewImageCanvas(0, 0), NewImageCanvas(0, 0)
	if config.Channels == nil {
		config.Channels = []vitals.Channel{vitals.ChannelECG}
	}
	return NewRenderer(bg, fg, config, nil), bg, fg
}

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i % 100)
	}
	return out
}

var t0 = time.Unix(1700000000, 0)

func TestRendererDrawsDueSamplesWithCarry(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRenderer(t, RendererConfig{Width: 600, Height: 100})
	opts := vitals.ChannelOptions{HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, ramp(20))

	r.Tick(t0)
	if got := r.Stats()[vitals.ChannelECG].Drawn; got != 0 {
		t.Fatalf("first tick drew %d", got)
	}
	r.Tick(t0.Add(150 * time.Millisecond))
	if got := r.Stats()[vitals.ChannelECG].Drawn; got != 1 {
		t.Fatalf("drawn = %d, want 1", got)
	}
	r.Tick(t0.Add(300 * time.Millisecond))
	st := r.Stats()[vitals.ChannelECG]
	if st.Drawn != 3 || st.Intake != 17 {
		t.Fatalf("stats = %+v, want 3 drawn 17 queued", st)
	}
	// 600 px over a 6 s sweep at 10 Hz is 10 px per sample.
	if st.Pen != 30 {
		t.Errorf("pen = %v, want 30", st.Pen)
	}
	// A tick with nothing due draws nothing.
	r.Tick(t0.Add(300 * time.Millisecond))
	if got := r.Stats()[vitals.ChannelECG].Drawn; got != 3 {
		t.Errorf("drawn = %d after empty tick", got)
	}
}

func TestRendererCapsAtOneSweep(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRenderer(t, RendererConfig{Width: 100, PixelsPerSecond: 100, MaxIntake: 20 * time.Second})
	opts := vitals.ChannelOptions{HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, ramp(200))

	r.Tick(t0)
	r.Tick(t0.Add(10 * time.Second))
	st := r.Stats()[vitals.ChannelECG]
	if st.Drawn != 10 || st.Intake != 190 {
		t.Errorf("stats = %+v, want one sweep of 10", st)
	}
	if st.Pen != 0 {
		t.Errorf("pen = %v, want wrapped to 0", st.Pen)
	}
}

func TestRendererIntakeDropsOldest(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRenderer(t, RendererConfig{})
	opts := vitals.ChannelOptions{HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, ramp(30))

	st := r.Stats()[vitals.ChannelECG]
	if st.Intake != 20 || st.Dropped != 10 {
		t.Errorf("stats = %+v, want 20 queued 10 dropped", st)
	}
	r.Push(vitals.ChannelResp, opts, ramp(5))
	if _, ok := r.Stats()[vitals.ChannelResp]; ok {
		t.Error("channel outside layout tracked")
	}
}

func TestRendererErasesAheadOfPen(t *testing.T) {
	t.Parallel()
	r, _, fg := newTestRenderer(t, RendererConfig{Width: 600, Height: 100, EraseAhead: 10})
	fg.Fill(0, 0, 600, 100, color.RGBA{0xff, 0, 0, 0xff})

	opts := vitals.ChannelOptions{HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, []float64{50})
	r.Tick(t0)
	r.Tick(t0.Add(100 * time.Millisecond))

	if got := fg.At(5, 20); got.A != 0 {
		t.Errorf("pixel ahead of pen = %v, want cleared", got)
	}
	if got := fg.At(30, 20); got.R != 0xff {
		t.Errorf("pixel beyond erase window = %v, want untouched", got)
	}
}

func TestRendererResizeReplays(t *testing.T) {
	t.Parallel()
	r, bg, _ := newTestRenderer(t, RendererConfig{Width: 100, PixelsPerSecond: 100})
	opts := vitals.ChannelOptions{HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, ramp(12))
	r.Tick(t0)
	r.Tick(t0.Add(time.Second))
	r.Tick(t0.Add(1200 * time.Millisecond))
	before := r.Stats()[vitals.ChannelECG]
	if before.Drawn != 12 || before.Pen != 20 {
		t.Fatalf("before resize = %+v", before)
	}
	backgrounds := r.backgrounds

	r.Resize(200, 300)
	if w, h := bg.Size(); w != 200 || h != 300 {
		t.Errorf("canvas size = %dx%d", w, h)
	}
	if r.backgrounds != backgrounds+1 {
		t.Errorf("background not redrawn")
	}
	after := r.Stats()[vitals.ChannelECG]
	// The old ring held the last 10 samples; replayed at 10 px each.
	if after.Drawn != before.Drawn+10 || after.Pen != 100 {
		t.Errorf("after resize = %+v", after)
	}
	if got := r.Sizing().Duration; got != 2*time.Second {
		t.Errorf("sweep = %v, want 2s", got)
	}
}

func TestRendererOptionsChangeRedrawsBackground(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRenderer(t, RendererConfig{})
	n := r.backgrounds
	opts := vitals.ChannelOptions{Baseline: 50, HighLimit: 100, SamplingRate: 10}
	r.Push(vitals.ChannelECG, opts, []float64{1})
	r.Push(vitals.ChannelECG, opts, []float64{1})
	r.Tick(t0)
	if r.backgrounds != n+1 {
		t.Errorf("backgrounds = %d, want %d", r.backgrounds, n+1)
	}
}

func TestWritePNG(t *testing.T) {
	t.Parallel()
	r := NewImageRenderer(RendererConfig{Width: 320, Height: 200}, nil)
	var buf bytes.Buffer
	if err := r.WritePNG(&buf); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 200 {
		t.Errorf("bounds = %v", b)
	}
	// The background is opaque, so the composed corner is too.
	if _, _, _, a := img.At(1, 1).RGBA(); a != 0xffff {
		t.Errorf("alpha = %#x, want opaque", a)
	}
}

type nopCanvas struct{}

func (nopCanvas) Size() (int, int)                                     { return 0, 0 }
func (nopCanvas) Clear(int, int, int, int)                             {}
func (nopCanvas) Fill(int, int, int, int, color.Color)                 {}
func (nopCanvas) Line(float64, float64, float64, float64, color.Color) {}

func TestImageRequiresImageCanvas(t *testing.T) {
	t.Parallel()
	r := NewRenderer(nopCanvas{}, nopCanvas{}, RendererConfig{}, nil)
	if _, err := r.Image(); err != ErrNotImage {
		t.Errorf("err = %v, want ErrNotImage", err)
	}
}

func TestImageCanvasLine(t *testing.T) {
	t.Parallel()
	c := NewImageCanvas(10, 10)
	white := color.RGBA{0xff, 0xff, 0xff, 0xff}
	c.Line(0, 0, 9, 9, white)
	for i := range 10 {
		if c.At(i, i) != white {
			t.Fatalf("pixel (%d,%d) not set", i, i)
		}
	}
	if c.At(0, 9).A != 0 {
		t.Error("off-line pixel set")
	}
}
