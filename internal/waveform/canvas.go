// Package waveform renders vitals waveforms as an oscilloscope sweep onto a
// pair of canvases: a static background (grid, band separators, baselines)
// and a live foreground trace.
package waveform

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sync"
)

// Canvas is the drawing surface the renderer needs.
type Canvas interface {
	Size() (w, h int)
	// Clear makes the rectangle transparent.
	Clear(x, y, w, h int)
	Fill(x, y, w, h int, c color.Color)
	Line(x0, y0, x1, y1 float64, c color.Color)
}

// Resizer is implemented by canvases that can change size.
type Resizer interface {
	Resize(w, h int)
}

// ImageCanvas is a Canvas backed by an image.RGBA. It is safe for
// concurrent use.
type ImageCanvas struct {
	mu  sync.Mutex
	img *image.RGBA
}

// NewImageCanvas returns a transparent canvas of the given size.
func NewImageCanvas(w, h int) *ImageCanvas {
	return &ImageCanvas{img: image.NewRGBA(image.Rect(0, 0, max(w, 0), max(h, 0)))}
}

func (c *ImageCanvas) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.img.Bounds()
	return b.Dx(), b.Dy()
}

func (c *ImageCanvas) Clear(x, y, w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	draw.Draw(c.img, image.Rect(x, y, x+w, y+h), image.Transparent, image.Point{}, draw.Src)
}

func (c *ImageCanvas) Fill(x, y, w, h int, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	draw.Draw(c.img, image.Rect(x, y, x+w, y+h), image.NewUniform(col), image.Point{}, draw.Src)
}

// Line draws a one pixel wide line using Bresenham's algorithm.
func (c *ImageCanvas) Line(x0, y0, x1, y1 float64, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ax, ay := int(math.Round(x0)), int(math.Round(y0))
	bx, by := int(math.Round(x1)), int(math.Round(y1))
	dx, dy := abs(bx-ax), -abs(by-ay)
	sx, sy := 1, 1
	if ax > bx {
		sx = -1
	}
	if ay > by {
		sy = -1
	}
	e := dx + dy
	for {
		c.img.Set(ax, ay, col)
		if ax == bx && ay == by {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			ax += sx
		}
		if e2 <= dx {
			e += dx
			ay += sy
		}
	}
}

// Resize replaces the image with a transparent one of the new size.
func (c *ImageCanvas) Resize(w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.img = image.NewRGBA(image.Rect(0, 0, max(w, 0), max(h, 0)))
}

// Image returns a copy of the canvas contents.
func (c *ImageCanvas) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// At returns the color of one pixel.
func (c *ImageCanvas) At(x, y int) color.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.img.RGBAAt(x, y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Compose draws fg over bg into a new image the size of bg.
func Compose(bg, fg *ImageCanvas) *image.RGBA {
	out := bg.Image()
	front := fg.Image()
	draw.Draw(out, out.Bounds(), front, image.Point{}, draw.Over)
	return out
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
