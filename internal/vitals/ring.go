package vitals

// Ring is a fixed-length sample buffer. It starts filled with a fill value
// and never grows; each write overwrites the oldest sample.
type Ring struct {
	buf     []float64
	cursor  int
	written int64
}

// NewRing returns a ring of length n (at least 1) filled with fill.
func NewRing(n int, fill float64) *Ring {
	n = max(n, 1)
	r := &Ring{buf: make([]float64, n), cursor: n - 1}
	for i := range r.buf {
		r.buf[i] = fill
	}
	return r
}

// Push writes samples in order.
func (r *Ring) Push(samples ...float64) {
	for _, v := range samples {
		r.cursor = (r.cursor + 1) % len(r.buf)
		r.buf[r.cursor] = v
	}
	r.written += int64(len(samples))
}

// Len is the ring length.
func (r *Ring) Len() int { return len(r.buf) }

// Written is the total number of samples pushed.
func (r *Ring) Written() int64 { return r.written }

// Cursor is the index of the most recent write.
func (r *Ring) Cursor() int { return r.cursor }

// Oldest is the index of the oldest sample, the one after the cursor.
func (r *Ring) Oldest() int { return (r.cursor + 1) % len(r.buf) }

// Latest returns the most recent sample.
func (r *Ring) Latest() float64 { return r.buf[r.cursor] }

// Samples returns the ring contents oldest first.
func (r *Ring) Samples() []float64 {
	out := make([]float64, 0, len(r.buf))
	o := r.Oldest()
	out = append(out, r.buf[o:]...)
	return append(out, r.buf[:o]...)
}
