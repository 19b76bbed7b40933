package mse

import (
	"fmt"
	"log/slog"
	"mime"
	"sort"
	"strings"
	"sync"

	"github.com/zsiec/vigil/internal/fmp4"
)

// SupportedCodecs lists the codec families MemorySource accepts.
var SupportedCodecs = []string{"avc1", "avc3", "hvc1", "hev1", "mp4a"}

// rangeEpsilon merges buffered ranges separated by rounding noise.
const rangeEpsilon = 1e-3

// MemorySource is an in-process MediaSource. Appends and removals complete
// asynchronously: the work is handed to post, which must run it later on
// the goroutine that owns the feeder, mirroring how a browser delivers
// update-end events from its event loop.
type MemorySource struct {
	log  *slog.Logger
	post func(func())

	mu       sync.Mutex
	buffer   *MemoryBuffer
	seekable TimeRange
	closed   bool
}

// NewMemorySource creates a MemorySource. post must not run the function
// synchronously. If log is nil, slog.Default() is used.
func NewMemorySource(post func(func()), log *slog.Logger) *MemorySource {
	if log == nil {
		log = slog.Default()
	}
	return &MemorySource{
		log:  log.With("component", "mse-memory"),
		post: post,
	}
}

func (m *MemorySource) AddSourceBuffer(mimeType string) (SourceBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.buffer != nil {
		return nil, fmt.Errorf("%w: source buffer already attached", ErrInvalidState)
	}
	if err := checkMimeType(mimeType); err != nil {
		return nil, err
	}
	m.buffer = &MemoryBuffer{
		log:  m.log,
		post: m.post,
		mime: mimeType,
	}
	return m.buffer, nil
}

func (m *MemorySource) SetLiveSeekableRange(start, end float64) error {
	if start < 0 || end < start {
		return fmt.Errorf("mse: invalid seekable range [%g, %g)", start, end)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seekable = TimeRange{Start: start, End: end}
	return nil
}

// Seekable returns the last live seekable range.
func (m *MemorySource) Seekable() TimeRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seekable
}

// Buffer returns the attached source buffer, or nil.
func (m *MemorySource) Buffer() *MemoryBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	b := m.buffer
	m.mu.Unlock()
	if b != nil {
		b.detach()
	}
	return nil
}

func checkMimeType(mimeType string) error {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fmt.Errorf("mse: parse mime type: %w", err)
	}
	if mediaType != "video/mp4" && mediaType != "audio/mp4" {
		return fmt.Errorf("mse: container %q not supported", mediaType)
	}
	codecs := params["codecs"]
	if codecs == "" {
		return fmt.Errorf("mse: mime type %q has no codecs", mimeType)
	}
	for _, c := range strings.Split(codecs, ",") {
		family, _, _ := strings.Cut(strings.TrimSpace(c), ".")
		supported := false
		for _, s := range SupportedCodecs {
			if family == s {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("mse: codec %q not supported", strings.TrimSpace(c))
		}
	}
	return nil
}

// MemoryBuffer is the SourceBuffer of a MemorySource. It reassembles boxes
// from appended bytes and maintains buffered ranges from fragment timing.
type MemoryBuffer struct {
	log  *slog.Logger
	post func(func())
	mime string

	mu          sync.Mutex
	updating    bool
	detached    bool
	gen         uint64
	scanner     fmp4.Scanner
	init        *fmp4.Init
	ranges      []TimeRange
	bytes       int64
	fragments   int64
	onUpdateEnd func()
	onError     func(error)
}

func (b *MemoryBuffer) AppendBuffer(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return ErrClosed
	}
	if b.updating {
		return fmt.Errorf("%w: append while updating", ErrInvalidState)
	}
	b.updating = true
	gen := b.gen
	buf := make([]byte, len(data))
	copy(buf, data)
	b.post(func() { b.completeAppend(gen, buf) })
	return nil
}

func (b *MemoryBuffer) completeAppend(gen uint64, data []byte) {
	b.mu.Lock()
	if b.gen != gen || b.detached {
		b.mu.Unlock()
		return
	}
	err := b.ingestLocked(data)
	b.updating = false
	onErr, onEnd := b.onError, b.onUpdateEnd
	b.mu.Unlock()

	if err != nil && onErr != nil {
		onErr(err)
	}
	if onEnd != nil {
		onEnd()
	}
}

func (b *MemoryBuffer) ingestLocked(data []byte) error {
	boxes, err := b.scanner.Feed(data)
	for _, box := range boxes {
		switch box.Type {
		case "moov":
			in, perr := fmp4.ParseInit(box.Data)
			if perr != nil {
				return perr
			}
			b.init = in
		case "moof":
			if b.init == nil {
				return fmt.Errorf("%w: fragment before init segment", ErrInvalidState)
			}
			frag, perr := fmp4.ParseFragment(box.Data, b.init)
			if perr != nil {
				return perr
			}
			b.fragments++
			for _, tf := range frag.Tracks {
				ts := b.init.Timescale(tf.TrackID)
				if ts == 0 || tf.Duration == 0 {
					continue
				}
				b.addRangeLocked(TimeRange{
					Start: float64(tf.BaseDecodeTime) / float64(ts),
					End:   float64(tf.BaseDecodeTime+tf.Duration) / float64(ts),
				})
			}
		case "mdat":
			b.bytes += int64(len(box.Data))
		}
	}
	return err
}

func (b *MemoryBuffer) addRangeLocked(r TimeRange) {
	b.ranges = append(b.ranges, r)
	sort.Slice(b.ranges, func(i, j int) bool { return b.ranges[i].Start < b.ranges[j].Start })
	merged := b.ranges[:1]
	for _, cur := range b.ranges[1:] {
		last := &merged[len(merged)-1]
		if cur.Start <= last.End+rangeEpsilon {
			last.End = max(last.End, cur.End)
			continue
		}
		merged = append(merged, cur)
	}
	b.ranges = merged
}

func (b *MemoryBuffer) Remove(start, end float64) error {
	if start < 0 || end <= start {
		return fmt.Errorf("mse: invalid remove range [%g, %g)", start, end)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return ErrClosed
	}
	if b.updating {
		return fmt.Errorf("%w: remove while updating", ErrInvalidState)
	}
	b.updating = true
	gen := b.gen
	b.post(func() { b.completeRemove(gen, start, end) })
	return nil
}

func (b *MemoryBuffer) completeRemove(gen uint64, start, end float64) {
	b.mu.Lock()
	if b.gen != gen || b.detached {
		b.mu.Unlock()
		return
	}
	var kept []TimeRange
	for _, r := range b.ranges {
		if r.End <= start || r.Start >= end {
			kept = append(kept, r)
			continue
		}
		if r.Start < start {
			kept = append(kept, TimeRange{Start: r.Start, End: start})
		}
		if r.End > end {
			kept = append(kept, TimeRange{Start: end, End: r.End})
		}
	}
	b.ranges = kept
	b.updating = false
	onEnd := b.onUpdateEnd
	b.mu.Unlock()

	if onEnd != nil {
		onEnd()
	}
}

func (b *MemoryBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *MemoryBuffer) Buffered() []TimeRange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TimeRange, len(b.ranges))
	copy(out, b.ranges)
	return out
}

// Abort cancels any pending operation and discards partially received boxes.
func (b *MemoryBuffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.updating = false
	b.scanner.Reset()
	return nil
}

func (b *MemoryBuffer) OnUpdateEnd(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpdateEnd = fn
}

func (b *MemoryBuffer) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// MimeType returns the type the buffer was created with.
func (b *MemoryBuffer) MimeType() string { return b.mime }

// BufferedBytes reports the media payload bytes received so far.
func (b *MemoryBuffer) BufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

func (b *MemoryBuffer) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	b.gen++
	b.updating = false
	b.ranges = nil
	b.scanner.Reset()
}
