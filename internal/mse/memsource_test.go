package mse

import (
	"errors"
	"testing"

	"github.com/zsiec/vigil/internal/fmp4"
)

// eventLoop queues posted work until drained, standing in for the owner's
// goroutine.
type eventLoop struct{ tasks []func() }

func (l *eventLoop) post(fn func()) { l.tasks = append(l.tasks, fn) }

func (l *eventLoop) drain() {
	for len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks = l.tasks[1:]
		fn()
	}
}

const testTimescale = 90000

func secondFragment(seq uint32) []byte {
	base := uint64(seq) * testTimescale
	return fmp4.Fragment(seq, base, []uint32{30000, 30000, 30000}, []byte("frame-data"))
}

func TestMemorySourceWithFeeder(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	var rec errRecorder
	playing := 0
	f := NewFeeder(ms, FeederConfig{OnError: rec.record, OnPlaying: func() { playing++ }}, nil)

	f.Push(handshake("avc1.64001f"))
	f.Push(fmp4.InitSegment(testTimescale, 1280, 720))
	loop.drain()
	for seq := uint32(0); seq < 20; seq++ {
		frag := secondFragment(seq)
		// Split each fragment so boxes straddle chunk boundaries.
		f.Push(frag[:len(frag)/2])
		f.Push(frag[len(frag)/2:])
		loop.drain()
	}

	if len(rec.errs) != 0 {
		t.Fatalf("errors = %v", rec.errs)
	}
	if playing != 1 {
		t.Errorf("OnPlaying fired %d times, want 1", playing)
	}
	got := ms.Buffer().Buffered()
	if len(got) != 1 || got[0] != (TimeRange{Start: 5, End: 20}) {
		t.Fatalf("buffered = %v, want [[5 20]]", got)
	}
	if s := ms.Seekable(); s != (TimeRange{Start: 5, End: 20}) {
		t.Errorf("seekable = %+v, want [5 20]", s)
	}
	if f.Stats().Trims == 0 {
		t.Error("expected trims")
	}
}

func TestMemorySourceRejectsUnsupportedCodec(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	var rec errRecorder
	f := NewFeeder(ms, FeederConfig{OnError: rec.record}, nil)
	f.Push(handshake("vp09.00.10.08"))

	var uce *UnsupportedCodecError
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &uce) {
		t.Fatalf("errors = %v, want UnsupportedCodecError", rec.errs)
	}
}

func TestMemorySourceSingleBuffer(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	if _, err := ms.AddSourceBuffer(MimeType("avc1.64001f")); err != nil {
		t.Fatal(err)
	}
	if _, err := ms.AddSourceBuffer(MimeType("avc1.64001f")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second AddSourceBuffer err = %v, want ErrInvalidState", err)
	}
}

func TestMemoryBufferAppendWhileUpdating(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	sb, err := ms.AddSourceBuffer(MimeType("hvc1.1.6.L93.B0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.AppendBuffer([]byte{0}); err != nil {
		t.Fatal(err)
	}
	if !sb.Updating() {
		t.Fatal("Updating = false after append")
	}
	if err := sb.AppendBuffer([]byte{1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	loop.drain()
	if sb.Updating() {
		t.Fatal("Updating = true after drain")
	}
}

func TestMemoryBufferAbortDropsPending(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	sb, err := ms.AddSourceBuffer(MimeType("avc1.64001f"))
	if err != nil {
		t.Fatal(err)
	}
	ends := 0
	sb.OnUpdateEnd(func() { ends++ })
	_ = sb.AppendBuffer(fmp4.InitSegment(testTimescale, 640, 480))
	if err := sb.Abort(); err != nil {
		t.Fatal(err)
	}
	loop.drain()
	if ends != 0 {
		t.Errorf("update-end fired %d times after abort, want 0", ends)
	}
}

func TestMemoryBufferFragmentBeforeInit(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	sb, err := ms.AddSourceBuffer(MimeType("avc1.64001f"))
	if err != nil {
		t.Fatal(err)
	}
	var gotErr error
	sb.OnError(func(err error) { gotErr = err })
	_ = sb.AppendBuffer(secondFragment(0))
	loop.drain()
	if !errors.Is(gotErr, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", gotErr)
	}
}

func TestMemoryBufferRemoveSplitsRange(t *testing.T) {
	t.Parallel()

	var loop eventLoop
	ms := NewMemorySource(loop.post, nil)
	sb, err := ms.AddSourceBuffer(MimeType("avc1.64001f"))
	if err != nil {
		t.Fatal(err)
	}
	data := fmp4.InitSegment(testTimescale, 640, 480)
	for seq := uint32(0); seq < 10; seq++ {
		data = append(data, secondFragment(seq)...)
	}
	_ = sb.AppendBuffer(data)
	loop.drain()
	if err := sb.Remove(3, 4); err != nil {
		t.Fatal(err)
	}
	loop.drain()

	want := []TimeRange{{Start: 0, End: 3}, {Start: 4, End: 10}}
	got := sb.Buffered()
	if len(got) != len(want) {
		t.Fatalf("buffered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCheckMimeType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		ok   bool
	}{
		{`video/mp4; codecs="avc1.64001f"`, true},
		{`video/mp4; codecs="avc1.64001f, mp4a.40.2"`, true},
		{`video/mp4; codecs="hev1.1.6.L93.B0"`, true},
		{`video/webm; codecs="vp9"`, false},
		{`video/mp4; codecs="av01.0.05M.08"`, false},
		{`video/mp4`, false},
	}
	for _, tt := range tests {
		err := checkMimeType(tt.mime)
		if (err == nil) != tt.ok {
			t.Errorf("checkMimeType(%q) = %v, want ok=%v", tt.mime, err, tt.ok)
		}
	}
}
