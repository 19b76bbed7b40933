package fmp4

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadBoxHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      []byte
		want    BoxHeader
		wantErr error
	}{
		{"short", []byte{0, 0, 0}, BoxHeader{}, ErrTruncated},
		{"compact", []byte{0, 0, 0, 16, 'm', 'o', 'o', 'f'}, BoxHeader{Type: "moof", Size: 16, HeaderLen: 8}, nil},
		{"large", []byte{0, 0, 0, 1, 'm', 'd', 'a', 't', 0, 0, 0, 0, 0, 0, 0, 40}, BoxHeader{Type: "mdat", Size: 40, HeaderLen: 16}, nil},
		{"large truncated", []byte{0, 0, 0, 1, 'm', 'd', 'a', 't', 0, 0}, BoxHeader{}, ErrTruncated},
		{"to end", []byte{0, 0, 0, 0, 'm', 'd', 'a', 't'}, BoxHeader{}, ErrInvalidSize},
		{"smaller than header", []byte{0, 0, 0, 4, 'f', 'r', 'e', 'e'}, BoxHeader{}, ErrInvalidSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadBoxHeader(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("header = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScannerSplitsAcrossChunks(t *testing.T) {
	t.Parallel()

	init := InitSegment(90000, 1280, 720)
	frag := Fragment(1, 0, []uint32{3000, 3000}, []byte("abcdefgh"))
	stream := append(append([]byte{}, init...), frag...)

	var s Scanner
	var got []string
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		boxes, err := s.Feed(stream[i:end])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		for _, b := range boxes {
			got = append(got, b.Type)
		}
	}

	want := []string{"ftyp", "moov", "moof", "mdat"}
	if len(got) != len(want) {
		t.Fatalf("boxes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("box %d = %q, want %q", i, got[i], want[i])
		}
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", s.Buffered())
	}
}

func TestScannerRejectsOversizedBox(t *testing.T) {
	t.Parallel()

	s := Scanner{MaxBoxSize: 64}
	_, err := s.Feed([]byte{0, 0, 1, 0, 'm', 'd', 'a', 't'})
	if !errors.Is(err, ErrBoxTooLarge) {
		t.Fatalf("err = %v, want ErrBoxTooLarge", err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d after error, want 0", s.Buffered())
	}
}

func TestParseInit(t *testing.T) {
	t.Parallel()

	in, err := ParseInit(InitSegment(90000, 640, 480))
	if err != nil {
		t.Fatal(err)
	}
	if in.MovieTimescale != 90000 {
		t.Errorf("MovieTimescale = %d, want 90000", in.MovieTimescale)
	}
	tr, ok := in.Tracks[VideoTrackID]
	if !ok {
		t.Fatalf("track %d missing", VideoTrackID)
	}
	if tr.Timescale != 90000 {
		t.Errorf("Timescale = %d, want 90000", tr.Timescale)
	}
	if tr.Handler != "vide" {
		t.Errorf("Handler = %q, want vide", tr.Handler)
	}
	if got := in.Timescale(42); got != 90000 {
		t.Errorf("Timescale(unknown) = %d, want movie timescale", got)
	}
}

func TestParseInitMissingMoov(t *testing.T) {
	t.Parallel()

	_, err := ParseInit(box("ftyp", []byte("iso5")))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Box != "moov" {
		t.Fatalf("err = %v, want ParseError for moov", err)
	}
	if !errors.Is(err, ErrMissingBox) {
		t.Errorf("err = %v, want ErrMissingBox", err)
	}
}

func TestParseFragment(t *testing.T) {
	t.Parallel()

	payload := []byte("0123456789")
	data := Fragment(7, 180000, []uint32{3000, 3000, 3003}, payload)

	var s Scanner
	boxes, err := s.Feed(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 2 {
		t.Fatalf("boxes = %d, want 2", len(boxes))
	}

	f, err := ParseFragment(boxes[0].Data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", f.Sequence)
	}
	if len(f.Tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(f.Tracks))
	}
	tf := f.Tracks[0]
	if tf.BaseDecodeTime != 180000 {
		t.Errorf("BaseDecodeTime = %d, want 180000", tf.BaseDecodeTime)
	}
	if tf.Duration != 9003 {
		t.Errorf("Duration = %d, want 9003", tf.Duration)
	}
	if tf.SampleCount != 3 {
		t.Errorf("SampleCount = %d, want 3", tf.SampleCount)
	}

	if !bytes.Equal(boxes[1].Payload(), payload) {
		t.Errorf("mdat payload = %q, want %q", boxes[1].Payload(), payload)
	}
}

func TestParseFragmentDefaultDurationFromInit(t *testing.T) {
	t.Parallel()

	trun := fullBox("trun", 0, 0, u32(4))
	traf := box("traf",
		fullBox("tfhd", 0, 0, u32(1)),
		fullBox("tfdt", 0, 0, u32(500)),
		trun,
	)
	moof := box("moof", fullBox("mfhd", 0, 0, u32(2)), traf)

	in := &Init{Tracks: map[uint32]*Track{1: {ID: 1, Timescale: 1000, DefaultSampleDuration: 40}}}
	f, err := ParseFragment(moof, in)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Tracks[0].Duration; got != 160 {
		t.Errorf("Duration = %d, want 160", got)
	}
	if got := f.Tracks[0].BaseDecodeTime; got != 500 {
		t.Errorf("BaseDecodeTime = %d, want 500", got)
	}
}

func TestParseFragmentWrongType(t *testing.T) {
	t.Parallel()

	_, err := ParseFragment(box("mdat", []byte{1}), nil)
	if !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("err = %v, want ErrUnexpectedType", err)
	}
}

func TestParseFragmentTruncatedTrun(t *testing.T) {
	t.Parallel()

	trun := fullBox("trun", 0, trunSampleDuration, u32(3), u32(10))
	moof := box("moof", fullBox("mfhd", 0, 0, u32(1)), box("traf", fullBox("tfhd", 0, 0, u32(1)), trun))
	_, err := ParseFragment(moof, nil)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
