package fmp4

import (
	"encoding/binary"
	"fmt"
)

// Track describes one track of an init segment.
type Track struct {
	ID        uint32
	Timescale uint32
	// Handler is the hdlr handler type, e.g. "vide" or "soun".
	Handler string
	// DefaultSampleDuration comes from the track's trex box.
	DefaultSampleDuration uint32
}

// Init is the decoded timing information of an init segment.
type Init struct {
	// MovieTimescale is the mvhd timescale.
	MovieTimescale uint32
	Tracks         map[uint32]*Track
}

// TrackFragment is the timing of one traf within a moof.
type TrackFragment struct {
	TrackID        uint32
	BaseDecodeTime uint64
	// Duration is the sum of sample durations in track timescale units.
	Duration    uint64
	SampleCount uint32
}

// FragmentInfo is the decoded timing information of a moof box.
type FragmentInfo struct {
	Sequence uint32
	Tracks   []TrackFragment
}

// ParseInit finds the moov box among the top-level boxes in data and
// decodes per-track timescales and default sample durations.
func ParseInit(data []byte) (*Init, error) {
	var moov []byte
	err := children(data, func(typ string, body []byte) error {
		if typ == "moov" {
			moov = body
		}
		return nil
	})
	if err != nil {
		return nil, &ParseError{Box: "init", Err: err}
	}
	if moov == nil {
		return nil, &ParseError{Box: "moov", Err: ErrMissingBox}
	}

	init := &Init{Tracks: make(map[uint32]*Track)}
	var trex []*Track
	err = children(moov, func(typ string, body []byte) error {
		switch typ {
		case "mvhd":
			ts, err := parseTimescale(body)
			if err != nil {
				return &ParseError{Box: "mvhd", Err: err}
			}
			init.MovieTimescale = ts
		case "trak":
			t, err := parseTrak(body)
			if err != nil {
				return err
			}
			init.Tracks[t.ID] = t
		case "mvex":
			return children(body, func(typ string, body []byte) error {
				if typ != "trex" {
					return nil
				}
				if len(body) < 16 {
					return &ParseError{Box: "trex", Err: ErrTruncated}
				}
				trex = append(trex, &Track{
					ID:                    binary.BigEndian.Uint32(body[4:8]),
					DefaultSampleDuration: binary.BigEndian.Uint32(body[12:16]),
				})
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range trex {
		if t, ok := init.Tracks[d.ID]; ok {
			t.DefaultSampleDuration = d.DefaultSampleDuration
		}
	}
	if len(init.Tracks) == 0 {
		return nil, &ParseError{Box: "trak", Err: ErrMissingBox}
	}
	return init, nil
}

// Timescale returns the timescale of track id, falling back to the movie
// timescale for unknown tracks.
func (in *Init) Timescale(id uint32) uint32 {
	if t, ok := in.Tracks[id]; ok && t.Timescale != 0 {
		return t.Timescale
	}
	return in.MovieTimescale
}

func parseTrak(trak []byte) (*Track, error) {
	t := &Track{}
	err := children(trak, func(typ string, body []byte) error {
		switch typ {
		case "tkhd":
			id, err := parseTrackID(body)
			if err != nil {
				return &ParseError{Box: "tkhd", Err: err}
			}
			t.ID = id
		case "mdia":
			return children(body, func(typ string, body []byte) error {
				switch typ {
				case "mdhd":
					ts, err := parseTimescale(body)
					if err != nil {
						return &ParseError{Box: "mdhd", Err: err}
					}
					t.Timescale = ts
				case "hdlr":
					if len(body) < 12 {
						return &ParseError{Box: "hdlr", Err: ErrTruncated}
					}
					t.Handler = string(body[8:12])
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// parseTimescale reads the timescale of an mvhd or mdhd body, which share
// the same leading layout.
func parseTimescale(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrTruncated
	}
	off := 12
	if body[0] == 1 {
		off = 20
	}
	if len(body) < off+4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(body[off : off+4]), nil
}

func parseTrackID(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrTruncated
	}
	off := 12
	if body[0] == 1 {
		off = 20
	}
	if len(body) < off+4 {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(body[off : off+4]), nil
}

// tfhd flags
const (
	tfhdBaseDataOffset         = 0x000001
	tfhdSampleDescriptionIndex = 0x000002
	tfhdDefaultSampleDuration  = 0x000008
	tfhdDefaultSampleSize      = 0x000010
	tfhdDefaultSampleFlags     = 0x000020
	tfhdDefaultBaseIsMoof      = 0x020000
)

// trun flags
const (
	trunDataOffset       = 0x000001
	trunFirstSampleFlags = 0x000004
	trunSampleDuration   = 0x000100
	trunSampleSize       = 0x000200
	trunSampleFlags      = 0x000400
	trunSampleCTO        = 0x000800
)

// ParseFragment decodes the timing of a complete moof box (header
// included). Default sample durations missing from tfhd are taken from
// init when it is non-nil.
func ParseFragment(moof []byte, init *Init) (*FragmentInfo, error) {
	h, err := ReadBoxHeader(moof)
	if err != nil {
		return nil, &ParseError{Box: "moof", Err: err}
	}
	if h.Type != "moof" {
		return nil, &ParseError{Box: "moof", Err: fmt.Errorf("%w: %q", ErrUnexpectedType, h.Type)}
	}
	if int64(len(moof)) < h.Size {
		return nil, &ParseError{Box: "moof", Err: ErrTruncated}
	}

	f := &FragmentInfo{}
	err = children(moof[h.HeaderLen:h.Size], func(typ string, body []byte) error {
		switch typ {
		case "mfhd":
			if len(body) < 8 {
				return &ParseError{Box: "mfhd", Err: ErrTruncated}
			}
			f.Sequence = binary.BigEndian.Uint32(body[4:8])
		case "traf":
			tf, err := parseTraf(body, init)
			if err != nil {
				return err
			}
			f.Tracks = append(f.Tracks, tf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tracks) == 0 {
		return nil, &ParseError{Box: "traf", Err: ErrMissingBox}
	}
	return f, nil
}

func parseTraf(traf []byte, init *Init) (TrackFragment, error) {
	var (
		tf          TrackFragment
		defaultDur  uint32
		haveTfhd    bool
		haveDefault bool
	)
	var truns [][]byte
	err := children(traf, func(typ string, body []byte) error {
		switch typ {
		case "tfhd":
			if len(body) < 8 {
				return &ParseError{Box: "tfhd", Err: ErrTruncated}
			}
			flags := flagsOf(body)
			tf.TrackID = binary.BigEndian.Uint32(body[4:8])
			off := 8
			if flags&tfhdBaseDataOffset != 0 {
				off += 8
			}
			if flags&tfhdSampleDescriptionIndex != 0 {
				off += 4
			}
			if flags&tfhdDefaultSampleDuration != 0 {
				if len(body) < off+4 {
					return &ParseError{Box: "tfhd", Err: ErrTruncated}
				}
				defaultDur = binary.BigEndian.Uint32(body[off : off+4])
				haveDefault = true
			}
			haveTfhd = true
		case "tfdt":
			if len(body) < 8 {
				return &ParseError{Box: "tfdt", Err: ErrTruncated}
			}
			if body[0] == 1 {
				if len(body) < 12 {
					return &ParseError{Box: "tfdt", Err: ErrTruncated}
				}
				tf.BaseDecodeTime = binary.BigEndian.Uint64(body[4:12])
			} else {
				tf.BaseDecodeTime = uint64(binary.BigEndian.Uint32(body[4:8]))
			}
		case "trun":
			truns = append(truns, body)
		}
		return nil
	})
	if err != nil {
		return tf, err
	}
	if !haveTfhd {
		return tf, &ParseError{Box: "tfhd", Err: ErrMissingBox}
	}
	if !haveDefault && init != nil {
		if t, ok := init.Tracks[tf.TrackID]; ok {
			defaultDur = t.DefaultSampleDuration
		}
	}
	for _, body := range truns {
		count, dur, err := parseTrun(body, defaultDur)
		if err != nil {
			return tf, &ParseError{Box: "trun", Err: err}
		}
		tf.SampleCount += count
		tf.Duration += dur
	}
	return tf, nil
}

func parseTrun(body []byte, defaultDur uint32) (uint32, uint64, error) {
	if len(body) < 8 {
		return 0, 0, ErrTruncated
	}
	flags := flagsOf(body)
	count := binary.BigEndian.Uint32(body[4:8])
	off := 8
	if flags&trunDataOffset != 0 {
		off += 4
	}
	if flags&trunFirstSampleFlags != 0 {
		off += 4
	}

	stride := 0
	for _, f := range []uint32{trunSampleDuration, trunSampleSize, trunSampleFlags, trunSampleCTO} {
		if flags&f != 0 {
			stride += 4
		}
	}
	if uint64(len(body)-min(off, len(body))) < uint64(count)*uint64(stride) {
		return 0, 0, ErrTruncated
	}

	if flags&trunSampleDuration == 0 {
		return count, uint64(count) * uint64(defaultDur), nil
	}
	var total uint64
	for i := uint32(0); i < count; i++ {
		total += uint64(binary.BigEndian.Uint32(body[off : off+4]))
		off += stride
	}
	return count, total, nil
}

func flagsOf(body []byte) uint32 {
	return uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
}
