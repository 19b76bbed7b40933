package fmp4

import "encoding/binary"

// VideoTrackID is the track id used by InitSegment and Fragment.
const VideoTrackID = 1

func box(typ string, parts ...[]byte) []byte {
	size := boxHeaderLen
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, boxHeaderLen, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(size))
	copy(out[4:8], typ)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func fullBox(typ string, version uint8, flags uint32, parts ...[]byte) []byte {
	vf := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(typ, append([][]byte{vf}, parts...)...)
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

var unityMatrix = []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func matrix() []byte {
	var b []byte
	for _, v := range unityMatrix {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// InitSegment builds an ftyp+moov init segment with a single video track.
func InitSegment(timescale uint32, width, height uint16) []byte {
	ftyp := box("ftyp", []byte("iso5"), u32(512), []byte("iso5iso6mp41"))

	mvhd := fullBox("mvhd", 0, 0,
		u32(0), u32(0), // creation, modification
		u32(timescale), u32(0), // timescale, duration
		u32(0x00010000), u16(0x0100), make([]byte, 10), // rate, volume, reserved
		matrix(), make([]byte, 24), // pre_defined
		u32(VideoTrackID+1), // next_track_ID
	)

	tkhd := fullBox("tkhd", 0, 0x000003,
		u32(0), u32(0), u32(VideoTrackID), u32(0), u32(0), // creation, modification, id, reserved, duration
		make([]byte, 8), u16(0), u16(0), u16(0), u16(0), // reserved, layer, alt group, volume, reserved
		matrix(),
		u32(uint32(width)<<16), u32(uint32(height)<<16),
	)
	mdhd := fullBox("mdhd", 0, 0,
		u32(0), u32(0), u32(timescale), u32(0),
		u16(0x55c4), u16(0), // language "und", pre_defined
	)
	hdlr := fullBox("hdlr", 0, 0, u32(0), []byte("vide"), make([]byte, 12), []byte("VideoHandler\x00"))
	stbl := box("stbl",
		fullBox("stsd", 0, 0, u32(0)),
		fullBox("stts", 0, 0, u32(0)),
		fullBox("stsc", 0, 0, u32(0)),
		fullBox("stsz", 0, 0, u32(0), u32(0)),
		fullBox("stco", 0, 0, u32(0)),
	)
	minf := box("minf", fullBox("vmhd", 0, 1, make([]byte, 8)), stbl)
	trak := box("trak", tkhd, box("mdia", mdhd, hdlr, minf))

	trex := fullBox("trex", 0, 0, u32(VideoTrackID), u32(1), u32(0), u32(0), u32(0))
	moov := box("moov", mvhd, trak, box("mvex", trex))

	out := make([]byte, 0, len(ftyp)+len(moov))
	out = append(out, ftyp...)
	return append(out, moov...)
}

// Fragment builds a moof+mdat pair carrying len(durations) samples of the
// video track. payload is split evenly across the samples; the last one
// takes any remainder.
func Fragment(seq uint32, baseTime uint64, durations []uint32, payload []byte) []byte {
	n := len(durations)
	sizes := make([]uint32, n)
	if n > 0 {
		each := len(payload) / n
		for i := range sizes {
			sizes[i] = uint32(each)
		}
		sizes[n-1] += uint32(len(payload) - each*n)
	}

	build := func(dataOffset uint32) []byte {
		samples := make([]byte, 0, n*8)
		for i := range durations {
			samples = binary.BigEndian.AppendUint32(samples, durations[i])
			samples = binary.BigEndian.AppendUint32(samples, sizes[i])
		}
		trun := fullBox("trun", 0, trunDataOffset|trunSampleDuration|trunSampleSize,
			u32(uint32(n)), u32(dataOffset), samples)
		traf := box("traf",
			fullBox("tfhd", 0, tfhdDefaultBaseIsMoof, u32(VideoTrackID)),
			fullBox("tfdt", 1, 0, u64(baseTime)),
			trun,
		)
		return box("moof", fullBox("mfhd", 0, 0, u32(seq)), traf)
	}

	moof := build(0)
	moof = build(uint32(len(moof) + boxHeaderLen))
	mdat := box("mdat", payload)

	out := make([]byte, 0, len(moof)+len(mdat))
	out = append(out, moof...)
	return append(out, mdat...)
}
