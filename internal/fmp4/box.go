// Package fmp4 reads and writes the subset of ISO-BMFF (fragmented MP4)
// needed to track decode timing of a live camera stream: top-level box
// framing, the init segment's track timescales and the per-fragment base
// decode time and duration.
package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	boxHeaderLen      = 8
	largeBoxHeaderLen = 16

	// DefaultMaxBoxSize bounds a single top-level box held by a Scanner.
	DefaultMaxBoxSize = 32 << 20
)

var (
	ErrTruncated      = errors.New("fmp4: truncated box")
	ErrInvalidSize    = errors.New("fmp4: invalid box size")
	ErrBoxTooLarge    = errors.New("fmp4: box exceeds size limit")
	ErrMissingBox     = errors.New("fmp4: required box missing")
	ErrUnexpectedType = errors.New("fmp4: unexpected box type")
)

// ParseError records which box was being parsed when an error occurred.
type ParseError struct {
	Box string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fmp4: parse %s: %v", e.Box, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// BoxHeader is the decoded size/type prefix of a box.
type BoxHeader struct {
	Type string
	// Size is the full box size including the header.
	Size int64
	// HeaderLen is 8, or 16 for boxes using a 64-bit size.
	HeaderLen int
}

// ReadBoxHeader decodes the header at the start of b. It returns
// ErrTruncated when b is too short to hold the header. Boxes that extend to
// end of file (size 0) are rejected since a live stream has no end.
func ReadBoxHeader(b []byte) (BoxHeader, error) {
	if len(b) < boxHeaderLen {
		return BoxHeader{}, ErrTruncated
	}
	h := BoxHeader{
		Type:      string(b[4:8]),
		Size:      int64(binary.BigEndian.Uint32(b[0:4])),
		HeaderLen: boxHeaderLen,
	}
	switch h.Size {
	case 0:
		return h, fmt.Errorf("%w: %q extends to end of stream", ErrInvalidSize, h.Type)
	case 1:
		if len(b) < largeBoxHeaderLen {
			return BoxHeader{}, ErrTruncated
		}
		large := binary.BigEndian.Uint64(b[8:16])
		if large > 1<<62 {
			return h, fmt.Errorf("%w: %q size %d", ErrInvalidSize, h.Type, large)
		}
		h.Size = int64(large)
		h.HeaderLen = largeBoxHeaderLen
	}
	if h.Size < int64(h.HeaderLen) {
		return h, fmt.Errorf("%w: %q size %d", ErrInvalidSize, h.Type, h.Size)
	}
	return h, nil
}

// Box is one complete box.
type Box struct {
	Type string
	// Data holds the whole box, header included.
	Data []byte
}

// Payload returns the box body after the header.
func (b Box) Payload() []byte {
	h, err := ReadBoxHeader(b.Data)
	if err != nil {
		return nil
	}
	return b.Data[h.HeaderLen:]
}

// Scanner reassembles complete top-level boxes from a byte stream whose
// chunk boundaries need not line up with box boundaries.
type Scanner struct {
	// MaxBoxSize caps a single box; zero means DefaultMaxBoxSize.
	MaxBoxSize int64

	buf []byte
}

// Feed appends p to the scanner and returns every box completed by it. On
// a framing error the buffered bytes are discarded and the error returned
// together with any boxes completed before it.
func (s *Scanner) Feed(p []byte) ([]Box, error) {
	s.buf = append(s.buf, p...)
	limit := s.MaxBoxSize
	if limit <= 0 {
		limit = DefaultMaxBoxSize
	}

	var boxes []Box
	off := 0
	for {
		h, err := ReadBoxHeader(s.buf[off:])
		if errors.Is(err, ErrTruncated) {
			break
		}
		if err != nil {
			s.buf = nil
			return boxes, err
		}
		if h.Size > limit {
			s.buf = nil
			return boxes, fmt.Errorf("%w: %q is %d bytes", ErrBoxTooLarge, h.Type, h.Size)
		}
		if int64(len(s.buf)-off) < h.Size {
			break
		}
		end := off + int(h.Size)
		data := make([]byte, h.Size)
		copy(data, s.buf[off:end])
		boxes = append(boxes, Box{Type: h.Type, Data: data})
		off = end
	}

	if off > 0 {
		rest := len(s.buf) - off
		copy(s.buf, s.buf[off:])
		s.buf = s.buf[:rest]
	}
	return boxes, nil
}

// Buffered reports the number of bytes held for an incomplete box.
func (s *Scanner) Buffered() int { return len(s.buf) }

// Reset drops any partially received box.
func (s *Scanner) Reset() { s.buf = nil }

// children calls fn for each box packed in payload.
func children(payload []byte, fn func(typ string, body []byte) error) error {
	for off := 0; off < len(payload); {
		h, err := ReadBoxHeader(payload[off:])
		if err != nil {
			return err
		}
		if int64(len(payload)-off) < h.Size {
			return fmt.Errorf("%w: %q needs %d bytes, have %d", ErrTruncated, h.Type, h.Size, len(payload)-off)
		}
		end := off + int(h.Size)
		if err := fn(h.Type, payload[off+h.HeaderLen:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}
