// Package mse feeds a live fragmented MP4 byte stream into a decode buffer
// following the Media Source Extensions model: a codec handshake creates the
// single source buffer, later chunks are appended strictly in arrival order
// (coalescing into a one-slot queue while the buffer is busy), and content
// older than a trailing window behind the live edge is trimmed.
//
// The decode buffer itself is a port. MemorySource is an in-process
// implementation that tracks buffered time ranges by parsing fragment
// timing; a browser or media engine binding can implement the same
// interfaces.
package mse

import "fmt"

// HandshakeMarker is the type byte that opens the first message of a stream.
const HandshakeMarker = 0x09

// TimeRange is a buffered interval in seconds, end exclusive.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SourceBuffer is a decode buffer accepting sequential media segments.
type SourceBuffer interface {
	// AppendBuffer starts an asynchronous append. The buffer reports
	// Updating until the matching update-end callback fires.
	AppendBuffer(data []byte) error
	// Remove starts an asynchronous removal of [start, end).
	Remove(start, end float64) error
	Updating() bool
	Buffered() []TimeRange
	// Abort cancels a pending operation and resets the parser state.
	Abort() error
	OnUpdateEnd(fn func())
	OnError(fn func(error))
}

// MediaSource owns the source buffers of one playback session.
type MediaSource interface {
	AddSourceBuffer(mime string) (SourceBuffer, error)
	SetLiveSeekableRange(start, end float64) error
	Close() error
}

// MimeType returns the source buffer MIME type for a codec descriptor.
func MimeType(codec string) string {
	return fmt.Sprintf("video/mp4; codecs=%q", codec)
}
