package mse

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingHandshake is reported when the first chunk of a stream does
	// not start with HandshakeMarker.
	ErrMissingHandshake = errors.New("mse: first chunk is not a codec handshake")
	// ErrMalformedHandshake is reported for an empty or non UTF-8 codec.
	ErrMalformedHandshake = errors.New("mse: malformed codec handshake")
	// ErrQueueOverflow is reported when a chunk would grow the append queue
	// past its capacity. The chunk is not queued.
	ErrQueueOverflow = errors.New("mse: append queue overflow")

	ErrInvalidState = errors.New("mse: invalid state")
	ErrClosed       = errors.New("mse: media source closed")
)

// UnsupportedCodecError is reported when a source buffer could not be
// created for the handshake codec.
type UnsupportedCodecError struct {
	MimeType string
	Err      error
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("mse: unsupported codec %s: %v", e.MimeType, e.Err)
}

func (e *UnsupportedCodecError) Unwrap() error {
	return e.Err
}

// AppendError wraps a failure of a source buffer append or remove.
type AppendError struct {
	Op  string
	Err error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("mse: %s: %v", e.Op, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}
