package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format: a 4-byte unsigned big-endian length header followed by exactly
// that many bytes of UTF-8 JSON. The decoder never inspects payload bytes, so
// correctness does not depend on payload content.

const (
	// headerSize is the fixed length prefix in bytes.
	headerSize = 4

	// DefaultMaxMessageSize bounds a single frame's payload. Frames declaring
	// a larger length are rejected before any payload byte is read.
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// FramingError reports corruption at the frame layer: a declared length
// beyond the configured maximum, or a stream that ended in the middle of a
// frame. Framing errors are always fatal to the connection.
type FramingError struct {
	msg string
	err error
}

func (e *FramingError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("framing: %s: %v", e.msg, e.err)
	}
	return "framing: " + e.msg
}

func (e *FramingError) Unwrap() error {
	return e.err
}

func framingErr(err error, format string, args ...any) *FramingError {
	return &FramingError{msg: fmt.Sprintf(format, args...), err: err}
}

// EncodeFrame prefixes payload with its length header. Payloads larger than
// max are refused so the sender cannot produce a frame its peer must reject.
func EncodeFrame(payload []byte, max uint32) ([]byte, error) {
	if uint64(len(payload)) > uint64(max) {
		return nil, framingErr(nil, "payload %d bytes exceeds maximum %d", len(payload), max)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// FrameReader decodes consecutive frames from a byte stream. It is
// restartable: short reads leave it mid-frame and the next call resumes where
// the previous one stopped, so callers may feed it a pipe that delivers
// arbitrary chunk sizes.
type FrameReader struct {
	r   io.Reader
	max uint32
}

// NewFrameReader wraps r with a frame decoder. A zero max selects
// DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, max uint32) *FrameReader {
	if max == 0 {
		max = DefaultMaxMessageSize
	}
	return &FrameReader{r: r, max: max}
}

// Next returns the payload of the next complete frame.
//
// io.EOF is returned only for a clean close on a frame boundary; a stream
// that ends inside a header or payload yields a FramingError, so callers can
// tell an orderly shutdown from a truncated stream. An oversized declared
// length yields a FramingError before any payload byte is read.
func (fr *FrameReader) Next() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, framingErr(err, "stream closed inside frame header")
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > fr.max {
		return nil, framingErr(nil, "declared length %d exceeds maximum %d", length, fr.max)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, framingErr(err, "stream closed inside frame payload (%d of %d bytes)", n, length)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
