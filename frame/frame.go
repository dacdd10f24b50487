// Package frame reads and writes relay frames in two dialects.
//
// The raw dialect carries frames as a plain byte stream. Each read returns whatever
// arrived, up to [RawReadSize] bytes, and end of stream marks the last frame.
//
// The length-prefixed dialect puts an explicit size header before each frame:
//
//	frame := 2B u16be length + body
//
// A zero length header carries no body and ends the stream in that direction.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the size of a length-prefixed frame header.
	HeaderSize = 2

	// MaxFrameSize is the maximum size of a frame body.
	MaxFrameSize = math.MaxUint16

	// RawReadSize is the maximum number of bytes a raw dialect read returns.
	RawReadSize = 1024
)

var (
	ErrTruncated     = errors.New("stream ended inside a frame")
	ErrFrameTooLarge = errors.New("frame body exceeds 65535 bytes")
)

// Error is returned when a length-prefixed frame is malformed or truncated.
type Error struct {
	// Header is true if the error occurred while reading the header.
	Header bool
	Err    error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	if e.Header {
		return "bad frame header: " + e.Err.Error()
	}
	return "bad frame body: " + e.Err.Error()
}

// CloseWriter is implemented by streams that support closing the write direction
// while keeping the read direction open, such as [*net.TCPConn].
type CloseWriter interface {
	CloseWrite() error
}

// Dialect reads frames from and writes frames to a byte stream.
type Dialect interface {
	// String returns the dialect's name.
	String() string

	// ReadFrame reads one frame from r into buf and returns it.
	// An empty frame means no more frames will arrive.
	//
	// buf must be large enough for the largest frame the dialect produces.
	ReadFrame(r io.Reader, buf []byte) ([]byte, error)

	// WriteFrame writes b to w as one frame.
	WriteFrame(w io.Writer, b []byte) error

	// WriteEnd signals to the peer that no more frames follow,
	// and closes the write direction of w.
	WriteEnd(w io.Writer) error
}

var (
	// Raw is the unframed dialect.
	Raw Dialect = rawDialect{}

	// LengthPrefixed is the dialect with a u16be length header before each frame.
	LengthPrefixed Dialect = lengthPrefixedDialect{}
)

// BufferSize returns the size of a read buffer that fits any frame of d.
func BufferSize(d Dialect) int {
	if d == Raw {
		return RawReadSize
	}
	return MaxFrameSize
}

type rawDialect struct{}

func (rawDialect) String() string {
	return "raw"
}

// ReadFrame implements [Dialect.ReadFrame].
func (rawDialect) ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	buf = buf[:min(len(buf), RawReadSize)]
	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Deliver the data now. A sticky error will be returned again on the next read.
			return buf[:n], nil
		}
		switch {
		case err == io.EOF:
			return buf[:0], nil
		case err != nil:
			return nil, err
		}
	}
}

// WriteFrame implements [Dialect.WriteFrame].
//
// Writing an empty frame closes the write direction.
func (d rawDialect) WriteFrame(w io.Writer, b []byte) error {
	if len(b) == 0 {
		return d.WriteEnd(w)
	}
	_, err := w.Write(b)
	return err
}

// WriteEnd implements [Dialect.WriteEnd].
func (rawDialect) WriteEnd(w io.Writer) error {
	return closeWrite(w)
}

type lengthPrefixedDialect struct{}

func (lengthPrefixedDialect) String() string {
	return "length-prefixed"
}

// ReadFrame implements [Dialect.ReadFrame].
func (lengthPrefixedDialect) ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, truncated(true, err)
	}

	length := int(binary.BigEndian.Uint16(header[:]))
	if length == 0 {
		return buf[:0], nil
	}
	if length > len(buf) {
		return nil, &Error{Err: fmt.Errorf("%w: length %d, buffer size %d", ErrFrameTooLarge, length, len(buf))}
	}

	body := buf[:length]
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, truncated(false, err)
	}
	return body, nil
}

// WriteFrame implements [Dialect.WriteFrame].
//
// The header and body are written in a single call.
func (lengthPrefixedDialect) WriteFrame(w io.Writer, b []byte) error {
	out, err := AppendHeader(make([]byte, 0, HeaderSize+len(b)), len(b))
	if err != nil {
		return err
	}
	out = append(out, b...)
	_, err = w.Write(out)
	return err
}

// WriteEnd implements [Dialect.WriteEnd].
func (lengthPrefixedDialect) WriteEnd(w io.Writer) error {
	var sentinel [HeaderSize]byte
	if _, err := w.Write(sentinel[:]); err != nil {
		return err
	}
	return closeWrite(w)
}

// AppendHeader appends the length-prefixed header for a body of the given length to b.
func AppendHeader(b []byte, length int) ([]byte, error) {
	if length < 0 || length > MaxFrameSize {
		return b, fmt.Errorf("%w: length %d", ErrFrameTooLarge, length)
	}
	return binary.BigEndian.AppendUint16(b, uint16(length)), nil
}

func closeWrite(w io.Writer) error {
	if cw, ok := w.(CloseWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// truncated turns the errors [io.ReadFull] returns on early end of stream into an [*Error]
// wrapping [ErrTruncated]. Other errors are returned as is.
func truncated(header bool, err error) error {
	switch err {
	case io.EOF, io.ErrUnexpectedEOF:
		return &Error{Header: header, Err: fmt.Errorf("%w: %w", ErrTruncated, err)}
	default:
		return err
	}
}
