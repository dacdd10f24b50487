// Package chunkseq provides stream sequencing and validation utilities.
//
// The stream is cut into fixed-size chunks. Each chunk ends with a uint64 sequence ID
// in native byte order, and a CRC-32-IEEE checksum of the preceding bytes in native byte order.
// The receiver reassembles chunks from writes of any size, and requires them to arrive in order.
package chunkseq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// TrailerSize is the size of the sequence ID and checksum at the end of each chunk.
const TrailerSize = 8 + 4

// Sender stamps chunks for sending and keeps track of the number of chunks stamped.
type Sender struct {
	id uint64
}

// Count returns the number of chunks stamped.
func (s *Sender) Count() uint64 {
	return s.id
}

// Stamp stamps the chunk for sending.
func (s *Sender) Stamp(b []byte) {
	if len(b) < TrailerSize {
		panic("chunkseq: chunk too small")
	}
	binary.NativeEndian.PutUint64(b[len(b)-TrailerSize:], s.id)
	s.id++
	crc := crc32.ChecksumIEEE(b[:len(b)-4])
	binary.NativeEndian.PutUint32(b[len(b)-4:], crc)
}

var (
	ErrChunkChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrChunkOutOfOrder       = errors.New("chunk ID out of order")
)

// Receiver validates stamped chunks and counts the number of chunks received.
//
// Receiver implements [io.Writer], so it can be the destination of [io.Copy].
type Receiver struct {
	chunkSize int
	buf       []byte
	count     uint64
	err       error
}

// NewReceiver returns a receiver for chunks of the given size.
func NewReceiver(chunkSize int) *Receiver {
	if chunkSize < TrailerSize {
		panic("chunkseq: chunk size too small")
	}
	return &Receiver{
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}
}

// Count returns the number of valid chunks received.
func (r *Receiver) Count() uint64 {
	return r.count
}

// Pending returns the number of bytes received of the next, incomplete chunk.
func (r *Receiver) Pending() int {
	return len(r.buf)
}

// Write implements [io.Writer.Write].
//
// After an invalid chunk, Write keeps returning the same error.
func (r *Receiver) Write(p []byte) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}

	for len(p) > 0 {
		m := min(len(p), r.chunkSize-len(r.buf))
		r.buf = append(r.buf, p[:m]...)
		p = p[m:]
		n += m

		if len(r.buf) < r.chunkSize {
			break
		}

		if r.err = r.validate(r.buf); r.err != nil {
			return n, r.err
		}
		r.buf = r.buf[:0]
	}

	return n, nil
}

func (r *Receiver) validate(b []byte) error {
	crc := crc32.ChecksumIEEE(b[:len(b)-4])
	if crc != binary.NativeEndian.Uint32(b[len(b)-4:]) {
		return fmt.Errorf("%w: chunk %d", ErrChunkChecksumMismatch, r.count)
	}

	id := binary.NativeEndian.Uint64(b[len(b)-TrailerSize:])
	if id != r.count {
		return fmt.Errorf("%w: got %d, want %d", ErrChunkOutOfOrder, id, r.count)
	}

	r.count++
	return nil
}
