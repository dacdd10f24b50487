package chunkseq

import (
	"bytes"
	"crypto/rand"
	"errors"
	"slices"
	"testing"
)

const testChunkSize = 1000

func newStampedChunks(t *testing.T, s *Sender, n int) [][]byte {
	t.Helper()
	chunks := make([][]byte, n)
	for i := range chunks {
		b := make([]byte, testChunkSize)
		if _, err := rand.Read(b); err != nil {
			t.Fatal(err)
		}
		s.Stamp(b)
		chunks[i] = b
	}
	return chunks
}

func TestSenderReceiver(t *testing.T) {
	var s Sender
	chunks := newStampedChunks(t, &s, 16)
	stream := bytes.Join(chunks, nil)

	if got := s.Count(); got != 16 {
		t.Errorf("s.Count() = %d, want 16", got)
	}

	// Feed the stream in pieces that do not line up with chunk boundaries.
	for _, pieceSize := range []int{1, 7, 999, 1000, 1001, 4096, len(stream)} {
		r := NewReceiver(testChunkSize)
		for b := stream; len(b) > 0; {
			m := min(len(b), pieceSize)
			n, err := r.Write(b[:m])
			if err != nil {
				t.Fatalf("pieceSize %d: r.Write failed: %v", pieceSize, err)
			}
			if n != m {
				t.Fatalf("pieceSize %d: r.Write = %d, want %d", pieceSize, n, m)
			}
			b = b[m:]
		}
		if got := r.Count(); got != 16 {
			t.Errorf("pieceSize %d: r.Count() = %d, want 16", pieceSize, got)
		}
		if got := r.Pending(); got != 0 {
			t.Errorf("pieceSize %d: r.Pending() = %d, want 0", pieceSize, got)
		}
	}
}

func TestReceiverOutOfOrder(t *testing.T) {
	var s Sender
	chunks := newStampedChunks(t, &s, 3)
	chunks[1], chunks[2] = chunks[2], chunks[1]

	r := NewReceiver(testChunkSize)
	_, err := r.Write(bytes.Join(chunks, nil))
	if !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("r.Write = %v, want %v", err, ErrChunkOutOfOrder)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("r.Count() = %d, want 1", got)
	}

	// The error is sticky.
	if _, err = r.Write(chunks[1]); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Errorf("r.Write after error = %v, want %v", err, ErrChunkOutOfOrder)
	}
}

func TestReceiverChecksumMismatch(t *testing.T) {
	var s Sender
	chunks := newStampedChunks(t, &s, 1)
	b := slices.Clone(chunks[0])
	b[0] ^= 0xFF

	r := NewReceiver(testChunkSize)
	if _, err := r.Write(b); !errors.Is(err, ErrChunkChecksumMismatch) {
		t.Errorf("r.Write = %v, want %v", err, ErrChunkChecksumMismatch)
	}
}

func TestSenderStampChunkTooSmall(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("s.Stamp did not panic")
		}
	}()
	var s Sender
	s.Stamp(make([]byte, TrailerSize-1))
}
