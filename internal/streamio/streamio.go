// Package streamio is the container I/O boundary: the stream header is
// serialized exactly once, then SegmentHeader + wire records strictly
// in segment-index order. The ordered writers absorb out-of-order
// completion from the worker pools; the reader enforces exact-length
// records and treats any short read as a hard error.
package streamio

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/i5heu/ouroboros-stream/internal/pipeline"
	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// ErrShortRead marks a segment record that ends before its declared
// length. A trailing short record is how a crashed writer looks.
var ErrShortRead = errors.New("short read inside segment record")

// WriteStreamHeader serializes the 80-byte stream header.
func WriteStreamHeader(w io.Writer, h *wire.StreamHeader) error {
	buf, err := wire.EncodeStreamHeader(h)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write stream header: %w", err)
	}
	return nil
}

// ReadStreamHeader consumes and validates the stream header.
func ReadStreamHeader(r io.Reader) (*wire.StreamHeader, error) {
	buf := make([]byte, wire.StreamHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read stream header: %w", err)
	}
	return wire.DecodeStreamHeader(buf)
}

// ReadSegment reads the next SegmentHeader + wire record. A clean EOF
// before the first header byte returns io.EOF; anything shorter than a
// whole record is ErrShortRead, and a wire CRC mismatch is ErrBadCRC.
func ReadSegment(r io.Reader) (wire.SegmentHeader, []byte, error) {
	hdrBuf := make([]byte, wire.SegmentHeaderLen)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		if err == io.EOF {
			return wire.SegmentHeader{}, nil, io.EOF
		}
		return wire.SegmentHeader{}, nil, fmt.Errorf("%w: segment header: %v", ErrShortRead, err)
	}
	header, err := wire.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		return wire.SegmentHeader{}, nil, err
	}
	segmentWire := make([]byte, header.WireLen)
	if header.WireLen > 0 {
		if _, err := io.ReadFull(r, segmentWire); err != nil {
			return wire.SegmentHeader{}, nil, fmt.Errorf("%w: segment %d wire: %v", ErrShortRead, header.SegmentIndex, err)
		}
		if header.WireCRC32 != 0 {
			if got := crc32.ChecksumIEEE(segmentWire); got != header.WireCRC32 {
				return wire.SegmentHeader{}, nil, fmt.Errorf("%w: segment %d wire crc 0x%08x, header says 0x%08x",
					wire.ErrBadCRC, header.SegmentIndex, got, header.WireCRC32)
			}
		}
	}
	return header, segmentWire, nil
}

// OrderedSegmentWriter accepts encrypted segments from out-of-order
// completion and emits them in strict segment-index order. Only gaps
// are buffered; the buffer is bounded by the in-flight segment budget
// upstream.
type OrderedSegmentWriter struct {
	w          io.Writer
	next       uint64
	pending    map[uint64]*pipeline.EncryptedSegment
	finalIndex uint64
	haveFinal  bool
	flushed    []uint64
}

// NewOrderedSegmentWriter starts at segment index 0.
func NewOrderedSegmentWriter(w io.Writer) *OrderedSegmentWriter {
	return &OrderedSegmentWriter{w: w, pending: map[uint64]*pipeline.EncryptedSegment{}}
}

// SetBase moves the next-expected index, for resumed streams that
// start past zero. Must be called before the first Push.
func (ow *OrderedSegmentWriter) SetBase(index uint64) {
	ow.next = index
}

// Push hands over one completed segment and flushes every contiguous
// segment starting at the next expected index. A segment is durably
// committed only once its header and wire are fully written.
func (ow *OrderedSegmentWriter) Push(seg pipeline.EncryptedSegment) error {
	if seg.Header.SegmentIndex < ow.next {
		return fmt.Errorf("segment %d already written, next is %d", seg.Header.SegmentIndex, ow.next)
	}
	if _, dup := ow.pending[seg.Header.SegmentIndex]; dup {
		return fmt.Errorf("segment %d pushed twice", seg.Header.SegmentIndex)
	}
	if seg.Header.IsFinal() {
		ow.finalIndex = seg.Header.SegmentIndex
		ow.haveFinal = true
	}
	ow.pending[seg.Header.SegmentIndex] = &seg
	return ow.flush()
}

func (ow *OrderedSegmentWriter) flush() error {
	for {
		seg, ok := ow.pending[ow.next]
		if !ok {
			return nil
		}
		delete(ow.pending, ow.next)
		if _, err := ow.w.Write(wire.EncodeSegmentHeader(&seg.Header)); err != nil {
			return fmt.Errorf("write segment %d header: %w", seg.Header.SegmentIndex, err)
		}
		if len(seg.Wire) > 0 {
			if _, err := ow.w.Write(seg.Wire); err != nil {
				return fmt.Errorf("write segment %d wire: %w", seg.Header.SegmentIndex, err)
			}
		}
		ow.flushed = append(ow.flushed, ow.next)
		ow.next++
	}
}

// Flushed drains the indices committed since the last call, in order.
// The controller uses this to advance the recovery journal.
func (ow *OrderedSegmentWriter) Flushed() []uint64 {
	out := ow.flushed
	ow.flushed = nil
	return out
}

// Done reports whether the final segment and everything below it have
// been written.
func (ow *OrderedSegmentWriter) Done() bool {
	return ow.haveFinal && ow.next > ow.finalIndex
}

// Finish verifies nothing is left dangling: no buffered gaps, and the
// final marker seen and flushed.
func (ow *OrderedSegmentWriter) Finish() error {
	if len(ow.pending) > 0 {
		return fmt.Errorf("ordered writer finished with %d unflushed segments, next expected %d", len(ow.pending), ow.next)
	}
	if !ow.Done() {
		return fmt.Errorf("ordered writer finished without the final segment")
	}
	return nil
}

// OrderedPlaintextWriter is the decrypt-side twin: it releases
// committed plaintext segments in segment-index order. Plaintext
// reaches the sink only after its segment's digest verified upstream.
type OrderedPlaintextWriter struct {
	w          io.Writer
	next       uint64
	pending    map[uint64]*pipeline.DecryptedSegment
	finalIndex uint64
	haveFinal  bool
}

// NewOrderedPlaintextWriter starts at segment index 0.
func NewOrderedPlaintextWriter(w io.Writer) *OrderedPlaintextWriter {
	return &OrderedPlaintextWriter{w: w, pending: map[uint64]*pipeline.DecryptedSegment{}}
}

// Push hands over one committed segment and writes every contiguous
// segment's frames in frame order.
func (ow *OrderedPlaintextWriter) Push(seg pipeline.DecryptedSegment) error {
	if seg.Header.SegmentIndex < ow.next {
		return fmt.Errorf("segment %d already written, next is %d", seg.Header.SegmentIndex, ow.next)
	}
	if _, dup := ow.pending[seg.Header.SegmentIndex]; dup {
		return fmt.Errorf("segment %d pushed twice", seg.Header.SegmentIndex)
	}
	if seg.Header.IsFinal() {
		ow.finalIndex = seg.Header.SegmentIndex
		ow.haveFinal = true
	}
	ow.pending[seg.Header.SegmentIndex] = &seg
	for {
		next, ok := ow.pending[ow.next]
		if !ok {
			return nil
		}
		delete(ow.pending, ow.next)
		for _, frame := range next.Frames {
			if _, err := ow.w.Write(frame); err != nil {
				return fmt.Errorf("write plaintext segment %d: %w", next.Header.SegmentIndex, err)
			}
		}
		ow.next++
	}
}

// Done reports whether the final segment and everything below it have
// been written.
func (ow *OrderedPlaintextWriter) Done() bool {
	return ow.haveFinal && ow.next > ow.finalIndex
}

// Finish verifies no gaps remain and the final marker arrived.
func (ow *OrderedPlaintextWriter) Finish() error {
	if len(ow.pending) > 0 {
		return fmt.Errorf("ordered writer finished with %d unflushed segments, next expected %d", len(ow.pending), ow.next)
	}
	if !ow.Done() {
		return fmt.Errorf("ordered writer finished without the final segment")
	}
	return nil
}
