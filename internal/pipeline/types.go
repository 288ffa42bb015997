// Package pipeline implements the two-level crypto worker topology: a
// pool of stateless frame workers per segment worker, fanned out over
// bounded channels, reassembled by frame index, digested, and emitted
// as whole segments. Ordering across segments is the ordered writer's
// job; ordering within a segment happens here.
package pipeline

import (
	"errors"

	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/wire"
	"github.com/i5heu/ouroboros-stream/pkg/telemetry"
)

// ErrProtocol marks a structurally invalid segment: duplicate or
// missing digest/terminator frames, out-of-range frame indices, a
// terminator at the wrong position. The segment aborts.
var ErrProtocol = errors.New("segment protocol violation")

// ErrCorruptSegment marks a segment whose wire bytes fail the
// pre-crypto checks (length or CRC against the segment header).
var ErrCorruptSegment = errors.New("corrupt segment")

// Crypto is the immutable per-stream context shared by all workers.
type Crypto struct {
	Header    *wire.StreamHeader
	Suite     *streamcipher.Suite
	DigestAlg uint16
	FrameSize int // plaintext bytes per data frame; 0 derives from chunk size
	Workers   int // frame workers per segment worker
}

// FrameSizeFor returns the data frame plaintext size: the explicit
// configuration when set, otherwise chunk_size/16 with a 4 KiB floor,
// which keeps full segments between 4 and 64 frames across the allowed
// chunk sizes.
func (c *Crypto) FrameSizeFor() int {
	if c.FrameSize > 0 {
		return c.FrameSize
	}
	fs := int(c.Header.ChunkSize) / 16
	if fs < 4096 {
		fs = 4096
	}
	return fs
}

// FrameInput is one plaintext frame headed into the encrypt pool.
type FrameInput struct {
	SegmentIndex uint64
	FrameIndex   uint32
	FrameType    uint16
	Plaintext    []byte
}

// EncryptedFrame is a sealed frame. Ciphertext is a view into Wire;
// the bytes exist exactly once.
type EncryptedFrame struct {
	SegmentIndex uint64
	FrameIndex   uint32
	FrameType    uint16
	Wire         []byte
	Ciphertext   []byte
}

// DecryptedFrame is an opened frame. Ciphertext stays a view into the
// segment wire for digest verification; Plaintext is freshly owned.
type DecryptedFrame struct {
	SegmentIndex uint64
	FrameIndex   uint32
	FrameType    uint16
	Ciphertext   []byte
	Plaintext    []byte
}

// EncryptSegmentInput is one segment's plaintext (already compressed
// when a codec is active) headed into a segment worker.
type EncryptSegmentInput struct {
	SegmentIndex  uint64
	Plaintext     []byte
	CompressedLen uint32
	Flags         uint16
}

// EncryptedSegment is a fully assembled segment: header plus contiguous
// wire, ready for the ordered writer.
type EncryptedSegment struct {
	Header   wire.SegmentHeader
	Wire     []byte
	Counters telemetry.Counters
}

// DecryptSegmentInput is one segment as read from the container.
type DecryptSegmentInput struct {
	Header wire.SegmentHeader
	Wire   []byte
}

// DecryptedSegment is a committed segment: the digest verified, the
// plaintext frames released in frame order.
type DecryptedSegment struct {
	Header   wire.SegmentHeader
	Frames   [][]byte
	Counters telemetry.Counters
}

type encFrameResult struct {
	frame EncryptedFrame
	err   error
}

type decFrameResult struct {
	frame DecryptedFrame
	err   error
}
