// Package segdigest implements the incremental segment digest: a hash
// over the canonical byte sequence of (segment_index, data_frame_count,
// {frame_index, ciphertext_len, ciphertext}...) restricted to data
// frames, ordered by frame_index ascending. The digest binds ciphertext
// sequence and completeness; the digest and terminator frames are
// excluded from their own coverage.
package segdigest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// ErrMismatch is returned when a verifier finalizes against a digest
// that does not match. The containing segment aborts.
var ErrMismatch = errors.New("segment digest mismatch")

func newHash(alg uint16) (hash.Hash, error) {
	switch alg {
	case wire.DigestSha256:
		return sha256.New(), nil
	case wire.DigestSha512:
		return sha512.New(), nil
	case wire.DigestBlake3:
		return blake3.New(), nil
	default:
		return nil, wire.VerifyDigestAlg(alg)
	}
}

// Size returns the digest length in bytes for a supported algorithm,
// or 0 for an unknown id.
func Size(alg uint16) int {
	switch alg {
	case wire.DigestSha256, wire.DigestBlake3:
		return 32
	case wire.DigestSha512:
		return 64
	}
	return 0
}

// Builder accumulates the canonical digest input on the encrypt side.
type Builder struct {
	alg       uint16
	state     hash.Hash
	next      uint32
	finalized bool
}

// NewBuilder starts a segment digest. The segment index and data frame
// count are hashed immediately; they are part of the canonical input.
func NewBuilder(alg uint16, segmentIndex uint64, frameCount uint32) (*Builder, error) {
	state, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], segmentIndex)
	binary.LittleEndian.PutUint32(hdr[8:12], frameCount)
	state.Write(hdr[:])
	return &Builder{alg: alg, state: state}, nil
}

// UpdateFrame feeds one data frame's ciphertext. Frames must arrive in
// strictly ascending frame_index order starting at 0; a violation is a
// programming error in the caller, not a data error.
func (b *Builder) UpdateFrame(frameIndex uint32, ciphertext []byte) {
	if b.finalized {
		panic("segdigest: update after finalize")
	}
	if frameIndex != b.next {
		panic(fmt.Sprintf("segdigest: frame %d fed out of order, want %d", frameIndex, b.next))
	}
	b.next++
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], frameIndex)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(ciphertext)))
	b.state.Write(hdr[:])
	b.state.Write(ciphertext)
}

// Finalize returns the digest bytes. The builder is spent afterwards.
func (b *Builder) Finalize() []byte {
	b.finalized = true
	return b.state.Sum(nil)
}

// Verifier replays the canonical input on the decrypt side and compares
// against the digest carried by the segment's digest frame.
type Verifier struct {
	builder  *Builder
	expected []byte
}

// NewVerifier starts a verifier for one segment.
func NewVerifier(alg uint16, segmentIndex uint64, frameCount uint32, expected []byte) (*Verifier, error) {
	b, err := NewBuilder(alg, segmentIndex, frameCount)
	if err != nil {
		return nil, err
	}
	return &Verifier{builder: b, expected: expected}, nil
}

// UpdateFrame feeds one data frame's ciphertext, same ordering contract
// as Builder.UpdateFrame.
func (v *Verifier) UpdateFrame(frameIndex uint32, ciphertext []byte) {
	v.builder.UpdateFrame(frameIndex, ciphertext)
}

// Finalize compares the replayed digest against the expected bytes.
func (v *Verifier) Finalize() error {
	actual := v.builder.Finalize()
	if len(actual) != len(v.expected) {
		return ErrMismatch
	}
	// Not secret material; ciphertext authenticity is already AEAD-bound.
	for i := range actual {
		if actual[i] != v.expected[i] {
			return ErrMismatch
		}
	}
	return nil
}

// Payload is the plaintext layout of a digest frame:
// alg (u16 LE) || digest_len (u16 LE) || digest bytes.

// EncodePayload serializes a digest frame plaintext.
func EncodePayload(alg uint16, digest []byte) []byte {
	out := make([]byte, 4+len(digest))
	binary.LittleEndian.PutUint16(out[0:2], alg)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(digest)))
	copy(out[4:], digest)
	return out
}

// DecodePayload parses a digest frame plaintext.
func DecodePayload(plaintext []byte) (alg uint16, digest []byte, err error) {
	if len(plaintext) < 4 {
		return 0, nil, fmt.Errorf("digest frame too short: %d bytes", len(plaintext))
	}
	alg = binary.LittleEndian.Uint16(plaintext[0:2])
	if err := wire.VerifyDigestAlg(alg); err != nil {
		return 0, nil, err
	}
	length := int(binary.LittleEndian.Uint16(plaintext[2:4]))
	if length != len(plaintext)-4 {
		return 0, nil, fmt.Errorf("digest frame length %d, have %d bytes", length, len(plaintext)-4)
	}
	return alg, plaintext[4:], nil
}
