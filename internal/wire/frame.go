package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderLen is the fixed encoded size of a FrameHeader.
const FrameHeaderLen = 28

// FrameHeader prefixes every frame record inside a segment's wire.
// CiphertextLen includes the AEAD tag.
type FrameHeader struct {
	SegmentIndex  uint64
	FrameIndex    uint32
	FrameType     uint16
	CiphertextLen uint32
	Reserved      uint32 // must be zero
}

// EncodeFrame serializes a frame header followed by its ciphertext into
// a single freshly allocated buffer. This is the only allocation on the
// encode path; the ciphertext is copied exactly once, into its final
// resting place.
func EncodeFrame(h *FrameHeader, ciphertext []byte) ([]byte, error) {
	if err := VerifyFrameType(h.FrameType); err != nil {
		return nil, err
	}
	if len(ciphertext) != int(h.CiphertextLen) {
		return nil, fmt.Errorf("%w: ciphertext %d, header says %d", ErrLengthMismatch, len(ciphertext), h.CiphertextLen)
	}
	out := make([]byte, FrameHeaderLen+len(ciphertext))
	copy(out[0:4], FrameMagic[:])
	binary.LittleEndian.PutUint16(out[4:6], FrameVersion)
	binary.LittleEndian.PutUint16(out[6:8], h.FrameType)
	binary.LittleEndian.PutUint64(out[8:16], h.SegmentIndex)
	binary.LittleEndian.PutUint32(out[16:20], h.FrameIndex)
	binary.LittleEndian.PutUint32(out[20:24], h.CiphertextLen)
	binary.LittleEndian.PutUint32(out[24:28], h.Reserved)
	copy(out[FrameHeaderLen:], ciphertext)
	return out, nil
}

// ParseFrameHeader reads a fixed-size frame header from the start of
// buf. It does not touch the ciphertext that follows.
func ParseFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderLen {
		return FrameHeader{}, fmt.Errorf("%w: frame header %d < %d", ErrTruncated, len(buf), FrameHeaderLen)
	}
	if [4]byte(buf[0:4]) != FrameMagic {
		return FrameHeader{}, fmt.Errorf("%w: frame header %q", ErrBadMagic, buf[0:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != FrameVersion {
		return FrameHeader{}, fmt.Errorf("%w: frame version %d", ErrBadVersion, v)
	}
	h := FrameHeader{
		FrameType:     binary.LittleEndian.Uint16(buf[6:8]),
		SegmentIndex:  binary.LittleEndian.Uint64(buf[8:16]),
		FrameIndex:    binary.LittleEndian.Uint32(buf[16:20]),
		CiphertextLen: binary.LittleEndian.Uint32(buf[20:24]),
		Reserved:      binary.LittleEndian.Uint32(buf[24:28]),
	}
	if err := VerifyFrameType(h.FrameType); err != nil {
		return FrameHeader{}, err
	}
	return h, nil
}

// FrameRange marks one frame's position inside a segment wire buffer.
// The range covers header and ciphertext; Ciphertext re-slices the
// payload.
type FrameRange struct {
	Start  int
	End    int
	Header FrameHeader
}

// Bytes returns the full frame record as a view into wire.
func (r FrameRange) Bytes(segmentWire []byte) []byte {
	return segmentWire[r.Start:r.End]
}

// Ciphertext returns the frame's ciphertext (tag included) as a view
// into wire.
func (r FrameRange) Ciphertext(segmentWire []byte) []byte {
	return segmentWire[r.Start+FrameHeaderLen : r.End]
}

// SplitFrames walks the frame headers of a segment wire buffer and
// returns the frame boundaries without copying any ciphertext. This is
// the sole legal way to produce frame boundaries for the segment
// worker.
func SplitFrames(segmentWire []byte) ([]FrameRange, error) {
	var ranges []FrameRange
	offset := 0
	for offset < len(segmentWire) {
		h, err := ParseFrameHeader(segmentWire[offset:])
		if err != nil {
			return nil, fmt.Errorf("frame at offset %d: %w", offset, err)
		}
		end := offset + FrameHeaderLen + int(h.CiphertextLen)
		if end > len(segmentWire) {
			return nil, fmt.Errorf("%w: frame at offset %d runs past wire end", ErrLengthMismatch, offset)
		}
		ranges = append(ranges, FrameRange{Start: offset, End: end, Header: h})
		offset = end
	}
	return ranges, nil
}
