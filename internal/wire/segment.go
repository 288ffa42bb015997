package wire

import (
	"encoding/binary"
	"fmt"
)

// SegmentHeaderLen is the fixed encoded size of a SegmentHeader.
const SegmentHeaderLen = 30

// SegmentHeader prefixes each segment's wire bytes. It is not
// encrypted; its integrity is bound by the authenticated digest frame
// inside the wire it describes, plus the optional wire CRC.
type SegmentHeader struct {
	SegmentIndex  uint64
	CompressedLen uint32
	WireLen       uint32
	WireCRC32     uint32
	FrameCount    uint32 // data + digest + terminator; 0 only for the final marker
	DigestAlg     uint16
	Flags         uint16
	Reserved      uint16 // must be zero
}

// IsFinal reports whether this segment carries the end-of-stream flag.
func (h *SegmentHeader) IsFinal() bool {
	return h.Flags&SegmentFinal != 0
}

// Validate checks the structural invariants a header must satisfy
// before its wire is read. frame_count must be at least 3 (one data,
// one digest, one terminator) unless the segment is an empty final
// marker.
func (h *SegmentHeader) Validate() error {
	if h.FrameCount == 0 {
		if !h.IsFinal() || h.WireLen != 0 {
			return &ValidationError{Field: "frame_count", Reason: "zero outside the empty final marker"}
		}
		return nil
	}
	if h.FrameCount < 3 {
		return &ValidationError{Field: "frame_count", Reason: fmt.Sprintf("%d < 3", h.FrameCount)}
	}
	if err := VerifyDigestAlg(h.DigestAlg); err != nil {
		return err
	}
	if h.Reserved != 0 {
		return &ValidationError{Field: "reserved", Reason: "must be zero"}
	}
	return nil
}

// EncodeSegmentHeader serializes the header into its fixed 30-byte
// little-endian layout.
func EncodeSegmentHeader(h *SegmentHeader) []byte {
	out := make([]byte, SegmentHeaderLen)
	binary.LittleEndian.PutUint64(out[0:8], h.SegmentIndex)
	binary.LittleEndian.PutUint32(out[8:12], h.CompressedLen)
	binary.LittleEndian.PutUint32(out[12:16], h.WireLen)
	binary.LittleEndian.PutUint32(out[16:20], h.WireCRC32)
	binary.LittleEndian.PutUint32(out[20:24], h.FrameCount)
	binary.LittleEndian.PutUint16(out[24:26], h.DigestAlg)
	binary.LittleEndian.PutUint16(out[26:28], h.Flags)
	binary.LittleEndian.PutUint16(out[28:30], h.Reserved)
	return out
}

// DecodeSegmentHeader parses a 30-byte segment header.
func DecodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < SegmentHeaderLen {
		return SegmentHeader{}, fmt.Errorf("%w: segment header %d < %d", ErrTruncated, len(buf), SegmentHeaderLen)
	}
	h := SegmentHeader{
		SegmentIndex:  binary.LittleEndian.Uint64(buf[0:8]),
		CompressedLen: binary.LittleEndian.Uint32(buf[8:12]),
		WireLen:       binary.LittleEndian.Uint32(buf[12:16]),
		WireCRC32:     binary.LittleEndian.Uint32(buf[16:20]),
		FrameCount:    binary.LittleEndian.Uint32(buf[20:24]),
		DigestAlg:     binary.LittleEndian.Uint16(buf[24:26]),
		Flags:         binary.LittleEndian.Uint16(buf[26:28]),
		Reserved:      binary.LittleEndian.Uint16(buf[28:30]),
	}
	if err := h.Validate(); err != nil {
		return SegmentHeader{}, err
	}
	return h, nil
}
