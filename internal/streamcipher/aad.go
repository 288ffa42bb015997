package streamcipher

import (
	"encoding/binary"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// AAD layout: a stream prefix of header invariants followed by the
// frame's immutable coordinates. Ciphertext and plaintext lengths are
// deliberately absent; lengths are covered by the AEAD itself.
const (
	aadPrefixLen = 4 + 8*2 + 4 + 4 // magic, eight u16 registry fields, chunk_size, key_id
	aadFrameLen  = 8 + 4 + 2       // segment_index, frame_index, frame_type
)

// aadStreamPrefix serializes the stream-level invariants once per
// stream: magic, version, alg_profile, cipher, prf, compression,
// strategy, aad_domain, flags, chunk_size, key_id.
func aadStreamPrefix(h *wire.StreamHeader) ([]byte, error) {
	if err := h.VerifyIDs(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, aadPrefixLen)
	out = append(out, h.Magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, h.Version)
	out = binary.LittleEndian.AppendUint16(out, h.AlgProfile)
	out = binary.LittleEndian.AppendUint16(out, h.Cipher)
	out = binary.LittleEndian.AppendUint16(out, h.PRF)
	out = binary.LittleEndian.AppendUint16(out, h.Compression)
	out = binary.LittleEndian.AppendUint16(out, h.Strategy)
	out = binary.LittleEndian.AppendUint16(out, h.AADDomain)
	out = binary.LittleEndian.AppendUint16(out, h.Flags)
	out = binary.LittleEndian.AppendUint32(out, h.ChunkSize)
	out = binary.LittleEndian.AppendUint32(out, h.KeyID)
	return out, nil
}

// frameAAD appends the frame coordinates to the precomputed stream
// prefix. A fresh slice is returned; the prefix is never mutated.
func (s *Suite) frameAAD(segmentIndex uint64, frameIndex uint32, frameType uint16) []byte {
	out := make([]byte, 0, aadPrefixLen+aadFrameLen)
	out = append(out, s.aadPrefix...)
	out = binary.LittleEndian.AppendUint64(out, segmentIndex)
	out = binary.LittleEndian.AppendUint32(out, frameIndex)
	out = binary.LittleEndian.AppendUint16(out, frameType)
	return out
}

// BuildAAD exposes the canonical AAD for a frame. Used by tests and by
// external verifiers that re-derive frame authentication input.
func BuildAAD(h *wire.StreamHeader, segmentIndex uint64, frameIndex uint32, frameType uint16) ([]byte, error) {
	prefix, err := aadStreamPrefix(h)
	if err != nil {
		return nil, err
	}
	s := &Suite{aadPrefix: prefix}
	return s.frameAAD(segmentIndex, frameIndex, frameType), nil
}
