package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// StreamHeaderLen is the fixed encoded size of a StreamHeader.
const StreamHeaderLen = 80

// StreamHeader self-describes the entire stream. It is written once at
// stream start, read once at stream open, immutable afterwards, and
// bound into every frame's AAD.
type StreamHeader struct {
	Magic         [4]byte
	Version       uint16
	AlgProfile    uint16
	Cipher        uint16
	PRF           uint16
	Compression   uint16
	Strategy      uint16
	AADDomain     uint16
	Flags         uint16
	ChunkSize     uint32
	PlaintextSize uint64 // optional; 0 unless FlagHasTotalLen
	CRC32         uint32 // optional; 0 unless FlagHasCRC32
	DictID        uint32 // optional compression dictionary id
	Salt          [16]byte
	KeyID         uint32
	ParallelHint  uint32
	EncTimeNS     uint64
	Reserved      [8]byte // must be zero
}

// NewStreamHeader returns a header with the registry defaults and the
// given per-stream salt. Optional fields stay zero until their flag is
// set.
func NewStreamHeader(salt [16]byte) *StreamHeader {
	return &StreamHeader{
		Magic:       StreamMagic,
		Version:     StreamVersion,
		AlgProfile:  ProfileChaCha20Poly1305Sha256,
		Cipher:      CipherChaCha20Poly1305,
		PRF:         PRFSha256,
		Compression: CompressionAuto,
		Strategy:    StrategySequential,
		AADDomain:   AADDomainGeneric,
		ChunkSize:   DefaultChunkSize,
		Salt:        salt,
	}
}

// SetPlaintextSize records the total plaintext size and marks it present.
func (h *StreamHeader) SetPlaintextSize(size uint64) {
	h.PlaintextSize = size
	h.Flags |= FlagHasTotalLen
}

// SetDictID records the compression dictionary id and marks it used.
func (h *StreamHeader) SetDictID(id uint32) {
	h.DictID = id
	h.Flags |= FlagDictUsed
}

// SealCRC computes the header self-check over the first 32 encoded
// bytes and marks it present. Call after all other fields are final;
// the CRC field itself sits past the covered range.
func (h *StreamHeader) SealCRC() {
	h.Flags |= FlagHasCRC32
	buf := h.encode()
	h.CRC32 = crc32.ChecksumIEEE(buf[:32])
}

// Validate checks every stream-open invariant: magic, version, known
// registry ids, chunk size in the allowed set, nonzero salt, zeroed
// reserved bytes, and flag consistency.
func (h *StreamHeader) Validate() error {
	if h.Magic != StreamMagic {
		return fmt.Errorf("%w: stream header %q", ErrBadMagic, h.Magic[:])
	}
	if h.Version != StreamVersion {
		return fmt.Errorf("%w: stream header version %d", ErrBadVersion, h.Version)
	}
	if err := h.VerifyIDs(); err != nil {
		return err
	}
	if !ChunkSizeAllowed(h.ChunkSize) {
		return &ValidationError{Field: "chunk_size", Reason: fmt.Sprintf("%d not in allowed set", h.ChunkSize)}
	}
	if h.Salt == ([16]byte{}) {
		return &ValidationError{Field: "salt", Reason: "must not be all zero"}
	}
	if h.Reserved != ([8]byte{}) {
		return &ValidationError{Field: "reserved", Reason: "must be zero"}
	}
	if h.Flags&FlagDictUsed != 0 && h.DictID == 0 {
		return &ValidationError{Field: "dict_id", Reason: "DICT_USED set but dict_id is zero"}
	}
	return nil
}

// VerifyIDs checks only the registry fields, without the per-stream
// invariants. Used by the AAD builder which accepts any valid registry
// combination.
func (h *StreamHeader) VerifyIDs() error {
	if err := VerifyProfile(h.AlgProfile); err != nil {
		return err
	}
	if err := VerifyCipher(h.Cipher); err != nil {
		return err
	}
	if err := VerifyPRF(h.PRF); err != nil {
		return err
	}
	if err := VerifyCompression(h.Compression); err != nil {
		return err
	}
	if err := VerifyStrategy(h.Strategy); err != nil {
		return err
	}
	return VerifyAADDomain(h.AADDomain)
}

func (h *StreamHeader) encode() [StreamHeaderLen]byte {
	var out [StreamHeaderLen]byte
	copy(out[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(out[4:6], h.Version)
	binary.LittleEndian.PutUint16(out[6:8], h.AlgProfile)
	binary.LittleEndian.PutUint16(out[8:10], h.Cipher)
	binary.LittleEndian.PutUint16(out[10:12], h.PRF)
	binary.LittleEndian.PutUint16(out[12:14], h.Compression)
	binary.LittleEndian.PutUint16(out[14:16], h.Strategy)
	binary.LittleEndian.PutUint16(out[16:18], h.AADDomain)
	binary.LittleEndian.PutUint16(out[18:20], h.Flags)
	binary.LittleEndian.PutUint32(out[20:24], h.ChunkSize)
	binary.LittleEndian.PutUint64(out[24:32], h.PlaintextSize)
	binary.LittleEndian.PutUint32(out[32:36], h.CRC32)
	binary.LittleEndian.PutUint32(out[36:40], h.DictID)
	copy(out[40:56], h.Salt[:])
	binary.LittleEndian.PutUint32(out[56:60], h.KeyID)
	binary.LittleEndian.PutUint32(out[60:64], h.ParallelHint)
	binary.LittleEndian.PutUint64(out[64:72], h.EncTimeNS)
	copy(out[72:80], h.Reserved[:])
	return out
}

// EncodeStreamHeader serializes the header into its fixed 80-byte
// little-endian layout. The header is validated first.
func EncodeStreamHeader(h *StreamHeader) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	out := h.encode()
	return out[:], nil
}

// DecodeStreamHeader parses and validates an 80-byte header. When the
// header carries a CRC it is verified over the first 32 encoded bytes.
func DecodeStreamHeader(buf []byte) (*StreamHeader, error) {
	if len(buf) < StreamHeaderLen {
		return nil, fmt.Errorf("%w: stream header %d < %d", ErrTruncated, len(buf), StreamHeaderLen)
	}
	h := &StreamHeader{}
	copy(h.Magic[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.AlgProfile = binary.LittleEndian.Uint16(buf[6:8])
	h.Cipher = binary.LittleEndian.Uint16(buf[8:10])
	h.PRF = binary.LittleEndian.Uint16(buf[10:12])
	h.Compression = binary.LittleEndian.Uint16(buf[12:14])
	h.Strategy = binary.LittleEndian.Uint16(buf[14:16])
	h.AADDomain = binary.LittleEndian.Uint16(buf[16:18])
	h.Flags = binary.LittleEndian.Uint16(buf[18:20])
	h.ChunkSize = binary.LittleEndian.Uint32(buf[20:24])
	h.PlaintextSize = binary.LittleEndian.Uint64(buf[24:32])
	h.CRC32 = binary.LittleEndian.Uint32(buf[32:36])
	h.DictID = binary.LittleEndian.Uint32(buf[36:40])
	copy(h.Salt[:], buf[40:56])
	h.KeyID = binary.LittleEndian.Uint32(buf[56:60])
	h.ParallelHint = binary.LittleEndian.Uint32(buf[60:64])
	h.EncTimeNS = binary.LittleEndian.Uint64(buf[64:72])
	copy(h.Reserved[:], buf[72:80])

	if h.Flags&FlagHasCRC32 != 0 {
		if got := crc32.ChecksumIEEE(buf[0:32]); got != h.CRC32 {
			return nil, fmt.Errorf("%w: stream header crc 0x%08x, want 0x%08x", ErrBadCRC, got, h.CRC32)
		}
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}
