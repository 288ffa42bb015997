// Package wire defines the on-disk layout of an ouroboros stream: the
// 80-byte stream header, per-segment headers, and the frame records that
// make up a segment's wire bytes. All multi-byte integers are
// little-endian. Decoding never copies ciphertext; parsers return views
// into the caller's buffer.
package wire

import "fmt"

// Magic markers. StreamMagic opens every container, FrameMagic opens
// every frame record inside a segment.
var (
	StreamMagic = [4]byte{'O', 'S', 'E', '1'}
	FrameMagic  = [4]byte{'O', 'S', 'F', '1'}
)

// Protocol versions.
const (
	StreamVersion uint16 = 1
	FrameVersion  uint16 = 1
)

// Cipher suite identifiers (mirrored in the stream header).
const (
	CipherAES256GCM        uint16 = 0x0001
	CipherChaCha20Poly1305 uint16 = 0x0002
)

// KDF PRF identifiers.
const (
	PRFSha256 uint16 = 0x0001
	PRFSha512 uint16 = 0x0002
	PRFBlake3 uint16 = 0x0005
)

// Algorithm profiles bundle cipher + PRF combinations.
const (
	ProfileAES256GCMSha256        uint16 = 0x0101
	ProfileAES256GCMSha512        uint16 = 0x0102
	ProfileChaCha20Poly1305Sha256 uint16 = 0x0201
	ProfileChaCha20Poly1305Sha512 uint16 = 0x0202
	ProfileChaCha20Poly1305Blake3 uint16 = 0x0203
)

// Compression codec identifiers.
const (
	CompressionAuto    uint16 = 0x0000
	CompressionZstd    uint16 = 0x0001
	CompressionLZ4     uint16 = 0x0002
	CompressionDeflate uint16 = 0x0003
	CompressionNone    uint16 = 0x0004
)

// Encoder strategy hints. The decoder may still parallelize.
const (
	StrategySequential uint16 = 0x0000
	StrategyParallel   uint16 = 0x0001
	StrategyAuto       uint16 = 0x0002
)

// AAD domain identifiers.
const (
	AADDomainGeneric      uint16 = 0x0001
	AADDomainFileEnvelope uint16 = 0x0002
	AADDomainPipeEnvelope uint16 = 0x0003
)

// Stream header flag bits.
const (
	FlagHasTotalLen    uint16 = 0x0001
	FlagHasCRC32       uint16 = 0x0002
	FlagHasTerminator  uint16 = 0x0004
	FlagHasFinalDigest uint16 = 0x0008
	FlagDictUsed       uint16 = 0x0010
	FlagAADStrict      uint16 = 0x0020
)

// Segment header flag bits.
const (
	SegmentFinal      uint16 = 0x0001
	SegmentCompressed uint16 = 0x0002
	SegmentResumed    uint16 = 0x0004
)

// Frame type identifiers. Per segment the data frames come first, then
// exactly one digest frame, then exactly one terminator frame.
const (
	FrameData       uint16 = 0x0001
	FrameDigest     uint16 = 0x0002
	FrameTerminator uint16 = 0x0003
)

// Segment digest algorithm identifiers.
const (
	DigestSha256 uint16 = 0x0002
	DigestSha512 uint16 = 0x0004
	DigestBlake3 uint16 = 0x0201
)

// DefaultChunkSize is the segment plaintext size used when the caller
// does not pick one.
const DefaultChunkSize uint32 = 64 * 1024

// AllowedChunkSizes is the fixed set of valid segment plaintext sizes.
var AllowedChunkSizes = []uint32{
	16 * 1024,
	32 * 1024,
	64 * 1024,
	128 * 1024,
	256 * 1024,
	1024 * 1024,
	2048 * 1024,
	4096 * 1024,
}

// ChunkSizeAllowed reports whether size is in the allowed set.
func ChunkSizeAllowed(size uint32) bool {
	for _, s := range AllowedChunkSizes {
		if s == size {
			return true
		}
	}
	return false
}

// VerifyCipher rejects unknown cipher suite ids.
func VerifyCipher(raw uint16) error {
	switch raw {
	case CipherAES256GCM, CipherChaCha20Poly1305:
		return nil
	}
	return &UnknownIDError{Field: "cipher", Raw: raw}
}

// VerifyPRF rejects unknown PRF ids.
func VerifyPRF(raw uint16) error {
	switch raw {
	case PRFSha256, PRFSha512, PRFBlake3:
		return nil
	}
	return &UnknownIDError{Field: "prf", Raw: raw}
}

// VerifyProfile rejects unknown algorithm profile ids.
func VerifyProfile(raw uint16) error {
	switch raw {
	case ProfileAES256GCMSha256, ProfileAES256GCMSha512,
		ProfileChaCha20Poly1305Sha256, ProfileChaCha20Poly1305Sha512,
		ProfileChaCha20Poly1305Blake3:
		return nil
	}
	return &UnknownIDError{Field: "alg_profile", Raw: raw}
}

// ProfileFor returns the algorithm profile id bundling a cipher and
// PRF, or an error for a combination with no registered profile.
func ProfileFor(cipherID, prfID uint16) (uint16, error) {
	switch {
	case cipherID == CipherAES256GCM && prfID == PRFSha256:
		return ProfileAES256GCMSha256, nil
	case cipherID == CipherAES256GCM && prfID == PRFSha512:
		return ProfileAES256GCMSha512, nil
	case cipherID == CipherChaCha20Poly1305 && prfID == PRFSha256:
		return ProfileChaCha20Poly1305Sha256, nil
	case cipherID == CipherChaCha20Poly1305 && prfID == PRFSha512:
		return ProfileChaCha20Poly1305Sha512, nil
	case cipherID == CipherChaCha20Poly1305 && prfID == PRFBlake3:
		return ProfileChaCha20Poly1305Blake3, nil
	}
	return 0, fmt.Errorf("no algorithm profile for cipher 0x%04x with prf 0x%04x", cipherID, prfID)
}

// VerifyCompression rejects unknown compression codec ids.
func VerifyCompression(raw uint16) error {
	switch raw {
	case CompressionAuto, CompressionZstd, CompressionLZ4,
		CompressionDeflate, CompressionNone:
		return nil
	}
	return &UnknownIDError{Field: "compression", Raw: raw}
}

// VerifyStrategy rejects unknown strategy ids.
func VerifyStrategy(raw uint16) error {
	switch raw {
	case StrategySequential, StrategyParallel, StrategyAuto:
		return nil
	}
	return &UnknownIDError{Field: "strategy", Raw: raw}
}

// VerifyAADDomain rejects unknown AAD domain ids.
func VerifyAADDomain(raw uint16) error {
	switch raw {
	case AADDomainGeneric, AADDomainFileEnvelope, AADDomainPipeEnvelope:
		return nil
	}
	return &UnknownIDError{Field: "aad_domain", Raw: raw}
}

// VerifyDigestAlg rejects unknown segment digest algorithm ids.
func VerifyDigestAlg(raw uint16) error {
	switch raw {
	case DigestSha256, DigestSha512, DigestBlake3:
		return nil
	}
	return &UnknownIDError{Field: "digest_alg", Raw: raw}
}

// VerifyFrameType rejects unknown frame type ids.
func VerifyFrameType(raw uint16) error {
	switch raw {
	case FrameData, FrameDigest, FrameTerminator:
		return nil
	}
	return &UnknownIDError{Field: "frame_type", Raw: raw}
}
