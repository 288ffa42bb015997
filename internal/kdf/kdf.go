// Package kdf derives the per-stream session key from the master key
// and the stream header. The master key is never used directly for
// AEAD; every stream gets its own 32-byte key bound to the header's
// salt and protocol identity.
package kdf

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// SessionKeyLen is the derived key length for all suites.
const SessionKeyLen = 32

// MasterKeyLengths are the accepted master key sizes.
var MasterKeyLengths = []int{16, 24, 32}

const blake3Context = "OSE1 v1 session key derivation"

// SessionKey derives the 32-byte per-stream session key.
//
// For the SHA-2 PRFs this is HKDF(extract: master_key with header.salt,
// expand: info). For BLAKE3 the derivation uses the derive-key mode
// over master_key || salt || info under a fixed context string.
// The info binds protocol identity: magic, version, profile, cipher,
// prf, compression, strategy, flags, aad_domain, chunk size, key id.
func SessionKey(masterKey []byte, h *wire.StreamHeader) ([]byte, error) {
	if !masterKeyLenOK(len(masterKey)) {
		return nil, fmt.Errorf("master key must be 16, 24 or 32 bytes, got %d", len(masterKey))
	}
	if h.Salt == ([16]byte{}) {
		return nil, fmt.Errorf("salt must not be all zero")
	}
	info := buildInfo(h)

	switch h.PRF {
	case wire.PRFSha256:
		return expand(hkdf.New(sha256.New, masterKey, h.Salt[:], info))
	case wire.PRFSha512:
		return expand(hkdf.New(sha512.New, masterKey, h.Salt[:], info))
	case wire.PRFBlake3:
		material := make([]byte, 0, len(masterKey)+len(h.Salt)+len(info))
		material = append(material, masterKey...)
		material = append(material, h.Salt[:]...)
		material = append(material, info...)
		key := make([]byte, SessionKeyLen)
		blake3.DeriveKey(blake3Context, material, key)
		return key, nil
	default:
		return nil, wire.VerifyPRF(h.PRF)
	}
}

func expand(r io.Reader) ([]byte, error) {
	key := make([]byte, SessionKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// buildInfo serializes the header fields that bind protocol identity.
// Reserved and telemetry fields are excluded.
func buildInfo(h *wire.StreamHeader) []byte {
	out := make([]byte, 0, 32)
	out = append(out, h.Magic[:]...)
	out = binary.LittleEndian.AppendUint16(out, h.Version)
	out = binary.LittleEndian.AppendUint16(out, h.AlgProfile)
	out = binary.LittleEndian.AppendUint16(out, h.Cipher)
	out = binary.LittleEndian.AppendUint16(out, h.PRF)
	out = binary.LittleEndian.AppendUint16(out, h.Compression)
	out = binary.LittleEndian.AppendUint16(out, h.Strategy)
	out = binary.LittleEndian.AppendUint16(out, h.Flags)
	out = binary.LittleEndian.AppendUint16(out, h.AADDomain)
	out = binary.LittleEndian.AppendUint32(out, h.ChunkSize)
	out = binary.LittleEndian.AppendUint32(out, h.KeyID)
	return out
}

func masterKeyLenOK(n int) bool {
	for _, l := range MasterKeyLengths {
		if l == n {
			return true
		}
	}
	return false
}
