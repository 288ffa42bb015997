// Package streamcipher holds the per-stream AEAD state: the cipher
// suite selected by the stream header, the deterministic nonce
// schedule, and the canonical AAD construction. Workers share one
// Suite per stream; it is immutable after New.
package streamcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// SessionKeyLen is the derived session key length for both suites.
const SessionKeyLen = 32

// NonceLen is the AEAD nonce length for both suites.
const NonceLen = 12

// TagLen is the AEAD tag length for both suites.
const TagLen = 16

// ErrOpen is the authentication failure returned when an AEAD open
// rejects a frame. It aborts the containing segment.
var ErrOpen = errors.New("aead open failed")

// ErrSeal is the non-retryable failure for a rejected seal input.
var ErrSeal = errors.New("aead seal failed")

// Suite is a stream-scoped AEAD with its nonce schedule and AAD prefix
// precomputed from the stream header. Safe for concurrent use.
type Suite struct {
	aead      cipher.AEAD
	salt      [16]byte
	aadPrefix []byte
}

// New selects the AEAD implementation from header.Cipher and binds the
// session key. The AAD stream prefix is computed once here.
func New(h *wire.StreamHeader, sessionKey []byte) (*Suite, error) {
	if len(sessionKey) != SessionKeyLen {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeyLen, len(sessionKey))
	}
	var aead cipher.AEAD
	switch h.Cipher {
	case wire.CipherAES256GCM:
		block, err := aes.NewCipher(sessionKey)
		if err != nil {
			return nil, fmt.Errorf("aes-256-gcm init: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("aes-256-gcm init: %w", err)
		}
	case wire.CipherChaCha20Poly1305:
		var err error
		aead, err = chacha20poly1305.New(sessionKey)
		if err != nil {
			return nil, fmt.Errorf("chacha20-poly1305 init: %w", err)
		}
	default:
		return nil, wire.VerifyCipher(h.Cipher)
	}
	prefix, err := aadStreamPrefix(h)
	if err != nil {
		return nil, err
	}
	return &Suite{aead: aead, salt: h.Salt, aadPrefix: prefix}, nil
}

// Seal encrypts one frame's plaintext under the deterministic nonce and
// AAD for (segmentIndex, frameIndex, frameType). The returned
// ciphertext includes the tag.
func (s *Suite) Seal(segmentIndex uint64, frameIndex uint32, frameType uint16, plaintext []byte) ([]byte, error) {
	if err := wire.VerifyFrameType(frameType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	nonce := DeriveNonce(s.salt, segmentIndex, frameIndex)
	aad := s.frameAAD(segmentIndex, frameIndex, frameType)
	return s.aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open authenticates and decrypts one frame's ciphertext. Any tag or
// AAD mismatch returns ErrOpen; no partial plaintext is ever produced.
func (s *Suite) Open(segmentIndex uint64, frameIndex uint32, frameType uint16, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagLen {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrOpen)
	}
	nonce := DeriveNonce(s.salt, segmentIndex, frameIndex)
	aad := s.frameAAD(segmentIndex, frameIndex, frameType)
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: segment %d frame %d", ErrOpen, segmentIndex, frameIndex)
	}
	return plaintext, nil
}
