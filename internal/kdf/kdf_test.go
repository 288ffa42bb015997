package kdf

import (
	"bytes"
	"testing"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

func testHeader(prf uint16) *wire.StreamHeader {
	var salt [16]byte
	for i := range salt {
		salt[i] = byte(i + 1)
	}
	h := wire.NewStreamHeader(salt)
	h.PRF = prf
	return h
}

func TestSessionKeyDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x11}, 32)
	for _, prf := range []uint16{wire.PRFSha256, wire.PRFSha512, wire.PRFBlake3} {
		h := testHeader(prf)
		k1, err := SessionKey(master, h)
		if err != nil {
			t.Fatalf("SessionKey failed for prf 0x%04x: %v", prf, err)
		}
		if len(k1) != SessionKeyLen {
			t.Fatalf("Session key is %d bytes, want %d", len(k1), SessionKeyLen)
		}
		k2, err := SessionKey(master, h)
		if err != nil {
			t.Fatalf("SessionKey failed on repeat: %v", err)
		}
		if !bytes.Equal(k1, k2) {
			t.Fatalf("Session key not deterministic for prf 0x%04x", prf)
		}
	}
}

func TestSessionKeyBindsInputs(t *testing.T) {
	master := bytes.Repeat([]byte{0x11}, 32)
	base, err := SessionKey(master, testHeader(wire.PRFSha256))
	if err != nil {
		t.Fatalf("SessionKey failed: %v", err)
	}

	// Different PRF, different salt, different key id, different master
	// key: all must change the derived key.
	other, _ := SessionKey(master, testHeader(wire.PRFSha512))
	if bytes.Equal(base, other) {
		t.Fatal("Key identical across PRFs")
	}

	h := testHeader(wire.PRFSha256)
	h.Salt[0] ^= 0xFF
	other, _ = SessionKey(master, h)
	if bytes.Equal(base, other) {
		t.Fatal("Key identical across salts")
	}

	h = testHeader(wire.PRFSha256)
	h.KeyID = 99
	other, _ = SessionKey(master, h)
	if bytes.Equal(base, other) {
		t.Fatal("Key identical across key ids")
	}

	master2 := bytes.Repeat([]byte{0x22}, 32)
	other, _ = SessionKey(master2, testHeader(wire.PRFSha256))
	if bytes.Equal(base, other) {
		t.Fatal("Key identical across master keys")
	}
}

func TestSessionKeyRejectsBadInputs(t *testing.T) {
	if _, err := SessionKey([]byte("tiny"), testHeader(wire.PRFSha256)); err == nil {
		t.Fatal("Accepted bad master key length")
	}

	h := testHeader(wire.PRFSha256)
	h.Salt = [16]byte{}
	if _, err := SessionKey(bytes.Repeat([]byte{0x11}, 32), h); err == nil {
		t.Fatal("Accepted all-zero salt")
	}

	h = testHeader(0x7777)
	if _, err := SessionKey(bytes.Repeat([]byte{0x11}, 32), h); err == nil {
		t.Fatal("Accepted unknown PRF")
	}
}

func TestSessionKeyMasterKeyLengths(t *testing.T) {
	for _, n := range MasterKeyLengths {
		master := bytes.Repeat([]byte{0x33}, n)
		if _, err := SessionKey(master, testHeader(wire.PRFSha256)); err != nil {
			t.Fatalf("SessionKey rejected %d-byte master key: %v", n, err)
		}
	}
}
