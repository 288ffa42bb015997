package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-stream/internal/segdigest"
	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/wire"
)

func testCrypto(t *testing.T) *Crypto {
	t.Helper()
	var salt [16]byte
	for i := range salt {
		salt[i] = byte(i + 1)
	}
	header := wire.NewStreamHeader(salt)
	header.ChunkSize = 64 * 1024
	key := bytes.Repeat([]byte{0x5A}, streamcipher.SessionKeyLen)
	suite, err := streamcipher.New(header, key)
	if err != nil {
		t.Fatalf("Failed to build suite: %v", err)
	}
	return &Crypto{
		Header:    header,
		Suite:     suite,
		DigestAlg: wire.DigestSha256,
		FrameSize: 1024,
		Workers:   4,
	}
}

func encryptTestSegment(t *testing.T, crypto *Crypto, in EncryptSegmentInput) EncryptedSegment {
	t.Helper()
	w := NewEncryptSegmentWorker(crypto)
	defer w.Close()
	seg, err := w.Process(in)
	if err != nil {
		t.Fatalf("Encrypt segment failed: %v", err)
	}
	return seg
}

func decryptTestSegment(crypto *Crypto, in DecryptSegmentInput) (DecryptedSegment, error) {
	w := NewDecryptSegmentWorker(crypto)
	defer w.Close()
	return w.Process(in)
}

func TestFrameRoundTrip(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := []byte("frame payload bytes")

	frame, err := EncryptFrame(crypto.Suite, FrameInput{
		SegmentIndex: 2,
		FrameIndex:   1,
		FrameType:    wire.FrameData,
		Plaintext:    plaintext,
	})
	if err != nil {
		t.Fatalf("EncryptFrame failed: %v", err)
	}
	if len(frame.Ciphertext) != len(plaintext)+streamcipher.TagLen {
		t.Fatalf("Ciphertext is %d bytes", len(frame.Ciphertext))
	}

	decrypted, err := DecryptFrame(crypto.Suite, frame.Wire)
	if err != nil {
		t.Fatalf("DecryptFrame failed: %v", err)
	}
	if decrypted.FrameIndex != 1 || decrypted.SegmentIndex != 2 || decrypted.FrameType != wire.FrameData {
		t.Fatalf("Decrypted frame metadata wrong: %+v", decrypted)
	}
	if !bytes.Equal(decrypted.Plaintext, plaintext) {
		t.Fatal("Frame round trip produced different plaintext")
	}
}

func TestFrameTamperFails(t *testing.T) {
	crypto := testCrypto(t)
	frame, err := EncryptFrame(crypto.Suite, FrameInput{
		FrameType: wire.FrameData,
		Plaintext: []byte("frame payload bytes"),
	})
	if err != nil {
		t.Fatalf("EncryptFrame failed: %v", err)
	}
	tampered := append([]byte(nil), frame.Wire...)
	tampered[wire.FrameHeaderLen+3] ^= 0x01
	if _, err := DecryptFrame(crypto.Suite, tampered); !errors.Is(err, streamcipher.ErrOpen) {
		t.Fatalf("Expected ErrOpen for tampered ciphertext, got %v", err)
	}
}

func TestEmptyDataFrameRejected(t *testing.T) {
	crypto := testCrypto(t)
	if _, err := EncryptFrame(crypto.Suite, FrameInput{FrameType: wire.FrameData}); err == nil {
		t.Fatal("EncryptFrame accepted an empty data frame")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0xAB}, 10*1024)

	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	// 10 KiB at 1 KiB frames: 10 data frames + digest + terminator.
	if encrypted.Header.FrameCount != 12 {
		t.Fatalf("Frame count is %d, want 12", encrypted.Header.FrameCount)
	}
	if encrypted.Header.WireLen != uint32(len(encrypted.Wire)) {
		t.Fatalf("WireLen %d does not match wire %d", encrypted.Header.WireLen, len(encrypted.Wire))
	}
	if int(encrypted.Header.WireLen) != cap(encrypted.Wire) {
		t.Fatalf("Wire buffer capacity %d exceeds content %d", cap(encrypted.Wire), encrypted.Header.WireLen)
	}

	decrypted, err := decryptTestSegment(crypto, DecryptSegmentInput{Header: encrypted.Header, Wire: encrypted.Wire})
	if err != nil {
		t.Fatalf("Decrypt segment failed: %v", err)
	}
	var out []byte
	for _, frame := range decrypted.Frames {
		out = append(out, frame...)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("Segment round trip produced different plaintext")
	}
}

func TestSegmentShortLastFrame(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0xCD}, 2*1024+100)

	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  4,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})
	if encrypted.Header.FrameCount != 5 {
		t.Fatalf("Frame count is %d, want 3 data + 2", encrypted.Header.FrameCount)
	}

	decrypted, err := decryptTestSegment(crypto, DecryptSegmentInput{Header: encrypted.Header, Wire: encrypted.Wire})
	if err != nil {
		t.Fatalf("Decrypt segment failed: %v", err)
	}
	if got := len(decrypted.Frames[2]); got != 100 {
		t.Fatalf("Last frame is %d bytes, want 100", got)
	}
}

func TestFinalMarkerSegment(t *testing.T) {
	crypto := testCrypto(t)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex: 9,
		Flags:        wire.SegmentFinal,
	})
	if encrypted.Header.FrameCount != 0 || len(encrypted.Wire) != 0 {
		t.Fatalf("Final marker has %d frames and %d wire bytes", encrypted.Header.FrameCount, len(encrypted.Wire))
	}

	decrypted, err := decryptTestSegment(crypto, DecryptSegmentInput{Header: encrypted.Header})
	if err != nil {
		t.Fatalf("Decrypt of final marker failed: %v", err)
	}
	if len(decrypted.Frames) != 0 {
		t.Fatal("Final marker produced plaintext frames")
	}
}

func TestSegmentFlippedByte(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0x00}, 4*1024)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	tampered := append([]byte(nil), encrypted.Wire...)
	tampered[wire.FrameHeaderLen+100] ^= 0x01
	header := encrypted.Header
	header.WireCRC32 = 0 // bypass the CRC so the failure is cryptographic

	_, err := decryptTestSegment(crypto, DecryptSegmentInput{Header: header, Wire: tampered})
	if !errors.Is(err, streamcipher.ErrOpen) {
		t.Fatalf("Expected ErrOpen for flipped ciphertext byte, got %v", err)
	}
}

func TestSegmentCRCMismatch(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0x77}, 2048)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	tampered := append([]byte(nil), encrypted.Wire...)
	tampered[len(tampered)-1] ^= 0x01
	_, err := decryptTestSegment(crypto, DecryptSegmentInput{Header: encrypted.Header, Wire: tampered})
	if !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("Expected ErrCorruptSegment, got %v", err)
	}
}

func TestSegmentSwappedFrames(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0x3C}, 8*1024)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	ranges, err := wire.SplitFrames(encrypted.Wire)
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}

	// Swap the wire regions of data frames 2 and 5. Equal-size frames,
	// so the layout stays parseable; AAD binds frame_index, so the
	// relocated frames must fail AEAD open.
	swapped := append([]byte(nil), encrypted.Wire...)
	copy(swapped[ranges[2].Start:ranges[2].End], encrypted.Wire[ranges[5].Start:ranges[5].End])
	copy(swapped[ranges[5].Start:ranges[5].End], encrypted.Wire[ranges[2].Start:ranges[2].End])

	header := encrypted.Header
	header.WireCRC32 = 0
	_, err = decryptTestSegment(crypto, DecryptSegmentInput{Header: header, Wire: swapped})
	if err == nil {
		t.Fatal("Decrypt accepted a segment with swapped frames")
	}
	if !errors.Is(err, streamcipher.ErrOpen) && !errors.Is(err, ErrProtocol) && !errors.Is(err, segdigest.ErrMismatch) {
		t.Fatalf("Swapped frames failed with unexpected error: %v", err)
	}
}

func TestSegmentWrongWireLen(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0x11}, 2048)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	_, err := decryptTestSegment(crypto, DecryptSegmentInput{
		Header: encrypted.Header,
		Wire:   encrypted.Wire[:len(encrypted.Wire)-10],
	})
	if !errors.Is(err, ErrCorruptSegment) {
		t.Fatalf("Expected ErrCorruptSegment for short wire, got %v", err)
	}
}

func TestSegmentMissingTerminator(t *testing.T) {
	crypto := testCrypto(t)
	plaintext := bytes.Repeat([]byte{0x44}, 2048)
	encrypted := encryptTestSegment(t, crypto, EncryptSegmentInput{
		SegmentIndex:  0,
		Plaintext:     plaintext,
		CompressedLen: uint32(len(plaintext)),
	})

	ranges, err := wire.SplitFrames(encrypted.Wire)
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}
	last := ranges[len(ranges)-1]
	truncated := encrypted.Wire[:last.Start]

	header := encrypted.Header
	header.WireLen = uint32(len(truncated))
	header.WireCRC32 = 0
	header.FrameCount = 0 // header no longer matches; let the frame walk decide

	_, err = decryptTestSegment(crypto, DecryptSegmentInput{Header: header, Wire: truncated})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol for missing terminator, got %v", err)
	}
}

func TestFrameSizeFor(t *testing.T) {
	crypto := testCrypto(t)

	crypto.FrameSize = 0
	crypto.Header.ChunkSize = 64 * 1024
	if got := crypto.FrameSizeFor(); got != 4096 {
		t.Fatalf("Auto frame size for 64 KiB chunk is %d, want 4096", got)
	}

	crypto.Header.ChunkSize = 16 * 1024
	if got := crypto.FrameSizeFor(); got != 4096 {
		t.Fatalf("Auto frame size for 16 KiB chunk is %d, want floor 4096", got)
	}

	crypto.Header.ChunkSize = 4096 * 1024
	if got := crypto.FrameSizeFor(); got != 256*1024 {
		t.Fatalf("Auto frame size for 4 MiB chunk is %d, want 256 KiB", got)
	}

	crypto.FrameSize = 12345
	if got := crypto.FrameSizeFor(); got != 12345 {
		t.Fatalf("Explicit frame size ignored, got %d", got)
	}
}
