package ouroborosstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/streamio"
	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// segmentRecord is one SegmentHeader + wire record with its offsets in
// the container, for tests that surgically modify containers.
type segmentRecord struct {
	header      wire.SegmentHeader
	headerStart int
	wireStart   int
	wireEnd     int
}

// walkContainer parses a container into its segment records.
func walkContainer(t *testing.T, container []byte) (*wire.StreamHeader, []segmentRecord) {
	t.Helper()
	r := bytes.NewReader(container)
	header, err := streamio.ReadStreamHeader(r)
	if err != nil {
		t.Fatalf("Failed to read stream header: %v", err)
	}

	var records []segmentRecord
	offset := wire.StreamHeaderLen
	for {
		segHeader, segmentWire, err := streamio.ReadSegment(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to read segment at offset %d: %v", offset, err)
		}
		rec := segmentRecord{
			header:      segHeader,
			headerStart: offset,
			wireStart:   offset + wire.SegmentHeaderLen,
			wireEnd:     offset + wire.SegmentHeaderLen + len(segmentWire),
		}
		records = append(records, rec)
		offset = rec.wireEnd
		if segHeader.IsFinal() {
			break
		}
	}
	return header, records
}

// zeroWireCRC clears the stored wire_crc32 of one segment record so a
// tampered wire reaches the cryptographic checks instead of the CRC.
// The CRC is unauthenticated header metadata; an attacker can always do
// this, which is exactly why it is not a security boundary.
func zeroWireCRC(container []byte, rec segmentRecord) {
	binary.LittleEndian.PutUint32(container[rec.headerStart+16:rec.headerStart+20], 0)
}

func encryptBytes(t *testing.T, engine *Engine, plaintext []byte) []byte {
	t.Helper()
	var container bytes.Buffer
	if _, err := engine.Encrypt(bytes.NewReader(plaintext), &container); err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return container.Bytes()
}

func decryptBytes(t *testing.T, engine *Engine, container []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	if _, err := engine.Decrypt(bytes.NewReader(container), &out); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	return out.Bytes()
}

// Scenario 1: the empty stream is a header plus a lone final marker.
func TestEmptyStream(t *testing.T) {
	engine := setupTestEngine(t, nil)
	container := encryptBytes(t, engine, nil)

	_, records := walkContainer(t, container)
	if len(records) != 1 {
		t.Fatalf("Empty stream has %d segments, want 1", len(records))
	}
	final := records[0]
	if !final.header.IsFinal() || final.header.FrameCount != 0 || final.header.WireLen != 0 {
		t.Fatalf("Final marker malformed: %+v", final.header)
	}

	out := decryptBytes(t, engine, container)
	if len(out) != 0 {
		t.Fatalf("Empty stream decrypted to %d bytes", len(out))
	}
}

// Scenario 2: 64 KiB at chunk 64 KiB, frame 16 KiB: one full segment of
// 4 data frames plus digest and terminator, then the final marker.
func TestSingleFullSegment(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 64 * 1024
		c.FrameSize = 16 * 1024
	})
	plaintext := make([]byte, 64*1024)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	if len(records) != 2 {
		t.Fatalf("Container has %d segments, want data + final marker", len(records))
	}
	data := records[0]
	if data.header.IsFinal() {
		t.Fatal("Data segment carries the final flag")
	}
	if data.header.FrameCount != 6 {
		t.Fatalf("Data segment has %d frames, want 4 data + digest + terminator", data.header.FrameCount)
	}
	ranges, err := wire.SplitFrames(container[data.wireStart:data.wireEnd])
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if ranges[i].Header.FrameType != wire.FrameData {
			t.Fatalf("Frame %d has type %d", i, ranges[i].Header.FrameType)
		}
		if ranges[i].Header.CiphertextLen != 16*1024+streamcipher.TagLen {
			t.Fatalf("Frame %d ciphertext is %d bytes", i, ranges[i].Header.CiphertextLen)
		}
	}
	if ranges[4].Header.FrameType != wire.FrameDigest || ranges[5].Header.FrameType != wire.FrameTerminator {
		t.Fatal("Digest/terminator frames out of order")
	}

	out := decryptBytes(t, engine, container)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("Round trip produced different bytes")
	}
}

// Scenario 3: 1 MiB + 1 byte at chunk 1 MiB, frame 32 KiB: segment 0
// with 32 data frames, segment 1 with one single-byte data frame, then
// the final marker.
func TestChunkBoundaryPlusOne(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 1024 * 1024
		c.FrameSize = 32 * 1024
	})
	plaintext := pseudorandomBytes(1024*1024+1, 3)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	if len(records) != 3 {
		t.Fatalf("Container has %d segments, want 3", len(records))
	}
	if records[0].header.FrameCount != 34 {
		t.Fatalf("Segment 0 has %d frames, want 32 data + 2", records[0].header.FrameCount)
	}
	if records[1].header.FrameCount != 3 {
		t.Fatalf("Segment 1 has %d frames, want 1 data + 2", records[1].header.FrameCount)
	}
	ranges, err := wire.SplitFrames(container[records[1].wireStart:records[1].wireEnd])
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}
	if ranges[0].Header.CiphertextLen != 1+streamcipher.TagLen {
		t.Fatalf("Segment 1 data frame ciphertext is %d bytes, want 1 + tag", ranges[0].Header.CiphertextLen)
	}
	if !records[2].header.IsFinal() {
		t.Fatal("Last segment is not the final marker")
	}

	out := decryptBytes(t, engine, container)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("Round trip produced different bytes")
	}
}

// Scenario 4: flipping a ciphertext byte of frame 0 fails AEAD open;
// no plaintext is emitted.
func TestCorruptionDetected(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 64 * 1024
		c.FrameSize = 16 * 1024
	})
	plaintext := make([]byte, 64*1024)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	container[wire.StreamHeaderLen+wire.SegmentHeaderLen+wire.FrameHeaderLen+100] ^= 0x01
	zeroWireCRC(container, records[0])

	var out bytes.Buffer
	_, err := engine.Decrypt(bytes.NewReader(container), &out)
	if !errors.Is(err, streamcipher.ErrOpen) {
		t.Fatalf("Expected ErrOpen for flipped ciphertext byte, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("Plaintext emitted from a corrupt stream: %d bytes", out.Len())
	}
}

// Scenario 4b: without the CRC patched out, the same corruption is
// caught by the wire CRC before any crypto runs.
func TestCorruptionCaughtByCRC(t *testing.T) {
	engine := setupTestEngine(t, nil)
	plaintext := make([]byte, 64*1024)
	container := encryptBytes(t, engine, plaintext)

	container[wire.StreamHeaderLen+wire.SegmentHeaderLen+wire.FrameHeaderLen+100] ^= 0x01

	var out bytes.Buffer
	_, err := engine.Decrypt(bytes.NewReader(container), &out)
	if !errors.Is(err, wire.ErrBadCRC) {
		t.Fatalf("Expected ErrBadCRC, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("Plaintext emitted from a corrupt stream")
	}
}

// Scenario 5: swapping the wire regions of two data frames fails,
// because the AAD binds each frame to its index.
func TestReorderDetected(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 1024 * 1024
		c.FrameSize = 32 * 1024
	})
	plaintext := pseudorandomBytes(1024*1024+1, 5)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	seg0 := container[records[0].wireStart:records[0].wireEnd]
	ranges, err := wire.SplitFrames(seg0)
	if err != nil {
		t.Fatalf("SplitFrames failed: %v", err)
	}

	tmp := append([]byte(nil), seg0[ranges[5].Start:ranges[5].End]...)
	copy(seg0[ranges[5].Start:ranges[5].End], seg0[ranges[17].Start:ranges[17].End])
	copy(seg0[ranges[17].Start:ranges[17].End], tmp)
	zeroWireCRC(container, records[0])

	var out bytes.Buffer
	_, err = engine.Decrypt(bytes.NewReader(container), &out)
	if err == nil {
		t.Fatal("Decrypt accepted a stream with swapped frames")
	}
	if !errors.Is(err, streamcipher.ErrOpen) {
		t.Fatalf("Expected ErrOpen from AAD frame_index binding, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("Plaintext emitted from a reordered stream")
	}
}

// Scenario 6: a stream truncated inside segment 1 yields an error, and
// whatever plaintext was emitted is a prefix from segment 0 only.
func TestTruncationDetected(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 1024 * 1024
		c.FrameSize = 32 * 1024
	})
	plaintext := pseudorandomBytes(1024*1024+1, 6)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	truncated := container[:records[1].wireStart+10]

	var out bytes.Buffer
	_, err := engine.Decrypt(bytes.NewReader(truncated), &out)
	if err == nil {
		t.Fatal("Decrypt accepted a truncated stream")
	}
	if out.Len() > 1024*1024 {
		t.Fatalf("Emitted %d bytes, more than segment 0 holds", out.Len())
	}
	if !bytes.Equal(out.Bytes(), plaintext[:out.Len()]) {
		t.Fatal("Emitted bytes are not a plaintext prefix")
	}
}

// A segment record duplicated in the container breaks the reader's
// index monotonicity check.
func TestDuplicateSegmentRejected(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 16 * 1024
	})
	plaintext := pseudorandomBytes(40*1024, 7)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	rec := records[0]
	record := container[rec.headerStart:rec.wireEnd]

	var doctored []byte
	doctored = append(doctored, container[:rec.wireEnd]...)
	doctored = append(doctored, record...)
	doctored = append(doctored, container[rec.wireEnd:]...)

	var out bytes.Buffer
	if _, err := engine.Decrypt(bytes.NewReader(doctored), &out); err == nil {
		t.Fatal("Decrypt accepted a duplicated segment")
	}
}

func TestWrongMasterKeyFails(t *testing.T) {
	engine := setupTestEngine(t, nil)
	container := encryptBytes(t, engine, []byte("secret payload"))

	logger := engine.config.Logger
	other, err := New(bytes.Repeat([]byte{0x43}, 32), &Config{Compression: wire.CompressionNone, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to build second engine: %v", err)
	}
	defer other.Close()

	var out bytes.Buffer
	if _, err := other.Decrypt(bytes.NewReader(container), &out); !errors.Is(err, streamcipher.ErrOpen) {
		t.Fatalf("Expected ErrOpen under the wrong key, got %v", err)
	}
}

func TestRoundTripAllSuites(t *testing.T) {
	plaintext := pseudorandomBytes(200*1024, 8)
	combos := []struct {
		cipher uint16
		prf    uint16
	}{
		{wire.CipherAES256GCM, wire.PRFSha256},
		{wire.CipherAES256GCM, wire.PRFSha512},
		{wire.CipherChaCha20Poly1305, wire.PRFSha256},
		{wire.CipherChaCha20Poly1305, wire.PRFSha512},
		{wire.CipherChaCha20Poly1305, wire.PRFBlake3},
	}
	for _, combo := range combos {
		engine := setupTestEngine(t, func(c *Config) {
			c.CipherSuite = combo.cipher
			c.PRF = combo.prf
			c.ChunkSize = 32 * 1024
		})
		container := encryptBytes(t, engine, plaintext)
		out := decryptBytes(t, engine, container)
		if !bytes.Equal(out, plaintext) {
			t.Fatalf("Round trip failed for cipher 0x%04x prf 0x%04x", combo.cipher, combo.prf)
		}
	}
}

func TestRoundTripAllDigests(t *testing.T) {
	plaintext := pseudorandomBytes(100*1024, 9)
	for _, alg := range []uint16{wire.DigestSha256, wire.DigestSha512, wire.DigestBlake3} {
		engine := setupTestEngine(t, func(c *Config) {
			c.DigestAlg = alg
			c.ChunkSize = 32 * 1024
		})
		container := encryptBytes(t, engine, plaintext)
		out := decryptBytes(t, engine, container)
		if !bytes.Equal(out, plaintext) {
			t.Fatalf("Round trip failed for digest 0x%04x", alg)
		}
	}
}

func TestRoundTripCompressionCodecs(t *testing.T) {
	// Compressible payload so every codec takes its real path.
	plaintext := bytes.Repeat([]byte("stream compression payload "), 8000)
	for _, id := range []uint16{wire.CompressionAuto, wire.CompressionZstd, wire.CompressionLZ4, wire.CompressionDeflate, wire.CompressionNone} {
		engine := setupTestEngine(t, func(c *Config) {
			c.Compression = id
			c.ChunkSize = 64 * 1024
		})
		container := encryptBytes(t, engine, plaintext)

		if id != wire.CompressionNone {
			_, records := walkContainer(t, container)
			if records[0].header.Flags&wire.SegmentCompressed == 0 {
				t.Fatalf("Codec 0x%04x left a compressible segment unmarked", id)
			}
			if len(container) >= len(plaintext) {
				t.Fatalf("Codec 0x%04x produced no size win: %d bytes", id, len(container))
			}
		}

		out := decryptBytes(t, engine, container)
		if !bytes.Equal(out, plaintext) {
			t.Fatalf("Round trip failed for codec 0x%04x", id)
		}
	}
}

// The auto codec stores incompressible chunks raw and clears the
// COMPRESSED flag on those segments.
func TestAutoCodecStoreFallback(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.Compression = wire.CompressionAuto
		c.ChunkSize = 16 * 1024
	})
	plaintext := pseudorandomBytes(16*1024, 10)
	container := encryptBytes(t, engine, plaintext)

	_, records := walkContainer(t, container)
	if records[0].header.Flags&wire.SegmentCompressed != 0 {
		t.Fatal("Auto codec marked an incompressible segment as compressed")
	}

	out := decryptBytes(t, engine, container)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("Store-fallback round trip produced different bytes")
	}
}

func TestParallelStrategyRoundTrip(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.Strategy = wire.StrategyParallel
		c.ChunkSize = 16 * 1024
		c.HardCap = 8
	})
	plaintext := pseudorandomBytes(300*1024+17, 11)
	container := encryptBytes(t, engine, plaintext)
	out := decryptBytes(t, engine, container)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("Parallel round trip produced different bytes")
	}
}

func TestAADStrictDomainMismatch(t *testing.T) {
	encryptor := setupTestEngine(t, func(c *Config) {
		c.AADDomain = wire.AADDomainFileEnvelope
		c.AADStrict = true
	})
	container := encryptBytes(t, encryptor, []byte("domain-bound payload"))

	decryptor := setupTestEngine(t, func(c *Config) {
		c.AADDomain = wire.AADDomainPipeEnvelope
	})
	var out bytes.Buffer
	if _, err := decryptor.Decrypt(bytes.NewReader(container), &out); err == nil {
		t.Fatal("Strict AAD stream accepted under the wrong domain")
	}

	matching := setupTestEngine(t, func(c *Config) {
		c.AADDomain = wire.AADDomainFileEnvelope
	})
	out.Reset()
	if _, err := matching.Decrypt(bytes.NewReader(container), &out); err != nil {
		t.Fatalf("Strict AAD stream rejected under the right domain: %v", err)
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 16 * 1024
		c.FrameSize = 4 * 1024
	})
	plaintext := pseudorandomBytes(40*1024, 12)

	var container bytes.Buffer
	snap, err := engine.Encrypt(bytes.NewReader(plaintext), &container)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if snap.BytesPlaintext != uint64(len(plaintext)) {
		t.Fatalf("Snapshot counts %d plaintext bytes, want %d", snap.BytesPlaintext, len(plaintext))
	}
	// 40 KiB over 16 KiB chunks: 3 data segments + final marker.
	if snap.SegmentsProcessed != 4 {
		t.Fatalf("Snapshot counts %d segments, want 4", snap.SegmentsProcessed)
	}
	// 4+4+2 data frames, one digest and terminator per data segment.
	if snap.FramesData != 10 || snap.FramesDigest != 3 || snap.FramesTerminator != 3 {
		t.Fatalf("Snapshot frame counts: data=%d digest=%d terminator=%d", snap.FramesData, snap.FramesDigest, snap.FramesTerminator)
	}

	dsnap, err := engine.Decrypt(bytes.NewReader(container.Bytes()), io.Discard)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if dsnap.BytesPlaintext != uint64(len(plaintext)) {
		t.Fatalf("Decrypt snapshot counts %d plaintext bytes", dsnap.BytesPlaintext)
	}
	if dsnap.FramesData != snap.FramesData {
		t.Fatalf("Frame counts disagree: encrypt %d, decrypt %d", snap.FramesData, dsnap.FramesData)
	}
}

func TestValidateStream(t *testing.T) {
	engine := setupTestEngine(t, func(c *Config) {
		c.ChunkSize = 16 * 1024
	})
	plaintext := pseudorandomBytes(50*1024, 13)
	container := encryptBytes(t, engine, plaintext)

	report, err := engine.ValidateStream(bytes.NewReader(container))
	if err != nil {
		t.Fatalf("ValidateStream failed: %v", err)
	}
	if !report.Passed() {
		t.Fatalf("Intact stream failed validation: %+v", report)
	}
	// 4 data segments (last partial) + final marker.
	if report.Segments != 5 {
		t.Fatalf("Report counts %d segments, want 5", report.Segments)
	}

	// Truncate inside the last data segment: validation stops there and
	// names the previous segment as the resume point.
	_, records := walkContainer(t, container)
	truncated := container[:records[3].wireStart+5]
	report, err = engine.ValidateStream(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("ValidateStream on truncated container failed: %v", err)
	}
	if report.Passed() {
		t.Fatal("Truncated stream passed validation")
	}
	if report.LastIntactIndex != 2 {
		t.Fatalf("Last intact index is %d, want 2", report.LastIntactIndex)
	}
}
