package pipeline

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/i5heu/ouroboros-stream/internal/segdigest"
	"github.com/i5heu/ouroboros-stream/internal/wire"
	"github.com/i5heu/ouroboros-stream/pkg/telemetry"
)

// DecryptSegmentWorker turns encrypted segment wire back into plaintext
// frames. Frame workers authenticate individual frames; the segment
// worker never trusts them for sequence or completeness — the digest is
// verified over ciphertext views the segment worker holds itself.
type DecryptSegmentWorker struct {
	crypto  *Crypto
	frameTx chan []byte
	frameRx chan decFrameResult
}

// NewDecryptSegmentWorker spawns the frame pool. Close must be called
// to let the pool goroutines exit.
func NewDecryptSegmentWorker(crypto *Crypto) *DecryptSegmentWorker {
	workers := crypto.Workers
	if workers < 1 {
		workers = 1
	}
	w := &DecryptSegmentWorker{
		crypto:  crypto,
		frameTx: make(chan []byte, workers*4),
		frameRx: make(chan decFrameResult, workers*4),
	}
	for i := 0; i < workers; i++ {
		go runDecryptFrameWorker(crypto.Suite, w.frameTx, w.frameRx)
	}
	return w
}

// Close shuts down the frame pool.
func (w *DecryptSegmentWorker) Close() {
	close(w.frameTx)
}

// Process decrypts and commits one segment. No plaintext leaves this
// function unless every check up to and including the digest passed.
func (w *DecryptSegmentWorker) Process(in DecryptSegmentInput) (DecryptedSegment, error) {
	var counters telemetry.Counters

	if len(in.Wire) == 0 && in.Header.IsFinal() {
		return DecryptedSegment{Header: in.Header}, nil
	}

	// Pre-validate against the segment header before any crypto work.
	if len(in.Wire) != int(in.Header.WireLen) {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d wire %d bytes, header says %d",
			ErrCorruptSegment, in.Header.SegmentIndex, len(in.Wire), in.Header.WireLen)
	}
	if in.Header.WireCRC32 != 0 {
		if got := crc32.ChecksumIEEE(in.Wire); got != in.Header.WireCRC32 {
			return DecryptedSegment{}, fmt.Errorf("%w: segment %d crc 0x%08x, header says 0x%08x",
				ErrCorruptSegment, in.Header.SegmentIndex, got, in.Header.WireCRC32)
		}
	}

	ranges, err := wire.SplitFrames(in.Wire)
	if err != nil {
		return DecryptedSegment{}, fmt.Errorf("segment %d: %w", in.Header.SegmentIndex, err)
	}
	if len(ranges) < 3 {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d has %d frames, need at least 3",
			ErrProtocol, in.Header.SegmentIndex, len(ranges))
	}
	if in.Header.FrameCount != 0 && int(in.Header.FrameCount) != len(ranges) {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d has %d frames, header says %d",
			ErrProtocol, in.Header.SegmentIndex, len(ranges), in.Header.FrameCount)
	}
	// A frame's index is fixed by its position in the wire: a frame found
	// at position i is opened against frame_index i, so a frame relocated
	// inside the segment fails authentication.
	for i, r := range ranges {
		if r.Header.FrameIndex == uint32(i) {
			continue
		}
		if _, err := w.crypto.Suite.Open(in.Header.SegmentIndex, uint32(i), r.Header.FrameType, r.Ciphertext(in.Wire)); err != nil {
			return DecryptedSegment{}, fmt.Errorf("segment %d: %w", in.Header.SegmentIndex, err)
		}
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d frame index %d at position %d",
			ErrProtocol, in.Header.SegmentIndex, r.Header.FrameIndex, i)
	}

	go func() {
		for _, r := range ranges {
			w.frameTx <- r.Bytes(in.Wire)
		}
	}()

	// Collect every dispatched frame even after a failure; leaving
	// results in flight would wedge the pool for the next segment.
	dataFrames := make([]DecryptedFrame, 0, len(ranges)-2)
	var digestFrame, terminatorFrame *DecryptedFrame
	var firstErr error
	for received := 0; received < len(ranges); received++ {
		res := <-w.frameRx
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		frame := res.frame
		switch frame.FrameType {
		case wire.FrameData:
			dataFrames = append(dataFrames, frame)
		case wire.FrameDigest:
			if digestFrame != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: duplicate digest frame", ErrProtocol)
				}
				continue
			}
			digestFrame = &frame
		case wire.FrameTerminator:
			if terminatorFrame != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: duplicate terminator frame", ErrProtocol)
				}
				continue
			}
			terminatorFrame = &frame
		}
	}
	if firstErr != nil {
		return DecryptedSegment{}, fmt.Errorf("segment %d: %w", in.Header.SegmentIndex, firstErr)
	}
	if digestFrame == nil {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d missing digest frame", ErrProtocol, in.Header.SegmentIndex)
	}
	if terminatorFrame == nil {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d missing terminator frame", ErrProtocol, in.Header.SegmentIndex)
	}

	sort.Slice(dataFrames, func(i, j int) bool { return dataFrames[i].FrameIndex < dataFrames[j].FrameIndex })
	dataCount := uint32(len(dataFrames))
	for i := range dataFrames {
		if dataFrames[i].FrameIndex != uint32(i) {
			return DecryptedSegment{}, fmt.Errorf("%w: segment %d data frame index %d at position %d",
				ErrProtocol, in.Header.SegmentIndex, dataFrames[i].FrameIndex, i)
		}
		if dataFrames[i].SegmentIndex != in.Header.SegmentIndex {
			return DecryptedSegment{}, fmt.Errorf("%w: frame claims segment %d inside segment %d",
				ErrProtocol, dataFrames[i].SegmentIndex, in.Header.SegmentIndex)
		}
	}

	if digestFrame.FrameIndex != dataCount {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d digest frame at index %d, want %d",
			ErrProtocol, in.Header.SegmentIndex, digestFrame.FrameIndex, dataCount)
	}
	alg, expected, err := segdigest.DecodePayload(digestFrame.Plaintext)
	if err != nil {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d digest frame: %v", ErrProtocol, in.Header.SegmentIndex, err)
	}
	if alg != in.Header.DigestAlg {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d digest alg 0x%04x, header says 0x%04x",
			ErrProtocol, in.Header.SegmentIndex, alg, in.Header.DigestAlg)
	}

	verifier, err := segdigest.NewVerifier(alg, in.Header.SegmentIndex, dataCount, expected)
	if err != nil {
		return DecryptedSegment{}, err
	}
	plaintext := make([][]byte, 0, dataCount)
	for i := range dataFrames {
		verifier.UpdateFrame(dataFrames[i].FrameIndex, dataFrames[i].Ciphertext)
		plaintext = append(plaintext, dataFrames[i].Plaintext)
		counters.FramesData++
		counters.BytesCiphertext += uint64(len(dataFrames[i].Ciphertext))
	}
	if err := verifier.Finalize(); err != nil {
		return DecryptedSegment{}, fmt.Errorf("segment %d: %w", in.Header.SegmentIndex, err)
	}
	counters.FramesDigest++
	counters.BytesOverhead += uint64(len(digestFrame.Plaintext))

	if terminatorFrame.FrameIndex != dataCount+1 {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d terminator at index %d, want %d",
			ErrProtocol, in.Header.SegmentIndex, terminatorFrame.FrameIndex, dataCount+1)
	}
	if len(terminatorFrame.Plaintext) != 0 {
		return DecryptedSegment{}, fmt.Errorf("%w: segment %d terminator carries plaintext", ErrProtocol, in.Header.SegmentIndex)
	}
	counters.FramesTerminator++

	return DecryptedSegment{
		Header:   in.Header,
		Frames:   plaintext,
		Counters: counters,
	}, nil
}
