package pipeline

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/i5heu/ouroboros-stream/internal/segdigest"
	"github.com/i5heu/ouroboros-stream/internal/wire"
	"github.com/i5heu/ouroboros-stream/pkg/telemetry"
)

// EncryptSegmentWorker turns plaintext segments into encrypted wire.
// It owns a private frame-worker pool; data frames are sealed in
// parallel, then reassembled by frame index before the digest and
// terminator frames are appended. One worker processes one segment at
// a time, which is what makes the shared result channel safe.
type EncryptSegmentWorker struct {
	crypto  *Crypto
	frameTx chan FrameInput
	frameRx chan encFrameResult
}

// NewEncryptSegmentWorker spawns the frame pool. Close must be called
// to let the pool goroutines exit.
func NewEncryptSegmentWorker(crypto *Crypto) *EncryptSegmentWorker {
	workers := crypto.Workers
	if workers < 1 {
		workers = 1
	}
	w := &EncryptSegmentWorker{
		crypto:  crypto,
		frameTx: make(chan FrameInput, workers*4),
		frameRx: make(chan encFrameResult, workers*4),
	}
	for i := 0; i < workers; i++ {
		go runEncryptFrameWorker(crypto.Suite, w.frameTx, w.frameRx)
	}
	return w
}

// Close shuts down the frame pool.
func (w *EncryptSegmentWorker) Close() {
	close(w.frameTx)
}

// Process encrypts one segment.
func (w *EncryptSegmentWorker) Process(in EncryptSegmentInput) (EncryptedSegment, error) {
	if len(in.Plaintext) == 0 && in.Flags&wire.SegmentFinal != 0 {
		// End-of-stream marker: header only, no frames.
		return EncryptedSegment{
			Header: wire.SegmentHeader{
				SegmentIndex: in.SegmentIndex,
				DigestAlg:    w.crypto.DigestAlg,
				Flags:        in.Flags,
			},
		}, nil
	}
	if len(in.Plaintext) == 0 {
		return EncryptedSegment{}, fmt.Errorf("%w: empty non-final segment %d", ErrProtocol, in.SegmentIndex)
	}

	frameSize := w.crypto.FrameSizeFor()
	dataCount := (len(in.Plaintext) + frameSize - 1) / frameSize

	// Dispatch and collect concurrently; the frame channels are
	// bounded, so a one-sided loop over a large segment would wedge.
	go func() {
		for i := 0; i < dataCount; i++ {
			start := i * frameSize
			end := start + frameSize
			if end > len(in.Plaintext) {
				end = len(in.Plaintext)
			}
			w.frameTx <- FrameInput{
				SegmentIndex: in.SegmentIndex,
				FrameIndex:   uint32(i),
				FrameType:    wire.FrameData,
				Plaintext:    in.Plaintext[start:end],
			}
		}
	}()

	var counters telemetry.Counters
	frames := make([]EncryptedFrame, 0, dataCount)
	var firstErr error
	for received := 0; received < dataCount; received++ {
		res := <-w.frameRx
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		frames = append(frames, res.frame)
	}
	if firstErr != nil {
		return EncryptedSegment{}, fmt.Errorf("segment %d: %w", in.SegmentIndex, firstErr)
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].FrameIndex < frames[j].FrameIndex })

	// Exact wire capacity: data frames plus the digest and terminator
	// frames that follow.
	digestLen := segdigest.Size(w.crypto.DigestAlg)
	wireLen := 0
	for i := range frames {
		wireLen += len(frames[i].Wire)
	}
	wireLen += wire.FrameHeaderLen + 4 + digestLen + 16 // digest frame
	wireLen += wire.FrameHeaderLen + 16                 // terminator frame

	digest, err := segdigest.NewBuilder(w.crypto.DigestAlg, in.SegmentIndex, uint32(dataCount))
	if err != nil {
		return EncryptedSegment{}, err
	}
	segmentWire := make([]byte, 0, wireLen)
	for i := range frames {
		digest.UpdateFrame(frames[i].FrameIndex, frames[i].Ciphertext)
		segmentWire = append(segmentWire, frames[i].Wire...)
		counters.FramesData++
		counters.BytesCiphertext += uint64(len(frames[i].Ciphertext))
	}
	counters.BytesCompressed = uint64(len(in.Plaintext))

	digestFrame, err := EncryptFrame(w.crypto.Suite, FrameInput{
		SegmentIndex: in.SegmentIndex,
		FrameIndex:   uint32(dataCount),
		FrameType:    wire.FrameDigest,
		Plaintext:    segdigest.EncodePayload(w.crypto.DigestAlg, digest.Finalize()),
	})
	if err != nil {
		return EncryptedSegment{}, fmt.Errorf("segment %d digest frame: %w", in.SegmentIndex, err)
	}
	segmentWire = append(segmentWire, digestFrame.Wire...)
	counters.FramesDigest++
	counters.BytesOverhead += uint64(len(digestFrame.Wire))

	terminator, err := EncryptFrame(w.crypto.Suite, FrameInput{
		SegmentIndex: in.SegmentIndex,
		FrameIndex:   uint32(dataCount) + 1,
		FrameType:    wire.FrameTerminator,
	})
	if err != nil {
		return EncryptedSegment{}, fmt.Errorf("segment %d terminator frame: %w", in.SegmentIndex, err)
	}
	segmentWire = append(segmentWire, terminator.Wire...)
	counters.FramesTerminator++
	counters.BytesOverhead += uint64(len(terminator.Wire))

	return EncryptedSegment{
		Header: wire.SegmentHeader{
			SegmentIndex:  in.SegmentIndex,
			CompressedLen: in.CompressedLen,
			WireLen:       uint32(len(segmentWire)),
			WireCRC32:     crc32.ChecksumIEEE(segmentWire),
			FrameCount:    uint32(dataCount) + 2,
			DigestAlg:     w.crypto.DigestAlg,
			Flags:         in.Flags,
		},
		Wire:     segmentWire,
		Counters: counters,
	}, nil
}
