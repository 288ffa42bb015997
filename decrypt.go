package ouroborosstream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-stream/internal/compress"
	"github.com/i5heu/ouroboros-stream/internal/kdf"
	"github.com/i5heu/ouroboros-stream/internal/parallel"
	"github.com/i5heu/ouroboros-stream/internal/pipeline"
	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/streamio"
	"github.com/i5heu/ouroboros-stream/internal/wire"
	"github.com/i5heu/ouroboros-stream/pkg/telemetry"
)

type decSegResult struct {
	segment pipeline.DecryptedSegment
	target  parallel.Target
	err     error
}

// Decrypt reads an encrypted container from src and writes the
// recovered plaintext to dst. Segments are verified in full — frame
// AEAD, segment digest, terminator — before any of their plaintext
// reaches dst, and plaintext is emitted strictly in segment order. The
// first error anywhere aborts the stream.
func (e *Engine) Decrypt(src io.Reader, dst io.Writer) (*telemetry.Snapshot, error) {
	atomic.AddUint64(&e.decryptCounter, 1)

	snap, err := e.decryptStream(src, dst)
	if err != nil {
		log.Errorf("Decrypt failed: %v", err)
		return nil, err
	}
	log.Debugf("Decrypted %d segments, %s plaintext", snap.SegmentsProcessed, formatBytes(snap.BytesPlaintext))
	return snap, nil
}

func (e *Engine) decryptStream(src io.Reader, dst io.Writer) (*telemetry.Snapshot, error) {
	timer := telemetry.NewTimer()
	counters := telemetry.Counters{}

	readStart := time.Now()
	header, err := streamio.ReadStreamHeader(src)
	if err != nil {
		return nil, err
	}
	timer.Stages.Add(telemetry.StageRead, time.Since(readStart))
	counters.BytesOverhead += wire.StreamHeaderLen

	if header.Flags&wire.FlagAADStrict != 0 && header.AADDomain != e.config.AADDomain {
		return nil, fmt.Errorf("stream requires AAD domain 0x%04x, engine is configured for 0x%04x",
			header.AADDomain, e.config.AADDomain)
	}

	sessionKey, err := kdf.SessionKey(e.masterKey, header)
	if err != nil {
		return nil, err
	}
	suite, err := streamcipher.New(header, sessionKey)
	if err != nil {
		return nil, err
	}
	codec, err := compress.Resolve(header.Compression, e.config.CompressionLevel, e.config.Dictionary)
	if err != nil {
		return nil, err
	}

	profile := e.profileFor(header)
	crypto := &pipeline.Crypto{
		Header:    header,
		Suite:     suite,
		DigestAlg: e.config.DigestAlg,
		Workers:   profile.CPUWorkers,
	}
	sched := parallel.NewScheduler(profile.CPUWorkers, profile.GPUWorkers, e.config.GPUThreshold)

	inflight := profile.InflightSegments
	workerCh := make([]chan pipeline.DecryptSegmentInput, profile.CPUWorkers)
	for i := range workerCh {
		workerCh[i] = make(chan pipeline.DecryptSegmentInput, 4)
	}
	results := make(chan decSegResult, inflight)
	decompCh := make(chan pipeline.DecryptedSegment, inflight)
	ordered := make(chan decSegResult, inflight)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	var closeOnce sync.Once
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		closeOnce.Do(func() { close(done) })
	}

	var wg sync.WaitGroup

	// Reader: exact SegmentHeader + wire records, monotonically
	// increasing indices, stop after the final marker.
	targets := make(map[uint64]parallel.Target, inflight)
	var targetsMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			for i := range workerCh {
				close(workerCh[i])
			}
		}()
		expected := uint64(0)
		for {
			segHeader, segmentWire, rerr := streamio.ReadSegment(src)
			if rerr == io.EOF {
				fail(fmt.Errorf("stream ended before the final segment"))
				return
			}
			if rerr != nil {
				fail(rerr)
				return
			}
			if segHeader.SegmentIndex != expected {
				fail(fmt.Errorf("%w: segment index %d, want %d",
					pipeline.ErrProtocol, segHeader.SegmentIndex, expected))
				return
			}
			expected++

			target := sched.Dispatch(len(segmentWire))
			targetsMu.Lock()
			targets[segHeader.SegmentIndex] = target
			targetsMu.Unlock()
			select {
			case workerCh[target.Index] <- pipeline.DecryptSegmentInput{Header: segHeader, Wire: segmentWire}:
			case <-done:
				return
			}
			if segHeader.IsFinal() {
				return
			}
		}
	}()

	// Segment workers.
	var segWG sync.WaitGroup
	for i := 0; i < profile.CPUWorkers; i++ {
		segWG.Add(1)
		go func(idx int) {
			defer segWG.Done()
			worker := pipeline.NewDecryptSegmentWorker(crypto)
			defer worker.Close()
			for input := range workerCh[idx] {
				segment, perr := worker.Process(input)
				targetsMu.Lock()
				target := targets[input.Header.SegmentIndex]
				delete(targets, input.Header.SegmentIndex)
				targetsMu.Unlock()
				select {
				case results <- decSegResult{segment: segment, target: target, err: perr}:
				case <-done:
					return
				}
			}
		}(i)
	}
	go func() {
		segWG.Wait()
		close(results)
	}()

	// Decompression stage: committed segments only; chunk-independent,
	// so pool order does not matter.
	var decompWG sync.WaitGroup
	for i := 0; i < profile.CPUWorkers; i++ {
		decompWG.Add(1)
		go func() {
			defer decompWG.Done()
			for seg := range decompCh {
				out, derr := decompressSegment(codec, seg)
				if derr != nil {
					fail(derr)
					return
				}
				select {
				case ordered <- decSegResult{segment: out}:
				case <-done:
					return
				}
			}
		}()
	}
	var relayWG sync.WaitGroup
	relayWG.Add(1)
	go func() {
		defer relayWG.Done()
		defer close(decompCh)
		for res := range results {
			sched.Complete(res.target)
			if res.err != nil {
				fail(res.err)
				return
			}
			select {
			case decompCh <- res.segment:
			case <-done:
				return
			}
		}
	}()
	go func() {
		relayWG.Wait()
		decompWG.Wait()
		close(ordered)
	}()

	// Ordered plaintext writer, the single consumer.
	writer := streamio.NewOrderedPlaintextWriter(dst)
	segments := uint64(0)
	var firstErr error

loop:
	for {
		select {
		case res, ok := <-ordered:
			if !ok {
				break loop
			}
			counters.Merge(&res.segment.Counters)
			counters.BytesOverhead += wire.SegmentHeaderLen
			counters.BytesCompressed += uint64(res.segment.Header.CompressedLen)
			for _, frame := range res.segment.Frames {
				counters.BytesPlaintext += uint64(len(frame))
			}
			writeStart := time.Now()
			if werr := writer.Push(res.segment); werr != nil {
				firstErr = werr
				fail(werr)
				break loop
			}
			timer.Stages.Add(telemetry.StageWrite, time.Since(writeStart))
			segments++
			if writer.Done() {
				break loop
			}
		case err := <-errCh:
			firstErr = err
			break loop
		}
	}

	closeOnce.Do(func() { close(done) })
	go func() {
		for range ordered {
		}
	}()
	wg.Wait()

	if firstErr == nil {
		select {
		case err := <-errCh:
			firstErr = err
		default:
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := writer.Finish(); err != nil {
		return nil, err
	}

	timer.Finish()
	return telemetry.NewSnapshot(&counters, timer, segments), nil
}

// decompressSegment reverses the compression stage for one committed
// segment. Uncompressed segments pass through with their frame
// boundaries intact; compressed segments collapse to a single
// decompressed frame.
func decompressSegment(codec compress.Codec, seg pipeline.DecryptedSegment) (pipeline.DecryptedSegment, error) {
	if seg.Header.Flags&wire.SegmentCompressed == 0 {
		return seg, nil
	}
	if codec == nil {
		return pipeline.DecryptedSegment{}, fmt.Errorf("segment %d is compressed but the stream codec is none", seg.Header.SegmentIndex)
	}
	joined := make([]byte, 0, seg.Header.CompressedLen)
	for _, frame := range seg.Frames {
		joined = append(joined, frame...)
	}
	plain, err := codec.DecompressChunk(joined)
	if err != nil {
		return pipeline.DecryptedSegment{}, fmt.Errorf("decompress segment %d: %w", seg.Header.SegmentIndex, err)
	}
	out := seg
	out.Frames = [][]byte{plain}
	return out, nil
}
