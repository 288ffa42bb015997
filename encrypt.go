package ouroborosstream

import (
	"crypto/rand"
	"fmt"
	"hash/crc32"
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

// Encrypt reads plaintext from src and writes the encrypted container
// to dst. The stream gets a fresh random salt; segments are encrypted
// by the worker topology and emitted strictly in index order, ending
// with an empty FINAL_SEGMENT marker. Returns a telemetry snapshot on
// success and the first error observed otherwise.
func (e *Engine) Encrypt(src io.Reader, dst io.Writer) (*telemetry.Snapshot, error) {
	atomic.AddUint64(&e.encryptCounter, 1)

	header, err := e.buildHeader()
	if err != nil {
		return nil, err
	}
	snap, err := e.encryptStream(header, src, dst, 0)
	if err != nil {
		log.Errorf("Encrypt failed: %v", err)
		return nil, err
	}
	log.Debugf("Encrypted %d segments, %s plaintext", snap.SegmentsProcessed, formatBytes(snap.BytesPlaintext))
	return snap, nil
}

// ResumeEncrypt continues a crashed encrypt run for the stream
// identified by salt. The caller must hand over the same master key and
// configuration as the original run, src positioned at plaintext offset
// resume_index × chunk_size, and dst positioned directly after the last
// intact segment. The resume index comes from the recovery journal;
// without a journal entry the stream is unknown and the call fails.
// Resumed segments carry the RESUMED flag.
func (e *Engine) ResumeEncrypt(salt [16]byte, src io.Reader, dst io.Writer) (*telemetry.Snapshot, error) {
	atomic.AddUint64(&e.encryptCounter, 1)

	next, ok, err := e.ResumePoint(salt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no journal entry for stream, cannot resume")
	}

	header, err := e.buildHeader()
	if err != nil {
		return nil, err
	}
	header.Salt = salt
	header.SealCRC()

	snap, err := e.encryptStream(header, src, dst, next)
	if err != nil {
		log.Errorf("ResumeEncrypt failed at segment %d: %v", next, err)
		return nil, err
	}
	return snap, nil
}

// buildHeader assembles the stream header from the engine config with a
// fresh random salt.
func (e *Engine) buildHeader() (*wire.StreamHeader, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("failed to draw stream salt: %w", err)
	}

	profile, err := wire.ProfileFor(e.config.CipherSuite, e.config.PRF)
	if err != nil {
		return nil, err
	}

	header := wire.NewStreamHeader(salt)
	header.AlgProfile = profile
	header.Cipher = e.config.CipherSuite
	header.PRF = e.config.PRF
	header.Compression = e.config.Compression
	header.Strategy = e.config.Strategy
	header.AADDomain = e.config.AADDomain
	header.ChunkSize = e.config.ChunkSize
	header.KeyID = e.config.KeyID
	header.EncTimeNS = uint64(time.Now().UnixNano())
	header.Flags |= wire.FlagHasTerminator | wire.FlagHasFinalDigest
	if e.config.AADStrict {
		header.Flags |= wire.FlagAADStrict
	}
	if len(e.config.Dictionary) > 0 {
		id := e.config.DictID
		if id == 0 {
			id = crc32.ChecksumIEEE(e.config.Dictionary)
		}
		header.SetDictID(id)
	}
	header.SealCRC()
	return header, nil
}

// rawSegment is a chunk on its way to the compression stage.
type rawSegment struct {
	index uint64
	bytes []byte
	flags uint16
}

type encSegResult struct {
	segment pipeline.EncryptedSegment
	target  parallel.Target
	err     error
}

// encryptStream wires the encrypt topology: reader → compression pool →
// scheduler-routed segment workers → ordered writer, with a capacity-1
// error fan-in. All inter-stage channels are bounded by the in-flight
// segment budget; shutdown is a closed done channel every sender
// selects on.
func (e *Engine) encryptStream(header *wire.StreamHeader, src io.Reader, dst io.Writer, startSegment uint64) (*telemetry.Snapshot, error) {
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
		FrameSize: int(e.config.FrameSize),
		Workers:   profile.CPUWorkers,
	}
	sched := parallel.NewScheduler(profile.CPUWorkers, profile.GPUWorkers, e.config.GPUThreshold)

	timer := telemetry.NewTimer()
	counters := telemetry.Counters{}

	if startSegment == 0 {
		writeStart := time.Now()
		if err := streamio.WriteStreamHeader(dst, header); err != nil {
			return nil, err
		}
		timer.Stages.Add(telemetry.StageWrite, time.Since(writeStart))
		counters.BytesOverhead += wire.StreamHeaderLen
	}

	inflight := profile.InflightSegments
	rawCh := make(chan rawSegment, inflight)
	compCh := make(chan pipeline.EncryptSegmentInput, inflight)
	workerCh := make([]chan pipeline.EncryptSegmentInput, profile.CPUWorkers)
	for i := range workerCh {
		workerCh[i] = make(chan pipeline.EncryptSegmentInput, 4)
	}
	results := make(chan encSegResult, inflight)
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

	var bytesPlaintext uint64

	var wg sync.WaitGroup

	// Reader: slice the plaintext into chunk-size segments and append
	// the final marker.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(rawCh)
		segmentIndex := startSegment
		chunkSize := int(header.ChunkSize)
		for {
			buf := make([]byte, chunkSize)
			n, rerr := io.ReadFull(src, buf)
			if n > 0 {
				bytesPlaintext += uint64(n)
				seg := rawSegment{index: segmentIndex, bytes: buf[:n]}
				if startSegment > 0 {
					seg.flags |= wire.SegmentResumed
				}
				select {
				case rawCh <- seg:
				case <-done:
					return
				}
				segmentIndex++
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				final := rawSegment{index: segmentIndex, flags: wire.SegmentFinal}
				if startSegment > 0 {
					final.flags |= wire.SegmentResumed
				}
				select {
				case rawCh <- final:
				case <-done:
				}
				return
			}
			if rerr != nil {
				fail(fmt.Errorf("read plaintext: %w", rerr))
				return
			}
		}
	}()

	// Compression stage: chunk-independent, so a small pool is safe;
	// ordering is restored downstream by the ordered writer.
	var compWG sync.WaitGroup
	for i := 0; i < profile.CPUWorkers; i++ {
		compWG.Add(1)
		go func() {
			defer compWG.Done()
			for seg := range rawCh {
				input, cerr := compressSegment(codec, header.Compression, seg)
				if cerr != nil {
					fail(cerr)
					return
				}
				select {
				case compCh <- input:
				case <-done:
					return
				}
			}
		}()
	}
	go func() {
		compWG.Wait()
		close(compCh)
	}()

	// Dispatcher: shortest-queue routing over the per-worker channels.
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
		for input := range compCh {
			target := sched.Dispatch(len(input.Plaintext))
			targetsMu.Lock()
			targets[input.SegmentIndex] = target
			targetsMu.Unlock()
			select {
			case workerCh[target.Index] <- input:
			case <-done:
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
			worker := pipeline.NewEncryptSegmentWorker(crypto)
			defer worker.Close()
			for input := range workerCh[idx] {
				segment, perr := worker.Process(input)
				targetsMu.Lock()
				target := targets[input.SegmentIndex]
				delete(targets, input.SegmentIndex)
				targetsMu.Unlock()
				select {
				case results <- encSegResult{segment: segment, target: target, err: perr}:
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

	// Ordered writer, the single consumer.
	writer := streamio.NewOrderedSegmentWriter(dst)
	writer.SetBase(startSegment)
	segments := uint64(0)
	var firstErr error

loop:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break loop
			}
			sched.Complete(res.target)
			if res.err != nil {
				firstErr = res.err
				fail(res.err)
				break loop
			}
			counters.Merge(&res.segment.Counters)
			counters.BytesOverhead += wire.SegmentHeaderLen
			writeStart := time.Now()
			if werr := writer.Push(res.segment); werr != nil {
				firstErr = werr
				fail(werr)
				break loop
			}
			timer.Stages.Add(telemetry.StageWrite, time.Since(writeStart))
			segments++
			for _, idx := range writer.Flushed() {
				if e.journal != nil {
					if jerr := e.journal.Commit(header.Salt, idx); jerr != nil {
						log.Errorf("Journal commit for segment %d failed: %v", idx, jerr)
					}
				}
			}
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
		// Drain so blocked workers can exit; their results are moot.
		for range results {
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

	counters.BytesPlaintext = bytesPlaintext
	timer.Finish()
	return telemetry.NewSnapshot(&counters, timer, segments), nil
}

// compressSegment runs one chunk through the codec. With the auto
// codec a chunk that does not shrink is stored raw and the segment
// loses its COMPRESSED flag; explicit codecs always compress.
func compressSegment(codec compress.Codec, compressionID uint16, seg rawSegment) (pipeline.EncryptSegmentInput, error) {
	input := pipeline.EncryptSegmentInput{
		SegmentIndex:  seg.index,
		Plaintext:     seg.bytes,
		CompressedLen: uint32(len(seg.bytes)),
		Flags:         seg.flags,
	}
	if codec == nil || len(seg.bytes) == 0 {
		return input, nil
	}
	compressed, err := codec.CompressChunk(seg.bytes)
	if err != nil {
		return pipeline.EncryptSegmentInput{}, fmt.Errorf("compress segment %d: %w", seg.index, err)
	}
	if compressionID == wire.CompressionAuto && len(compressed) >= len(seg.bytes) {
		return input, nil
	}
	input.Plaintext = compressed
	input.CompressedLen = uint32(len(compressed))
	input.Flags |= wire.SegmentCompressed
	return input, nil
}

// profileFor maps the strategy to a worker topology.
func (e *Engine) profileFor(header *wire.StreamHeader) parallel.Profile {
	if header.Strategy == wire.StrategySequential {
		return parallel.SingleThreaded()
	}
	maxSegment := uint64(header.ChunkSize) * 2 // wire plus plaintext headroom
	return parallel.Dynamic(maxSegment, e.config.MemFraction, e.config.HardCap)
}
