// Package telemetry collects best-effort counters and per-stage
// durations while a pipeline runs, and freezes them into an immutable
// Snapshot at the end. Counters travel inside per-segment results and
// are merged by the single-threaded controller, so no locks or atomics
// sit on the data path, and telemetry can never block data flow.
package telemetry

import "time"

// Stage labels a pipeline phase for duration accounting.
type Stage string

const (
	StageRead       Stage = "read"
	StageCompress   Stage = "compress"
	StageEncrypt    Stage = "encrypt"
	StageEncode     Stage = "encode"
	StageDecode     Stage = "decode"
	StageDecrypt    Stage = "decrypt"
	StageDecompress Stage = "decompress"
	StageValidate   Stage = "validate"
	StageWrite      Stage = "write"
)

// Counters are the deterministic frame and byte counts collected during
// stream processing.
type Counters struct {
	FramesData       uint64
	FramesDigest     uint64
	FramesTerminator uint64
	BytesPlaintext   uint64
	BytesCompressed  uint64
	BytesCiphertext  uint64
	BytesOverhead    uint64
}

// Merge folds another set of counters into c.
func (c *Counters) Merge(o *Counters) {
	c.FramesData += o.FramesData
	c.FramesDigest += o.FramesDigest
	c.FramesTerminator += o.FramesTerminator
	c.BytesPlaintext += o.BytesPlaintext
	c.BytesCompressed += o.BytesCompressed
	c.BytesCiphertext += o.BytesCiphertext
	c.BytesOverhead += o.BytesOverhead
}

// StageTimes accumulates wall time per stage.
type StageTimes map[Stage]time.Duration

// Add accumulates a duration for one stage.
func (s StageTimes) Add(stage Stage, d time.Duration) {
	s[stage] += d
}

// Merge folds another stage map into s.
func (s StageTimes) Merge(o StageTimes) {
	for stage, d := range o {
		s[stage] += d
	}
}

// Total sums all stage durations.
func (s StageTimes) Total() time.Duration {
	var total time.Duration
	for _, d := range s {
		total += d
	}
	return total
}

// Timer tracks pipeline wall time plus per-stage durations.
type Timer struct {
	start  time.Time
	end    time.Time
	Stages StageTimes
}

// NewTimer starts the wall clock.
func NewTimer() *Timer {
	return &Timer{start: time.Now(), Stages: StageTimes{}}
}

// Finish stops the wall clock.
func (t *Timer) Finish() {
	t.end = time.Now()
}

// Elapsed returns the total wall time so far, or the frozen duration
// after Finish.
func (t *Timer) Elapsed() time.Duration {
	if t.end.IsZero() {
		return time.Since(t.start)
	}
	return t.end.Sub(t.start)
}

// Snapshot is the immutable result handed back at pipeline end.
type Snapshot struct {
	SegmentsProcessed uint64
	FramesData        uint64
	FramesDigest      uint64
	FramesTerminator  uint64
	BytesPlaintext    uint64
	BytesCompressed   uint64
	BytesCiphertext   uint64
	BytesOverhead     uint64
	CompressionRatio  float64
	ThroughputBps     float64
	Elapsed           time.Duration
	Stages            StageTimes
}

// NewSnapshot freezes counters and timer into a Snapshot.
func NewSnapshot(c *Counters, t *Timer, segments uint64) *Snapshot {
	elapsed := t.Elapsed()

	ratio := 0.0
	if c.BytesPlaintext > 0 {
		ratio = float64(c.BytesCompressed) / float64(c.BytesPlaintext)
		if ratio > 1.0 {
			ratio = 1.0
		}
	}
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(c.BytesPlaintext) / secs
	}

	stages := StageTimes{}
	stages.Merge(t.Stages)

	return &Snapshot{
		SegmentsProcessed: segments,
		FramesData:        c.FramesData,
		FramesDigest:      c.FramesDigest,
		FramesTerminator:  c.FramesTerminator,
		BytesPlaintext:    c.BytesPlaintext,
		BytesCompressed:   c.BytesCompressed,
		BytesCiphertext:   c.BytesCiphertext,
		BytesOverhead:     c.BytesOverhead,
		CompressionRatio:  ratio,
		ThroughputBps:     throughput,
		Elapsed:           elapsed,
		Stages:            stages,
	}
}
