package ouroborosstream

import (
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-stream/internal/kdf"
	"github.com/i5heu/ouroboros-stream/internal/pipeline"
	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/streamio"
)

// ValidationReport summarizes a container scan.
type ValidationReport struct {
	Segments        uint64 // segments that verified, final marker included
	LastIntactIndex uint64 // highest verified segment index
	Complete        bool   // final marker seen and verified
	Err             error  // what stopped the scan, nil when Complete
}

// Passed reports whether the whole stream verified.
func (r ValidationReport) Passed() bool {
	return r.Complete && r.Err == nil
}

// ValidateStream scans a container sequentially and verifies every
// segment — frame authentication, digest, terminator — without
// emitting or retaining any plaintext. A truncated or corrupt tail
// stops the scan; the report then names the last intact segment, which
// is where a resumed transfer would pick up.
func (e *Engine) ValidateStream(src io.Reader) (ValidationReport, error) {
	header, err := streamio.ReadStreamHeader(src)
	if err != nil {
		return ValidationReport{Err: err}, fmt.Errorf("failed to read stream header for validation: %w", err)
	}

	sessionKey, err := kdf.SessionKey(e.masterKey, header)
	if err != nil {
		return ValidationReport{Err: err}, err
	}
	suite, err := streamcipher.New(header, sessionKey)
	if err != nil {
		return ValidationReport{Err: err}, err
	}

	crypto := &pipeline.Crypto{Header: header, Suite: suite, Workers: 1}
	worker := pipeline.NewDecryptSegmentWorker(crypto)
	defer worker.Close()

	report := ValidationReport{}
	expected := uint64(0)
	for {
		segHeader, segmentWire, rerr := streamio.ReadSegment(src)
		if rerr == io.EOF {
			report.Err = fmt.Errorf("stream ended before the final segment")
			return report, nil
		}
		if rerr != nil {
			report.Err = rerr
			return report, nil
		}
		if segHeader.SegmentIndex != expected {
			report.Err = fmt.Errorf("%w: segment index %d, want %d", pipeline.ErrProtocol, segHeader.SegmentIndex, expected)
			return report, nil
		}
		expected++

		if _, perr := worker.Process(pipeline.DecryptSegmentInput{Header: segHeader, Wire: segmentWire}); perr != nil {
			report.Err = perr
			return report, nil
		}
		report.Segments++
		report.LastIntactIndex = segHeader.SegmentIndex
		if segHeader.IsFinal() {
			report.Complete = true
			return report, nil
		}
	}
}
