package pipeline

import (
	"fmt"

	"github.com/i5heu/ouroboros-stream/internal/streamcipher"
	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// validateFrameInput enforces the per-type plaintext contract before a
// seal: data frames carry payload, digest frames carry at least the
// alg/length prefix, terminators carry nothing.
func validateFrameInput(in *FrameInput) error {
	switch in.FrameType {
	case wire.FrameData:
		if len(in.Plaintext) == 0 {
			return fmt.Errorf("%w: empty data frame", ErrProtocol)
		}
	case wire.FrameDigest:
		if len(in.Plaintext) < 4 {
			return fmt.Errorf("%w: digest frame too short", ErrProtocol)
		}
	case wire.FrameTerminator:
		if len(in.Plaintext) != 0 {
			return fmt.Errorf("%w: terminator frame must be empty", ErrProtocol)
		}
	default:
		return wire.VerifyFrameType(in.FrameType)
	}
	return nil
}

// EncryptFrame seals one frame and encodes it into a single wire
// buffer. The returned Ciphertext is a view into Wire; the ciphertext
// bytes are born here and never copied again.
func EncryptFrame(suite *streamcipher.Suite, in FrameInput) (EncryptedFrame, error) {
	if err := validateFrameInput(&in); err != nil {
		return EncryptedFrame{}, err
	}
	ciphertext, err := suite.Seal(in.SegmentIndex, in.FrameIndex, in.FrameType, in.Plaintext)
	if err != nil {
		return EncryptedFrame{}, err
	}
	header := wire.FrameHeader{
		SegmentIndex:  in.SegmentIndex,
		FrameIndex:    in.FrameIndex,
		FrameType:     in.FrameType,
		CiphertextLen: uint32(len(ciphertext)),
	}
	frameWire, err := wire.EncodeFrame(&header, ciphertext)
	if err != nil {
		return EncryptedFrame{}, err
	}
	return EncryptedFrame{
		SegmentIndex: in.SegmentIndex,
		FrameIndex:   in.FrameIndex,
		FrameType:    in.FrameType,
		Wire:         frameWire,
		Ciphertext:   frameWire[wire.FrameHeaderLen:],
	}, nil
}

// DecryptFrame parses and opens one frame from its wire view. The
// ciphertext stays a view into frameWire so the segment worker can feed
// the digest from bytes it owns; the plaintext is a fresh buffer.
func DecryptFrame(suite *streamcipher.Suite, frameWire []byte) (DecryptedFrame, error) {
	header, err := wire.ParseFrameHeader(frameWire)
	if err != nil {
		return DecryptedFrame{}, err
	}
	if len(frameWire) != wire.FrameHeaderLen+int(header.CiphertextLen) {
		return DecryptedFrame{}, fmt.Errorf("%w: frame wire %d, header says %d",
			wire.ErrLengthMismatch, len(frameWire), wire.FrameHeaderLen+int(header.CiphertextLen))
	}
	ciphertext := frameWire[wire.FrameHeaderLen:]
	plaintext, err := suite.Open(header.SegmentIndex, header.FrameIndex, header.FrameType, ciphertext)
	if err != nil {
		return DecryptedFrame{}, err
	}
	return DecryptedFrame{
		SegmentIndex: header.SegmentIndex,
		FrameIndex:   header.FrameIndex,
		FrameType:    header.FrameType,
		Ciphertext:   ciphertext,
		Plaintext:    plaintext,
	}, nil
}

// runEncryptFrameWorker drains the frame input channel until it closes.
// Results, successful or not, always go back; the segment worker
// decides what a frame failure means.
func runEncryptFrameWorker(suite *streamcipher.Suite, rx <-chan FrameInput, tx chan<- encFrameResult) {
	for in := range rx {
		frame, err := EncryptFrame(suite, in)
		tx <- encFrameResult{frame: frame, err: err}
	}
}

// runDecryptFrameWorker drains the frame view channel until it closes.
func runDecryptFrameWorker(suite *streamcipher.Suite, rx <-chan []byte, tx chan<- decFrameResult) {
	for frameWire := range rx {
		frame, err := DecryptFrame(suite, frameWire)
		tx <- decFrameResult{frame: frame, err: err}
	}
}
