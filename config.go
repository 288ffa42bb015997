package ouroborosstream

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// MaxDictLen caps compression dictionaries at 1 MiB.
const MaxDictLen = 1 << 20

// Config is the structured option bundle for an engine. The zero value
// of every field selects a sane default in checkConfig.
type Config struct {
	// CipherSuite selects the AEAD (wire.CipherAES256GCM or
	// wire.CipherChaCha20Poly1305).
	CipherSuite uint16
	// PRF selects the session-key derivation (wire.PRFSha256,
	// wire.PRFSha512 or wire.PRFBlake3).
	PRF uint16
	// Compression selects the chunk codec (wire.CompressionAuto, Zstd,
	// LZ4, Deflate or None).
	Compression uint16
	// CompressionLevel tunes the codec; 0 keeps the codec default.
	CompressionLevel int
	// Dictionary is an optional compression dictionary, honored by zstd.
	Dictionary []byte
	// DictID identifies the dictionary in the stream header; when zero
	// it is derived from the dictionary bytes.
	DictID uint32
	// DigestAlg selects the segment digest (wire.DigestSha256,
	// wire.DigestSha512 or wire.DigestBlake3).
	DigestAlg uint16
	// ChunkSize is the segment plaintext size; must be in
	// wire.AllowedChunkSizes.
	ChunkSize uint32
	// FrameSize is the data frame plaintext size; 0 derives it from
	// ChunkSize, targeting 4 to 64 frames per segment.
	FrameSize uint32
	// Strategy is the scheduling hint (wire.StrategySequential,
	// StrategyParallel or StrategyAuto).
	Strategy uint16
	// AADDomain separates container flavors in the AAD; with
	// AADStrict the decoder rejects streams from a different domain.
	AADDomain uint16
	// AADStrict makes the decoder require an exact AAD domain match.
	AADStrict bool
	// KeyID names the master key in the caller's registry.
	KeyID uint32
	// MemFraction is the share of available memory the in-flight
	// segment budget may use.
	MemFraction float64
	// HardCap bounds the in-flight segment count regardless of memory.
	HardCap int
	// GPUThreshold is the segment size, in bytes, at which frame work
	// is offered to a GPU pool when one exists.
	GPUThreshold int
	// JournalPath enables the recovery journal at the given directory.
	JournalPath string
	// MinimumFreeSpace is the free-disk floor for the journal, in GiB.
	MinimumFreeSpace uint64
	// Logger receives engine logs; a fresh logrus.Logger by default.
	Logger *logrus.Logger
}

// checkConfig fills defaults and rejects invalid combinations.
func (c *Config) checkConfig() error {
	if c.CipherSuite == 0 {
		c.CipherSuite = wire.CipherChaCha20Poly1305
	}
	if err := wire.VerifyCipher(c.CipherSuite); err != nil {
		return err
	}
	if c.PRF == 0 {
		c.PRF = wire.PRFSha256
	}
	if err := wire.VerifyPRF(c.PRF); err != nil {
		return err
	}
	if _, err := wire.ProfileFor(c.CipherSuite, c.PRF); err != nil {
		return err
	}
	if err := wire.VerifyCompression(c.Compression); err != nil {
		return err
	}
	if c.DigestAlg == 0 {
		c.DigestAlg = wire.DigestSha256
	}
	if err := wire.VerifyDigestAlg(c.DigestAlg); err != nil {
		return err
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = wire.DefaultChunkSize
	}
	if !wire.ChunkSizeAllowed(c.ChunkSize) {
		return fmt.Errorf("chunk size %d not in allowed set", c.ChunkSize)
	}
	if c.FrameSize > c.ChunkSize {
		return fmt.Errorf("frame size %d exceeds chunk size %d", c.FrameSize, c.ChunkSize)
	}
	if err := wire.VerifyStrategy(c.Strategy); err != nil {
		return err
	}
	if c.AADDomain == 0 {
		c.AADDomain = wire.AADDomainGeneric
	}
	if err := wire.VerifyAADDomain(c.AADDomain); err != nil {
		return err
	}
	if len(c.Dictionary) > MaxDictLen {
		return fmt.Errorf("dictionary is %d bytes, cap is %d", len(c.Dictionary), MaxDictLen)
	}
	if c.MemFraction == 0 {
		c.MemFraction = 0.25
	}
	if c.MemFraction < 0 || c.MemFraction > 1 {
		return fmt.Errorf("mem fraction %f outside (0, 1]", c.MemFraction)
	}
	if c.HardCap == 0 {
		c.HardCap = 64
	}
	if c.HardCap < 1 {
		return fmt.Errorf("hard cap must be positive, got %d", c.HardCap)
	}
	if c.GPUThreshold == 0 {
		c.GPUThreshold = 8 * 1024 * 1024
	}
	return nil
}
