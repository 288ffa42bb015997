// Package compress resolves the stream header's compression id to a
// chunk-independent codec. Every chunk compresses and decompresses on
// its own; no state spans segments, which is what keeps segments
// individually decryptable and resumable.
package compress

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/i5heu/ouroboros-stream/internal/wire"
)

// Codec compresses and decompresses independent chunks.
type Codec interface {
	CompressChunk(src []byte) ([]byte, error)
	DecompressChunk(src []byte) ([]byte, error)
}

// Resolve returns the codec for a compression id. level <= 0 selects
// the codec default. dict is honored by zstd and ignored by the other
// codecs. CompressionNone resolves to a nil Codec: the caller skips the
// compression stage entirely.
func Resolve(id uint16, level int, dict []byte) (Codec, error) {
	switch id {
	case wire.CompressionNone:
		return nil, nil
	case wire.CompressionAuto, wire.CompressionZstd:
		return newZstd(level, dict)
	case wire.CompressionLZ4:
		return &lz4Codec{level: lz4Level(level)}, nil
	case wire.CompressionDeflate:
		if level <= 0 {
			level = 6
		}
		return &deflateCodec{level: level}, nil
	default:
		return nil, wire.VerifyCompression(id)
	}
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd(level int, dict []byte) (*zstdCodec, error) {
	// The dictionary is raw content, registered on both sides under an
	// id derived from its bytes.
	dictID := crc32.ChecksumIEEE(dict)
	encOpts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level > 0 {
		encOpts = append(encOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDictRaw(dictID, dict))
	}
	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decOpts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if len(dict) > 0 {
		decOpts = append(decOpts, zstd.WithDecoderDictRaw(dictID, dict))
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) CompressChunk(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) DecompressChunk(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 0:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return lz4.CompressionLevel(1 << (8 + level))
	}
}

func (c *lz4Codec) CompressChunk(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *lz4Codec) DecompressChunk(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return buf.Bytes(), nil
}

type deflateCodec struct {
	level int
}

func (c *deflateCodec) CompressChunk(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("deflate compress: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("deflate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *deflateCodec) DecompressChunk(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("deflate decompress: %w", err)
	}
	return buf.Bytes(), nil
}
