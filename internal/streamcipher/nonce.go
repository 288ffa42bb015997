package streamcipher

import "encoding/binary"

// DeriveNonce builds the 96-bit frame nonce from the stream salt and
// the frame's position. The first 12 salt bytes form the base; the low
// 4 bytes are XORed with the little-endian frame index and the
// remaining 8 with the little-endian segment index. The mapping from
// (segment_index, frame_index) to nonce is injective, so nonces are
// unique within a stream as long as the salt is unique per stream.
//
// The schedule is identical on both sides; changing the XOR regions or
// endianness is a wire break.
func DeriveNonce(salt [16]byte, segmentIndex uint64, frameIndex uint32) [NonceLen]byte {
	var nonce [NonceLen]byte
	copy(nonce[:], salt[:NonceLen])

	var fi [4]byte
	binary.LittleEndian.PutUint32(fi[:], frameIndex)
	for i := 0; i < 4; i++ {
		nonce[i] ^= fi[i]
	}

	var si [8]byte
	binary.LittleEndian.PutUint64(si[:], segmentIndex)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= si[i]
	}
	return nonce
}
