package cryptoutil

import (
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for the counter derivation's wire format
)

// AESBlockSize is the CTR increment unit.
const AESBlockSize = 16

// DecryptCTR derives the initial AES-CTR counter from the file id: the
// first 16 bytes of ripemd160(file id).
func DecryptCTR(fileID string) [AESBlockSize]byte {
	h := ripemd160.New()
	h.Write([]byte(fileID))
	sum := h.Sum(nil)

	var ctr [AESBlockSize]byte
	copy(ctr[:], sum[:AESBlockSize])
	return ctr
}

// IncrementCTR advances iv by bytePosition/AESBlockSize block-aligned steps,
// carrying from the last byte backwards (big-endian 128-bit counter).
func IncrementCTR(iv [AESBlockSize]byte, bytePosition uint64) ([AESBlockSize]byte, error) {
	if bytePosition%AESBlockSize != 0 {
		return iv, fmt.Errorf("cryptoutil: byte position %d is not block-aligned", bytePosition)
	}

	blocks := bytePosition / AESBlockSize
	out := iv

	var carry uint16
	for i := 0; i < 8; i++ {
		pos := AESBlockSize - 1 - i
		b := byte(blocks >> (8 * uint(i)))
		sum := uint16(out[pos]) + uint16(b) + carry
		out[pos] = byte(sum)
		carry = sum >> 8
	}
	for pos := AESBlockSize - 1 - 8; carry > 0 && pos >= 0; pos-- {
		sum := uint16(out[pos]) + carry
		out[pos] = byte(sum)
		carry = sum >> 8
	}
	return out, nil
}

// ShardCTR computes the per-shard counter for a pointer at the given index,
// so each shard can be decrypted independently of the others.
func ShardCTR(initial [AESBlockSize]byte, index int, shardSize int64) ([AESBlockSize]byte, error) {
	return IncrementCTR(initial, uint64(index)*uint64(shardSize))
}
