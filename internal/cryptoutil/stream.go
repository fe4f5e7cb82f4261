package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// DecryptShard decrypts buf in place using AES-256-CTR with the given key
// and per-shard counter, computed by the caller via ShardCTR.
func DecryptShard(key [32]byte, ctr [AESBlockSize]byte, buf []byte) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	stream := cipher.NewCTR(block, ctr[:])
	stream.XORKeyStream(buf, buf)
	return nil
}

// HMACAccumulator is keyed HMAC-SHA512 over plaintext shards, updated
// strictly in index order by the writer.
type HMACAccumulator struct {
	mac hash512
}

type hash512 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// NewHMACAccumulator keys the accumulator with the file's decrypt key. An
// empty key is valid — it still runs, for unencrypted downloads where a
// missing info.hmac is accepted instead of verified.
func NewHMACAccumulator(key []byte) *HMACAccumulator {
	return &HMACAccumulator{mac: hmac.New(sha512.New, key)}
}

// Write feeds plaintext shard bytes into the accumulator. Must be called in
// ascending pointer-index order.
func (h *HMACAccumulator) Write(p []byte) {
	h.mac.Write(p)
}

// FinalHex returns the lowercase hex digest, ready to compare against the
// bridge-reported HMAC.
func (h *HMACAccumulator) FinalHex() string {
	return hex.EncodeToString(h.mac.Sum(nil))
}
