// Package cryptoutil implements the download engine's key-derivation chain,
// CTR stepping, and streaming decrypt/HMAC primitives. A mnemonic yields a
// BIP39 seed, the seed and the bucket id fold into a bucket key, the bucket
// key and the file id fold into a file key, and the file key's ASCII hex
// bytes are sha256'd exactly once to produce the AES key. Generating the
// mnemonic itself is out of scope here — callers supply a mnemonic string.
package cryptoutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"
)

// DeterministicKeySize is the length, in hex characters, of a deterministic
// key: the first half of a sha512 digest, hex-encoded.
const DeterministicKeySize = 64

// SeedFromMnemonic derives the hex-encoded BIP39 seed from a mnemonic phrase
// with an empty passphrase, matching the bridge CLI's convention.
func SeedFromMnemonic(mnemonic string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("cryptoutil: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	return hex.EncodeToString(seed), nil
}

// DeterministicKey hex-decodes the concatenation of k and id, sha512s it,
// and keeps the first 64 hex characters (32 bytes) of the hex-encoded
// digest.
func DeterministicKey(k, id string) (string, error) {
	raw, err := hex.DecodeString(k + id)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: deterministic key input is not valid hex: %w", err)
	}
	sum := sha512.Sum512(raw)
	return hex.EncodeToString(sum[:])[:DeterministicKeySize], nil
}

// BucketKey derives the per-bucket deterministic key from the mnemonic seed
// and bucket id.
func BucketKey(seedHex, bucketID string) (string, error) {
	return DeterministicKey(seedHex, bucketID)
}

// FileKey derives the per-file deterministic key from the bucket key and
// file id. This is the raw deterministic key string, not sha256'd — the
// single sha256 application happens in DecryptKey below.
func FileKey(bucketKey, fileID string) (string, error) {
	return DeterministicKey(bucketKey, fileID)
}

// DecryptKey sha256's the ASCII bytes of the file key's 64-character hex
// string (not the hex-decoded bytes) to produce the 32-byte AES-256 key.
func DecryptKey(fileKey string) [32]byte {
	return sha256.Sum256([]byte(fileKey))
}

// DeriveFileMaterial runs the full chain from a mnemonic down to the AES key,
// for callers that only have the mnemonic, bucket id, and file id on hand.
func DeriveFileMaterial(mnemonic, bucketID, fileID string) (key [32]byte, err error) {
	seed, err := SeedFromMnemonic(mnemonic)
	if err != nil {
		return key, err
	}
	bucketKey, err := BucketKey(seed, bucketID)
	if err != nil {
		return key, err
	}
	fileKey, err := FileKey(bucketKey, fileID)
	if err != nil {
		return key, err
	}
	return DecryptKey(fileKey), nil
}
