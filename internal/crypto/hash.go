package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"southwinds.dev/custody/internal/misc"
)

// Digest is a SHA-256 hash
type Digest [sha256.Size]byte

func Hash(b []byte) Digest {
	return sha256.Sum256(b)
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	return Hash(data).Hex()
}

// Fingerprint is the first 8 bytes of the SHA-256 of the DER public key, hex encoded
func Fingerprint(publicKeyDER []byte) string {
	d := Hash(publicKeyDER)
	return hex.EncodeToString(d[:misc.FingerprintBytes])
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func NewSalt() ([]byte, error) {
	return RandomBytes(misc.SaltSize)
}

func NewIV() ([]byte, error) {
	return RandomBytes(misc.IVSize)
}

// IsWeakKey rejects short keys and keys made of a single repeated byte
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeyLen {
		return true
	}
	first := key[0]
	for _, b := range key[1:] {
		if b != first {
			return false
		}
	}
	return true
}
