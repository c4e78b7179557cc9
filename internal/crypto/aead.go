package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/custody/internal/misc"
)

// CipherSuite selects the AEAD used for envelopes and record content
type CipherSuite string

const (
	SuiteAES256GCM        CipherSuite = "A256GCM"
	SuiteChaCha20Poly1305 CipherSuite = "C20P"
)

func (s CipherSuite) Validate() error {
	switch s {
	case SuiteAES256GCM, SuiteChaCha20Poly1305:
		return nil
	default:
		return fmt.Errorf("%w: cipher suite %q", ErrUnsupportedAlgorithm, s)
	}
}

func (s CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeyLen {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrKeyFormat, misc.KeyLen, len(key))
	}
	switch s {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: cipher suite %q", ErrUnsupportedAlgorithm, s)
	}
}

// Seal encrypts plaintext under key with a caller supplied 96-bit IV.
// The IV must never be reused with the same key; use NewIV for every call.
func Seal(suite CipherSuite, key, iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrKeyFormat, aead.NonceSize(), len(iv))
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext. Every failure after the suite
// has been resolved collapses into ErrAuthenticationFailure.
func Open(suite CipherSuite, key, iv, ciphertext, aad []byte) ([]byte, error) {
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	if len(iv) != aead.NonceSize() || len(ciphertext) < aead.Overhead() {
		return nil, ErrAuthenticationFailure
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
