package crypto

import "errors"

var (
	// ErrKeyFormat reports malformed key material (bad DER, wrong key or salt length)
	ErrKeyFormat = errors.New("malformed key material")

	// ErrAuthenticationFailure is returned for every failed AEAD or OAEP open.
	// Wrong keys, wrong passphrases and tampered ciphertext all map here.
	ErrAuthenticationFailure = errors.New("authentication failed")

	// ErrUnsupportedAlgorithm reports an unknown KDF, cipher suite or key type
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)
