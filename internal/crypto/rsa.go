package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"southwinds.dev/custody/internal/misc"
)

// oaepLabel binds wrapped content keys to their purpose
var oaepLabel = []byte("custody/content-key")

// GenerateKeyPair creates a new RSA-2048 identity key. It is only ever used with OAEP/SHA-256.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, misc.RSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes the public key as PKIX DER
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return der, nil
}

func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key type %T", ErrUnsupportedAlgorithm, key)
	}
	if pub.N.BitLen() < misc.RSABits {
		return nil, fmt.Errorf("%w: rsa modulus of %d bits", ErrUnsupportedAlgorithm, pub.N.BitLen())
	}
	return pub, nil
}

// MarshalPrivateKey encodes the private key as PKCS#8 DER. The caller must wipe the result.
func MarshalPrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return der, nil
}

func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key type %T", ErrUnsupportedAlgorithm, key)
	}
	if err = priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return priv, nil
}

// WrapKey encrypts a symmetric key to pub with RSA-OAEP/SHA-256
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil public key", ErrKeyFormat)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, oaepLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey. Any failure is reported as ErrAuthenticationFailure.
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrAuthenticationFailure
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, oaepLabel)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return key, nil
}

// PublicMatches reports whether pubDER is the public half of priv
func PublicMatches(priv *rsa.PrivateKey, pubDER []byte) bool {
	pub, err := ParsePublicKey(pubDER)
	if err != nil {
		return false
	}
	return priv.PublicKey.Equal(pub)
}
