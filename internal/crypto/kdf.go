package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"southwinds.dev/custody/internal/misc"
)

// KDFAlgorithm names a passphrase based key derivation function
type KDFAlgorithm string

const (
	KDFPBKDF2SHA256 KDFAlgorithm = "PBKDF2-SHA256"
	KDFArgon2id     KDFAlgorithm = "ARGON2ID"
)

const minPBKDF2Iterations = 1000

// KDFParams is persisted next to every salt so the key can be re-derived later
type KDFParams struct {
	Algorithm  KDFAlgorithm `json:"alg"`
	Iterations uint32       `json:"iterations"`
	Memory     uint32       `json:"memory,omitempty"`
	Threads    uint8        `json:"threads,omitempty"`
}

// DefaultKDF returns PBKDF2-SHA256 with 160k iterations
func DefaultKDF() KDFParams {
	return KDFParams{
		Algorithm:  KDFPBKDF2SHA256,
		Iterations: misc.PBKDF2Iterations,
	}
}

// DefaultArgon2id returns the memory-hard alternative
func DefaultArgon2id() KDFParams {
	return KDFParams{
		Algorithm:  KDFArgon2id,
		Iterations: misc.ArgonTime,
		Memory:     misc.ArgonMemory,
		Threads:    misc.ArgonThreads,
	}
}

func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case KDFPBKDF2SHA256:
		if p.Iterations < minPBKDF2Iterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d below %d", ErrUnsupportedAlgorithm, p.Iterations, minPBKDF2Iterations)
		}
	case KDFArgon2id:
		if p.Iterations == 0 || p.Memory < 8*1024 || p.Threads == 0 {
			return fmt.Errorf("%w: argon2id parameters t=%d m=%d p=%d", ErrUnsupportedAlgorithm, p.Iterations, p.Memory, p.Threads)
		}
	default:
		return fmt.Errorf("%w: kdf %q", ErrUnsupportedAlgorithm, p.Algorithm)
	}
	return nil
}

// DeriveKey stretches a passphrase into a 256-bit symmetric key held in a locked buffer.
// The caller owns the returned buffer and must Destroy it.
func DeriveKey(passphrase []byte, salt []byte, params KDFParams) (*memguard.LockedBuffer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) < misc.MinSaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes, got %d", ErrKeyFormat, misc.MinSaltSize, len(salt))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var derived []byte
	switch params.Algorithm {
	case KDFPBKDF2SHA256:
		derived = pbkdf2.Key(passphrase, salt, int(params.Iterations), misc.KeyLen, sha256.New)
	case KDFArgon2id:
		derived = argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Threads, misc.KeyLen)
	}

	// NewBufferFromBytes wipes the source slice
	return memguard.NewBufferFromBytes(derived), nil
}
