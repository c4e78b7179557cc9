package misc

import "time"

const (
	// EnvelopeFormat is the kty discriminator written into every wrapped private key
	EnvelopeFormat = "RSA-OAEP-256/ENVELOPE-v1"

	// PBKDF2 key derivation parameters
	PBKDF2Iterations = 160_000
	KeyLen           = 32
	SaltSize         = 16
	MinSaltSize      = 16
	IVSize           = 12

	// Argon2id key derivation parameters
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4

	// RSABits is the modulus length of generated identity keys
	RSABits = 2048

	// FingerprintBytes is the number of hash bytes shown as a key fingerprint
	FingerprintBytes = 8

	MinPassphraseLength = 8
	DefaultUnlockTTL    = 5 * time.Minute

	// ContentKeySaltMarker replaces the salt of records encrypted under a content key
	ContentKeySaltMarker = "-"

	// DefaultDedupWindow is the tolerance used to match ledger and log events
	DefaultDedupWindow = 5 * time.Minute

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
