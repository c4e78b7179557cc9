package custody

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/custody/internal/crypto"
	"southwinds.dev/custody/internal/misc"
)

// Options configures a Keyring.
//
// KDF and Cipher apply to envelopes written by Setup and Rotate; existing envelopes are
// always opened with the parameters recorded in them.
type Options struct {
	KDF    crypto.KDFParams   `json:"kdf"`
	Cipher crypto.CipherSuite `json:"cipher"`

	// UnlockTTL bounds the lifetime of a PrivateKeyHandle
	UnlockTTL time.Duration `json:"unlock_ttl"`

	MinPassphraseLength int `json:"min_passphrase_length"`

	// LockMemory asks the OS to keep process memory out of swap; failure is logged, not fatal
	LockMemory bool `json:"lock_memory"`

	Logger *logrus.Logger   `json:"-"`
	Now    func() time.Time `json:"-"`
}

func DefaultOptions() Options {
	return Options{
		KDF:                 crypto.DefaultKDF(),
		Cipher:              crypto.SuiteAES256GCM,
		UnlockTTL:           misc.DefaultUnlockTTL,
		MinPassphraseLength: misc.MinPassphraseLength,
	}
}

// withDefaults fills zero fields and validates the result
func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()
	if o.KDF.Algorithm == "" {
		o.KDF = def.KDF
	}
	if o.Cipher == "" {
		o.Cipher = def.Cipher
	}
	if o.UnlockTTL <= 0 {
		o.UnlockTTL = def.UnlockTTL
	}
	if o.MinPassphraseLength <= 0 {
		o.MinPassphraseLength = def.MinPassphraseLength
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	if err := o.KDF.Validate(); err != nil {
		return o, fmt.Errorf("invalid kdf options: %w", err)
	}
	if err := o.Cipher.Validate(); err != nil {
		return o, fmt.Errorf("invalid cipher option: %w", err)
	}
	return o, nil
}
