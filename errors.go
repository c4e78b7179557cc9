package custody

import (
	"errors"

	"southwinds.dev/custody/audit"
	"southwinds.dev/custody/internal/crypto"
)

var (
	ErrKeyFormat             = crypto.ErrKeyFormat
	ErrAuthenticationFailure = crypto.ErrAuthenticationFailure
	ErrUnsupportedAlgorithm  = crypto.ErrUnsupportedAlgorithm

	// ErrWrongPassphrase is ErrAuthenticationFailure: a wrong passphrase, a tampered
	// envelope and a mismatched key pair are reported identically.
	ErrWrongPassphrase = ErrAuthenticationFailure

	ErrSourceUnavailable = audit.ErrSourceUnavailable
	ErrMalformedEvent    = audit.ErrMalformedEvent

	ErrAlreadyExists      = errors.New("keyring already exists")
	ErrNoKeyring          = errors.New("no keyring has been set up")
	ErrPassphraseTooShort = errors.New("passphrase is too short")
	ErrHandleInvalidated  = errors.New("private key handle is no longer valid")
	ErrCredentialMismatch = errors.New("credential does not match the record")
	ErrNoRecipient        = errors.New("no recipient for the content key")
	ErrIntegrityMismatch  = errors.New("ciphertext does not match its integrity hash")
)

// UserMessage renders err for display. Authentication failures collapse into one message
// so callers cannot tell a wrong passphrase from a damaged keyring.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailure):
		return "could not unlock"
	case errors.Is(err, ErrNoKeyring):
		return "no keyring found, run setup first"
	case errors.Is(err, ErrAlreadyExists):
		return "a keyring already exists"
	case errors.Is(err, ErrPassphraseTooShort):
		return "passphrase is too short"
	case errors.Is(err, ErrHandleInvalidated):
		return "keyring is locked, unlock it again"
	case errors.Is(err, ErrIntegrityMismatch):
		return "record integrity check failed"
	case errors.Is(err, ErrSourceUnavailable):
		return "audit sources are unavailable"
	default:
		return err.Error()
	}
}
