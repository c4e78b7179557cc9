package custody

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"southwinds.dev/custody/internal/crypto"
	"southwinds.dev/custody/internal/misc"
)

// Credential is one of Passphrase, *ContentKey or *PrivateKeyHandle
type Credential interface {
	credential()
}

// Passphrase derives a per-record key; nothing but the salt is stored
type Passphrase string

func (Passphrase) credential() {}

// ContentKey is a random 256-bit record key held in a memguard enclave
type ContentKey struct {
	enclave *memguard.Enclave
}

func (*ContentKey) credential() {}

func NewContentKey() (*ContentKey, error) {
	return &ContentKey{enclave: memguard.NewEnclaveRandom(misc.KeyLen)}, nil
}

// ContentKeyFromBytes imports raw key bytes. b is wiped.
func ContentKeyFromBytes(b []byte) (*ContentKey, error) {
	if len(b) != misc.KeyLen || crypto.IsWeakKey(b) {
		memguard.WipeBytes(b)
		return nil, fmt.Errorf("%w: content key must be %d non-trivial bytes", ErrKeyFormat, misc.KeyLen)
	}
	return &ContentKey{enclave: memguard.NewEnclave(b)}, nil
}

// Export returns a copy of the raw key; the caller must wipe it
func (c *ContentKey) Export() ([]byte, error) {
	buf, err := c.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ContentKey) open() (*memguard.LockedBuffer, error) {
	if c == nil || c.enclave == nil {
		return nil, fmt.Errorf("%w: empty content key", ErrKeyFormat)
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open content key: %w", err)
	}
	return buf, nil
}

// Custody tells who can recover the key of a record
type Custody string

const (
	CustodyPassphrase   Custody = "passphrase"    // derived from the user's passphrase
	CustodyOwnerWrapped Custody = "owner-wrapped" // content key wrapped to the owner's public key
	CustodyEphemeral    Custody = "ephemeral"     // content key held by the caller only
)

// EncryptedRecord is the envelope of one encrypted record
type EncryptedRecord struct {
	ID               string             `json:"id"`
	Ciphertext       []byte             `json:"ciphertext,omitempty"`
	IV               []byte             `json:"iv"`
	Salt             string             `json:"salt"` // base64, or "-" for content keys
	KDF              *crypto.KDFParams  `json:"kdf,omitempty"`
	Enc              crypto.CipherSuite `json:"enc"`
	IntegrityHash    string             `json:"integrity_hash"`
	OriginalFilename string             `json:"original_filename"`
	SizeBytes        int64              `json:"size_bytes"`
	CreatedAt        time.Time          `json:"created_at"`
	Custody          Custody            `json:"custody"`
	WrappedKey       []byte             `json:"wrapped_key,omitempty"`
	KeyFingerprint   string             `json:"key_fingerprint,omitempty"`
}

func (r *EncryptedRecord) aad() []byte {
	return []byte("custody/record/v1|" + r.ID)
}

// Envelope is the record without its ciphertext, as stored next to the blob
func (r *EncryptedRecord) Envelope() ([]byte, error) {
	c := *r
	c.Ciphertext = nil
	return json.Marshal(&c)
}

// RecordFromEnvelope reassembles a record from its envelope and blob
func RecordFromEnvelope(envelope, ciphertext []byte) (*EncryptedRecord, error) {
	var rec EncryptedRecord
	if err := json.Unmarshal(envelope, &rec); err != nil {
		return nil, fmt.Errorf("%w: record envelope: %v", ErrKeyFormat, err)
	}
	rec.Ciphertext = ciphertext
	return &rec, nil
}

// VerifyIntegrity checks the ciphertext hash without any key material
func VerifyIntegrity(rec *EncryptedRecord) error {
	if rec == nil || !VerifyCiphertext(rec.Ciphertext, rec.IntegrityHash) {
		return ErrIntegrityMismatch
	}
	return nil
}

func VerifyCiphertext(ciphertext []byte, integrityHash string) bool {
	return len(ciphertext) > 0 && crypto.CalculateChecksum(ciphertext) == integrityHash
}

// Pipeline encrypts and decrypts records
type Pipeline struct {
	recipient      *PublicInfo
	recipientKey   *rsa.PublicKey
	allowEphemeral bool
	kdf            crypto.KDFParams
	suite          crypto.CipherSuite
	minPassphrase  int
	log            *logrus.Logger
	now            func() time.Time
}

type PipelineOption func(*Pipeline)

// WithRecipient wraps content keys to the owner's public key
func WithRecipient(info *PublicInfo) PipelineOption {
	return func(p *Pipeline) { p.recipient = info }
}

// AllowEphemeral lets content keys be used without a recipient; the caller then
// holds the only copy of the key.
func AllowEphemeral() PipelineOption {
	return func(p *Pipeline) { p.allowEphemeral = true }
}

func WithKDF(params crypto.KDFParams) PipelineOption {
	return func(p *Pipeline) { p.kdf = params }
}

func WithCipherSuite(suite crypto.CipherSuite) PipelineOption {
	return func(p *Pipeline) { p.suite = suite }
}

func WithMinPassphraseLength(n int) PipelineOption {
	return func(p *Pipeline) { p.minPassphrase = n }
}

func WithLogger(log *logrus.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(options ...PipelineOption) (*Pipeline, error) {
	p := &Pipeline{
		kdf:           crypto.DefaultKDF(),
		suite:         crypto.SuiteAES256GCM,
		minPassphrase: misc.MinPassphraseLength,
		log:           logrus.StandardLogger(),
		now:           time.Now,
	}
	for _, o := range options {
		o(p)
	}

	if err := p.kdf.Validate(); err != nil {
		return nil, err
	}
	if err := p.suite.Validate(); err != nil {
		return nil, err
	}
	if p.recipient != nil {
		key, err := p.recipient.RSAPublicKey()
		if err != nil {
			return nil, fmt.Errorf("invalid recipient: %w", err)
		}
		p.recipientKey = key
	}
	return p, nil
}

// EncryptRecord encrypts data with a Passphrase or a *ContentKey
func (p *Pipeline) EncryptRecord(data []byte, filename string, cred Credential) (*EncryptedRecord, error) {
	iv, err := crypto.NewIV()
	if err != nil {
		return nil, err
	}
	rec := &EncryptedRecord{
		ID:               uuid.NewString(),
		IV:               iv,
		Enc:              p.suite,
		OriginalFilename: filename,
		SizeBytes:        int64(len(data)),
		CreatedAt:        p.now().UTC(),
	}

	switch c := cred.(type) {
	case Passphrase:
		err = p.encryptWithPassphrase(rec, data, c)
	case *ContentKey:
		err = p.encryptWithContentKey(rec, data, c)
	default:
		err = fmt.Errorf("%w: %T cannot encrypt", ErrCredentialMismatch, cred)
	}
	if err != nil {
		return nil, err
	}

	rec.IntegrityHash = crypto.CalculateChecksum(rec.Ciphertext)
	p.log.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"custody":   rec.Custody,
		"size":      rec.SizeBytes,
	}).Debug("record encrypted")
	return rec, nil
}

func (p *Pipeline) encryptWithPassphrase(rec *EncryptedRecord, data []byte, pass Passphrase) error {
	if len([]rune(string(pass))) < p.minPassphrase {
		return fmt.Errorf("%w: at least %d characters required", ErrPassphraseTooShort, p.minPassphrase)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey([]byte(pass), salt, p.kdf)
	if err != nil {
		return fmt.Errorf("failed to derive record key: %w", err)
	}
	defer key.Destroy()

	if rec.Ciphertext, err = crypto.Seal(rec.Enc, key.Bytes(), rec.IV, data, rec.aad()); err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}
	kdf := p.kdf
	rec.Salt = base64.StdEncoding.EncodeToString(salt)
	rec.KDF = &kdf
	rec.Custody = CustodyPassphrase
	return nil
}

func (p *Pipeline) encryptWithContentKey(rec *EncryptedRecord, data []byte, ck *ContentKey) error {
	if p.recipientKey == nil && !p.allowEphemeral {
		return ErrNoRecipient
	}
	key, err := ck.open()
	if err != nil {
		return err
	}
	defer key.Destroy()

	if rec.Ciphertext, err = crypto.Seal(rec.Enc, key.Bytes(), rec.IV, data, rec.aad()); err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}
	rec.Salt = misc.ContentKeySaltMarker
	rec.Custody = CustodyEphemeral
	if p.recipientKey != nil {
		if rec.WrappedKey, err = crypto.WrapKey(p.recipientKey, key.Bytes()); err != nil {
			return fmt.Errorf("failed to wrap content key: %w", err)
		}
		rec.KeyFingerprint = p.recipient.Fingerprint
		rec.Custody = CustodyOwnerWrapped
	}
	return nil
}

// DecryptRecord verifies and decrypts rec. A Passphrase opens passphrase records, a
// *ContentKey opens content key records and a *PrivateKeyHandle opens owner-wrapped ones.
func (p *Pipeline) DecryptRecord(rec *EncryptedRecord, cred Credential) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrKeyFormat)
	}
	if err := VerifyIntegrity(rec); err != nil {
		p.log.WithField("record_id", rec.ID).Warn("record integrity check failed")
		return nil, ErrAuthenticationFailure
	}
	if err := rec.Enc.Validate(); err != nil {
		return nil, err
	}

	var (
		plaintext []byte
		err       error
	)
	switch c := cred.(type) {
	case Passphrase:
		plaintext, err = p.decryptWithPassphrase(rec, c)
	case *ContentKey:
		plaintext, err = p.decryptWithContentKey(rec, c)
	case *PrivateKeyHandle:
		plaintext, err = p.decryptWithHandle(rec, c)
	default:
		err = fmt.Errorf("%w: unsupported credential %T", ErrCredentialMismatch, cred)
	}
	if err != nil {
		return nil, err
	}
	p.log.WithField("record_id", rec.ID).Debug("record decrypted")
	return plaintext, nil
}

func (p *Pipeline) decryptWithPassphrase(rec *EncryptedRecord, pass Passphrase) ([]byte, error) {
	if rec.Salt == misc.ContentKeySaltMarker {
		return nil, fmt.Errorf("%w: record is encrypted with a content key", ErrCredentialMismatch)
	}
	if rec.KDF == nil {
		return nil, fmt.Errorf("%w: record has no kdf parameters", ErrKeyFormat)
	}
	if err := rec.KDF.Validate(); err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: record salt: %v", ErrKeyFormat, err)
	}

	key, err := crypto.DeriveKey([]byte(pass), salt, *rec.KDF)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	defer key.Destroy()
	return crypto.Open(rec.Enc, key.Bytes(), rec.IV, rec.Ciphertext, rec.aad())
}

func (p *Pipeline) decryptWithContentKey(rec *EncryptedRecord, ck *ContentKey) ([]byte, error) {
	if rec.Salt != misc.ContentKeySaltMarker {
		return nil, fmt.Errorf("%w: record is encrypted with a passphrase", ErrCredentialMismatch)
	}
	key, err := ck.open()
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	return crypto.Open(rec.Enc, key.Bytes(), rec.IV, rec.Ciphertext, rec.aad())
}

func (p *Pipeline) decryptWithHandle(rec *EncryptedRecord, h *PrivateKeyHandle) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handle", ErrCredentialMismatch)
	}
	if rec.Custody != CustodyOwnerWrapped || len(rec.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: record has no owner-wrapped key", ErrCredentialMismatch)
	}
	if rec.KeyFingerprint != h.Fingerprint() {
		return nil, fmt.Errorf("%w: record key %s, handle key %s", ErrCredentialMismatch, rec.KeyFingerprint, h.Fingerprint())
	}

	raw, err := h.unwrapKey(rec.WrappedKey)
	if err != nil {
		if errors.Is(err, ErrHandleInvalidated) {
			return nil, err
		}
		return nil, ErrAuthenticationFailure
	}
	defer memguard.WipeBytes(raw)
	return crypto.Open(rec.Enc, raw, rec.IV, rec.Ciphertext, rec.aad())
}

// Rewrap moves an owner-wrapped record from the key behind previous to recipient. The
// ciphertext is unchanged; only the wrapped content key and its fingerprint are replaced.
func (p *Pipeline) Rewrap(rec *EncryptedRecord, previous *PrivateKeyHandle, recipient *PublicInfo) (*EncryptedRecord, error) {
	if rec == nil || previous == nil {
		return nil, ErrCredentialMismatch
	}
	pub, err := recipient.RSAPublicKey()
	if err != nil {
		return nil, err
	}
	if rec.Custody != CustodyOwnerWrapped || rec.KeyFingerprint != previous.Fingerprint() {
		return nil, fmt.Errorf("%w: record is not wrapped to key %s", ErrCredentialMismatch, previous.Fingerprint())
	}

	raw, err := previous.unwrapKey(rec.WrappedKey)
	if err != nil {
		if errors.Is(err, ErrHandleInvalidated) {
			return nil, err
		}
		return nil, ErrAuthenticationFailure
	}
	defer memguard.WipeBytes(raw)

	wrapped, err := crypto.WrapKey(pub, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content key: %w", err)
	}
	out := *rec
	out.WrappedKey = wrapped
	out.KeyFingerprint = recipient.Fingerprint
	p.log.WithFields(logrus.Fields{
		"record_id":            rec.ID,
		"fingerprint":          recipient.Fingerprint,
		"previous_fingerprint": previous.Fingerprint(),
	}).Info("record content key re-wrapped")
	return &out, nil
}
