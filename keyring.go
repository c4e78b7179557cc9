package custody

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"southwinds.dev/custody/internal/crypto"
	"southwinds.dev/custody/internal/debug"
	"southwinds.dev/custody/internal/mem"
	"southwinds.dev/custody/internal/misc"
	"southwinds.dev/custody/persist"
)

func init() {
	// Safely terminate in case of an interrupt signal
	memguard.CatchInterrupt()
}

// PublicInfo is the non-secret half of a keyring
type PublicInfo struct {
	PublicKey   []byte             `json:"public_key"` // PKIX DER
	Fingerprint string             `json:"fingerprint"`
	CreatedAt   time.Time          `json:"created_at"`
	KDF         crypto.KDFParams   `json:"kdf"`
	Cipher      crypto.CipherSuite `json:"enc"`
}

// RSAPublicKey parses the public key and checks it against the fingerprint
func (p *PublicInfo) RSAPublicKey() (*rsa.PublicKey, error) {
	if p == nil {
		return nil, ErrNoRecipient
	}
	if crypto.Fingerprint(p.PublicKey) != p.Fingerprint {
		return nil, fmt.Errorf("%w: public key does not match fingerprint %s", ErrKeyFormat, p.Fingerprint)
	}
	return crypto.ParsePublicKey(p.PublicKey)
}

// WrappedPrivateKey is the persisted keyring envelope. The private key is PKCS#8 DER sealed
// under a passphrase derived key; the AEAD additional data binds kty and fingerprint.
type WrappedPrivateKey struct {
	Kty         string             `json:"kty"`
	KDF         crypto.KDFParams   `json:"kdf"`
	Enc         crypto.CipherSuite `json:"enc"`
	Salt        []byte             `json:"salt"`
	IV          []byte             `json:"iv"`
	Ciphertext  []byte             `json:"ciphertext"`
	PublicKey   []byte             `json:"public_key"`
	Fingerprint string             `json:"fingerprint"`
	CreatedAt   time.Time          `json:"created_at"`
}

func (w *WrappedPrivateKey) aad() []byte {
	return []byte(w.Kty + "|" + w.Fingerprint)
}

func (w *WrappedPrivateKey) publicInfo() *PublicInfo {
	return &PublicInfo{
		PublicKey:   w.PublicKey,
		Fingerprint: w.Fingerprint,
		CreatedAt:   w.CreatedAt,
		KDF:         w.KDF,
		Cipher:      w.Enc,
	}
}

// checkFormat rejects envelopes this version cannot open
func (w *WrappedPrivateKey) checkFormat() error {
	if w.Kty != misc.EnvelopeFormat {
		return fmt.Errorf("%w: key type %q", ErrUnsupportedAlgorithm, w.Kty)
	}
	if err := w.KDF.Validate(); err != nil {
		return err
	}
	return w.Enc.Validate()
}

// RotationNotice is returned whenever a keyring is replaced. Content keys wrapped to the
// previous public key cannot be opened with the new keyring until they are re-wrapped.
type RotationNotice struct {
	PreviousFingerprint string    `json:"previous_fingerprint"`
	NewFingerprint      string    `json:"new_fingerprint"`
	RotatedAt           time.Time `json:"rotated_at"`
	Message             string    `json:"message"`

	// Previous unlocks the superseded key for Rewrap. It is nil when the keyring was
	// replaced without the old passphrase. Close it once re-wrapping is done.
	Previous *PrivateKeyHandle `json:"-"`
}

// SetupResult is returned by Setup
type SetupResult struct {
	PublicInfo
	// Notice is set when an existing keyring was replaced
	Notice *RotationNotice `json:"notice,omitempty"`
}

type SetupOption func(*setupConfig)

type setupConfig struct {
	replace bool
}

// ReplaceExisting lets Setup overwrite an existing keyring. Records wrapped to the old key
// become unreachable; Rotate should be preferred when the old passphrase is known.
func ReplaceExisting() SetupOption {
	return func(c *setupConfig) { c.replace = true }
}

// Keyring manages the single wrapped private key of a profile
type Keyring struct {
	mu         sync.Mutex
	store      persist.KeyringStore
	opts       Options
	log        *logrus.Logger
	generation atomic.Uint64
	protection mem.ProtectionLevel
}

func NewKeyring(store persist.KeyringStore, opts Options) (*Keyring, error) {
	if store == nil {
		return nil, errors.New("keyring store cannot be nil")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	k := &Keyring{store: store, opts: opts, log: opts.Logger}
	if opts.LockMemory {
		level, err := mem.Lock()
		if err != nil {
			k.log.WithError(err).WithField("protection", level.String()).Warn("memory locking unavailable")
		}
		k.protection = level
	}
	return k, nil
}

// MemoryProtection reports the protection level achieved by LockMemory
func (k *Keyring) MemoryProtection() string {
	return k.protection.String()
}

func (k *Keyring) Setup(ctx context.Context, passphrase string, options ...SetupOption) (*SetupResult, error) {
	var cfg setupConfig
	for _, o := range options {
		o(&cfg)
	}
	if err := k.checkPassphrase(passphrase); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	current, version, err := k.load(ctx)
	if err != nil && !errors.Is(err, ErrNoKeyring) {
		return nil, err
	}
	if current != nil && !cfg.replace {
		return nil, ErrAlreadyExists
	}

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	wrapped, err := k.wrap(priv, passphrase)
	if err != nil {
		return nil, err
	}
	if err = k.save(ctx, wrapped, version); err != nil {
		if version == "" && persist.IsConcurrencyError(err) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		}
		return nil, err
	}

	result := &SetupResult{PublicInfo: *wrapped.publicInfo()}
	entry := k.log.WithFields(logrus.Fields{"fingerprint": wrapped.Fingerprint, "store": k.store.GetType()})
	if current != nil {
		k.generation.Add(1)
		result.Notice = newRotationNotice(current.Fingerprint, wrapped.Fingerprint, wrapped.CreatedAt)
		entry.WithField("previous_fingerprint", current.Fingerprint).Warn("keyring replaced")
	} else {
		entry.Info("keyring created")
	}
	return result, nil
}

// Unlock opens the keyring with passphrase. Every failure to open an existing keyring is
// ErrWrongPassphrase, whatever the cause.
func (k *Keyring) Unlock(ctx context.Context, passphrase string) (*PrivateKeyHandle, error) {
	// read before the envelope so a concurrent rotation invalidates the handle
	gen := k.generation.Load()
	current, _, err := k.load(ctx)
	if err != nil {
		return nil, err
	}
	der, err := k.open(current, passphrase)
	if err != nil {
		k.log.WithField("fingerprint", current.Fingerprint).Warn("keyring unlock failed")
		return nil, err
	}

	h := k.newHandle(der, current.Fingerprint, gen)
	k.log.WithField("fingerprint", current.Fingerprint).Debug("keyring unlocked")
	return h, nil
}

// Rotate replaces the key pair after authorising with the current passphrase. Handles
// issued before the rotation become invalid; the notice carries a handle to the previous
// key for Rewrap.
func (k *Keyring) Rotate(ctx context.Context, currentPassphrase, newPassphrase string) (*PublicInfo, *RotationNotice, error) {
	if err := k.checkPassphrase(newPassphrase); err != nil {
		return nil, nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	current, version, err := k.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	oldDER, err := k.open(current, currentPassphrase)
	if err != nil {
		k.log.WithField("fingerprint", current.Fingerprint).Warn("keyring rotation refused")
		return nil, nil, err
	}

	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		memguard.WipeBytes(oldDER)
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	wrapped, err := k.wrap(priv, newPassphrase)
	if err != nil {
		memguard.WipeBytes(oldDER)
		return nil, nil, err
	}
	if err = k.save(ctx, wrapped, version); err != nil {
		memguard.WipeBytes(oldDER)
		return nil, nil, fmt.Errorf("failed to rotate keyring: %w", err)
	}

	gen := k.generation.Add(1)
	notice := newRotationNotice(current.Fingerprint, wrapped.Fingerprint, wrapped.CreatedAt)
	notice.Previous = k.newHandle(oldDER, current.Fingerprint, gen)

	k.log.WithFields(logrus.Fields{
		"fingerprint":          wrapped.Fingerprint,
		"previous_fingerprint": current.Fingerprint,
	}).Info("keyring rotated")
	return wrapped.publicInfo(), notice, nil
}

// Destroy removes the keyring and invalidates every handle
func (k *Keyring) Destroy(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	current, version, err := k.load(ctx)
	if err != nil {
		return err
	}
	if err = k.store.Clear(ctx, version); err != nil {
		return fmt.Errorf("failed to destroy keyring: %w", err)
	}
	k.generation.Add(1)
	k.log.WithField("fingerprint", current.Fingerprint).Warn("keyring destroyed")
	return nil
}

// PublicInfo returns the public half, or nil when no keyring exists
func (k *Keyring) PublicInfo(ctx context.Context) (*PublicInfo, error) {
	current, _, err := k.load(ctx)
	if errors.Is(err, ErrNoKeyring) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info := current.publicInfo()
	if _, err = info.RSAPublicKey(); err != nil {
		return nil, err
	}
	return info, nil
}

// Lock invalidates all outstanding handles
func (k *Keyring) Lock() {
	k.generation.Add(1)
}

func (k *Keyring) Close() error {
	k.Lock()
	if k.protection == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			k.log.WithError(err).Warn("failed to release memory lock")
		}
	}
	return k.store.Close()
}

func (k *Keyring) checkPassphrase(passphrase string) error {
	if len([]rune(passphrase)) < k.opts.MinPassphraseLength {
		return fmt.Errorf("%w: at least %d characters required", ErrPassphraseTooShort, k.opts.MinPassphraseLength)
	}
	return nil
}

// load reads and decodes the slot. An empty slot is ErrNoKeyring.
func (k *Keyring) load(ctx context.Context) (*WrappedPrivateKey, string, error) {
	vd, err := k.store.Load(ctx)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, "", ErrNoKeyring
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load keyring: %w", err)
	}

	var w WrappedPrivateKey
	if err = json.Unmarshal(vd.Data, &w); err != nil {
		return nil, "", fmt.Errorf("%w: keyring envelope: %v", ErrKeyFormat, err)
	}
	debug.Print("keyring: loaded envelope %s version %s\n", w.Fingerprint, vd.Version)
	return &w, vd.Version, nil
}

func (k *Keyring) save(ctx context.Context, w *WrappedPrivateKey, expectedVersion string) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode keyring envelope: %w", err)
	}
	version, err := k.store.Swap(ctx, data, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save keyring: %w", err)
	}
	debug.Print("keyring: saved envelope %s version %s\n", w.Fingerprint, version)
	return nil
}

// wrap seals the PKCS#8 form of priv under a key derived from passphrase
func (k *Keyring) wrap(priv *rsa.PrivateKey, passphrase string) (*WrappedPrivateKey, error) {
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	privDER, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(privDER)

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	iv, err := crypto.NewIV()
	if err != nil {
		return nil, err
	}

	w := &WrappedPrivateKey{
		Kty:         misc.EnvelopeFormat,
		KDF:         k.opts.KDF,
		Enc:         k.opts.Cipher,
		Salt:        salt,
		IV:          iv,
		PublicKey:   pubDER,
		Fingerprint: crypto.Fingerprint(pubDER),
		CreatedAt:   k.opts.Now().UTC(),
	}

	key, err := crypto.DeriveKey([]byte(passphrase), salt, w.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	defer key.Destroy()

	if w.Ciphertext, err = crypto.Seal(w.Enc, key.Bytes(), iv, privDER, w.aad()); err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}
	return w, nil
}

// open returns the PKCS#8 DER of the private key. The caller must wipe it.
func (k *Keyring) open(w *WrappedPrivateKey, passphrase string) ([]byte, error) {
	if err := w.checkFormat(); err != nil {
		return nil, err
	}
	if crypto.Fingerprint(w.PublicKey) != w.Fingerprint {
		return nil, ErrWrongPassphrase
	}

	key, err := crypto.DeriveKey([]byte(passphrase), w.Salt, w.KDF)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer key.Destroy()

	der, err := crypto.Open(w.Enc, key.Bytes(), w.IV, w.Ciphertext, w.aad())
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	priv, err := crypto.ParsePrivateKey(der)
	if err != nil || !crypto.PublicMatches(priv, w.PublicKey) {
		memguard.WipeBytes(der)
		return nil, ErrWrongPassphrase
	}
	return der, nil
}

func (k *Keyring) newHandle(der []byte, fingerprint string, generation uint64) *PrivateKeyHandle {
	return &PrivateKeyHandle{
		keyring:     k,
		generation:  generation,
		enclave:     memguard.NewEnclave(der), // wipes der
		fingerprint: fingerprint,
		expiresAt:   k.opts.Now().Add(k.opts.UnlockTTL),
	}
}

func newRotationNotice(previous, current string, at time.Time) *RotationNotice {
	return &RotationNotice{
		PreviousFingerprint: previous,
		NewFingerprint:      current,
		RotatedAt:           at,
		Message: fmt.Sprintf("key %s was replaced by %s: records whose content keys are wrapped to %s "+
			"cannot be opened with the new key until they are re-wrapped", previous, current, previous),
	}
}

// PrivateKeyHandle is an unlocked private key. It is valid until its TTL elapses, it is
// closed, or the keyring is rotated, destroyed or locked.
type PrivateKeyHandle struct {
	mu          sync.Mutex
	keyring     *Keyring
	generation  uint64
	enclave     *memguard.Enclave
	fingerprint string
	expiresAt   time.Time
	closed      bool
}

func (h *PrivateKeyHandle) credential() {}

func (h *PrivateKeyHandle) Fingerprint() string {
	return h.fingerprint
}

func (h *PrivateKeyHandle) ExpiresAt() time.Time {
	return h.expiresAt
}

// Valid returns ErrHandleInvalidated once the handle can no longer be used
func (h *PrivateKeyHandle) Valid() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validLocked()
}

func (h *PrivateKeyHandle) validLocked() error {
	switch {
	case h.closed:
		return fmt.Errorf("%w: closed", ErrHandleInvalidated)
	case h.keyring.generation.Load() != h.generation:
		return fmt.Errorf("%w: keyring changed", ErrHandleInvalidated)
	case !h.keyring.opts.Now().Before(h.expiresAt):
		return fmt.Errorf("%w: expired", ErrHandleInvalidated)
	}
	return nil
}

// Close releases the key material
func (h *PrivateKeyHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.enclave = nil
}

// unwrapKey decrypts a content key wrapped to this handle's public key
func (h *PrivateKeyHandle) unwrapKey(wrapped []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.validLocked(); err != nil {
		return nil, err
	}

	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	priv, err := crypto.ParsePrivateKey(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapKey(priv, wrapped)
}
