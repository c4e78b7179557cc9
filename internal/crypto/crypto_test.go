package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var fastKDF = KDFParams{Algorithm: KDFPBKDF2SHA256, Iterations: 1000}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, 16)

	k1, err := DeriveKey([]byte("correct horse"), salt, DefaultKDF())
	require.NoError(t, err)
	defer k1.Destroy()
	k2, err := DeriveKey([]byte("correct horse"), salt, DefaultKDF())
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, 32, k1.Size())
	assert.Equal(t, k1.Bytes(), k2.Bytes())

	k3, err := DeriveKey([]byte("correct horsf"), salt, DefaultKDF())
	require.NoError(t, err)
	defer k3.Destroy()
	assert.NotEqual(t, k1.Bytes(), k3.Bytes())
}

func TestDeriveKeyArgon2id(t *testing.T) {
	params := KDFParams{Algorithm: KDFArgon2id, Iterations: 1, Memory: 8 * 1024, Threads: 1}
	salt, err := NewSalt()
	require.NoError(t, err)

	k, err := DeriveKey([]byte("passphrase"), salt, params)
	require.NoError(t, err)
	defer k.Destroy()
	assert.Equal(t, 32, k.Size())
}

func TestDeriveKeyRejectsBadInput(t *testing.T) {
	_, err := DeriveKey([]byte("pw"), make([]byte, 8), DefaultKDF())
	assert.ErrorIs(t, err, ErrKeyFormat)

	_, err = DeriveKey(nil, make([]byte, 16), DefaultKDF())
	assert.Error(t, err)

	_, err = DeriveKey([]byte("pw"), make([]byte, 16), KDFParams{Algorithm: "scrypt"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = DeriveKey([]byte("pw"), make([]byte, 16), KDFParams{Algorithm: KDFPBKDF2SHA256, Iterations: 10})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range []CipherSuite{SuiteAES256GCM, SuiteChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				key := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "key")
				plaintext := rapid.SliceOf(rapid.Byte()).Draw(t, "plaintext")
				aad := rapid.SliceOf(rapid.Byte()).Draw(t, "aad")
				iv, err := NewIV()
				if err != nil {
					t.Fatal(err)
				}

				ct, err := Seal(suite, key, iv, plaintext, aad)
				if err != nil {
					t.Fatal(err)
				}
				pt, err := Open(suite, key, iv, ct, aad)
				if err != nil {
					t.Fatalf("open failed: %v", err)
				}
				if !bytes.Equal(pt, plaintext) {
					t.Fatalf("round trip mismatch")
				}
			})
		})
	}
}

func TestOpenTamperDetection(t *testing.T) {
	key := bytes.Repeat([]byte{1, 2}, 16)
	iv, err := NewIV()
	require.NoError(t, err)
	ct, err := Seal(SuiteAES256GCM, key, iv, []byte("lab results"), []byte("aad"))
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		pos := rapid.IntRange(0, len(ct)-1).Draw(rt, "pos")
		bit := rapid.IntRange(0, 7).Draw(rt, "bit")
		tampered := append([]byte(nil), ct...)
		tampered[pos] ^= 1 << bit

		_, err := Open(SuiteAES256GCM, key, iv, tampered, []byte("aad"))
		if err != ErrAuthenticationFailure {
			rt.Fatalf("expected authentication failure, got %v", err)
		}
	})

	otherKey := bytes.Repeat([]byte{3}, 32)
	_, err = Open(SuiteAES256GCM, otherKey, iv, ct, []byte("aad"))
	assert.Equal(t, ErrAuthenticationFailure, err)

	_, err = Open(SuiteAES256GCM, key, iv, ct, []byte("other"))
	assert.Equal(t, ErrAuthenticationFailure, err)

	_, err = Open(SuiteAES256GCM, key, iv[:4], ct, []byte("aad"))
	assert.Equal(t, ErrAuthenticationFailure, err)

	_, err = Open(SuiteAES256GCM, key[:16], iv, ct, []byte("aad"))
	assert.Equal(t, ErrAuthenticationFailure, err)

	_, err = Open("A128CBC", key, iv, ct, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestSealRejectsBadKeyMaterial(t *testing.T) {
	iv, _ := NewIV()
	_, err := Seal(SuiteChaCha20Poly1305, make([]byte, 31), iv, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeyFormat)

	_, err = Seal(SuiteChaCha20Poly1305, make([]byte, 32), iv[:8], []byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeyFormat)
}

func TestWrapUnwrapKey(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, 2048, priv.N.BitLen())

	pubDER, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubDER)
	require.NoError(t, err)
	assert.True(t, PublicMatches(priv, pubDER))

	content := bytes.Repeat([]byte{9}, 32)
	wrapped, err := WrapKey(pub, content)
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, content, unwrapped)

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = UnwrapKey(other, wrapped)
	assert.Equal(t, ErrAuthenticationFailure, err)
	assert.False(t, PublicMatches(other, pubDER))

	privDER, err := MarshalPrivateKey(priv)
	require.NoError(t, err)
	parsed, err := ParsePrivateKey(privDER)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(priv))

	_, err = ParsePrivateKey([]byte("not a key"))
	assert.ErrorIs(t, err, ErrKeyFormat)
	_, err = ParsePublicKey([]byte("not a key"))
	assert.ErrorIs(t, err, ErrKeyFormat)
}

func TestHashAndFingerprint(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(nil).Hex())
	assert.Equal(t, Hash([]byte("abc")), Hash([]byte("abc")))
	assert.Equal(t, CalculateChecksum([]byte("abc")), Hash([]byte("abc")).Hex())

	fp := Fingerprint([]byte("public key"))
	assert.Len(t, fp, 16)
	assert.Equal(t, Hash([]byte("public key")).Hex()[:16], fp)
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 32)))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{0xAA}, 32)))
	assert.True(t, IsWeakKey([]byte{1, 2, 3}))

	k, err := RandomBytes(32)
	require.NoError(t, err)
	assert.False(t, IsWeakKey(k))
}

func TestSaltAndIVFreshness(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()
	assert.Len(t, s1, 16)
	assert.NotEqual(t, s1, s2)

	iv1, _ := NewIV()
	iv2, _ := NewIV()
	assert.Len(t, iv1, 12)
	assert.NotEqual(t, iv1, iv2)
}

func TestFastKDFRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pass := rapid.StringN(1, 40, -1).Draw(t, "pass")
		salt, _ := NewSalt()
		k1, err := DeriveKey([]byte(pass), salt, fastKDF)
		if err != nil {
			t.Fatal(err)
		}
		defer k1.Destroy()
		k2, err := DeriveKey([]byte(pass), salt, fastKDF)
		if err != nil {
			t.Fatal(err)
		}
		defer k2.Destroy()
		if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
			t.Fatalf("derivation not deterministic")
		}
	})
}
