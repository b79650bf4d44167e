package vault

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, secret string) *Vault {
	t.Helper()
	v, err := New([]byte(secret))
	require.NoError(t, err)
	return v
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)
}

func TestRoundTripBothSchemes(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	for _, scheme := range []Scheme{SchemeLegacy, SchemeAESGCM} {
		t.Run(string(scheme), func(t *testing.T) {
			sealed, err := v.Encrypt([]byte("hunter2"), scheme)
			require.NoError(t, err)
			assert.Equal(t, scheme, sealed.Scheme)

			plain, err := v.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, "hunter2", string(plain))
		})
	}
}

func TestStrongSchemeHidesPlaintext(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	a, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	assert.False(t, bytes.Contains(a.Ciphertext, []byte("hunter2")))
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext, "nonce must differ per seal")
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v1 := newTestVault(t, "0123456789abcdef0123456789abcdef")
	v2 := newTestVault(t, "fedcba9876543210fedcba9876543210")

	sealed, err := v1.Seal([]byte("hunter2"))
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	require.Error(t, err)
	assert.True(t, IsDecryptionError(err))
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestDecryptRejectsCorruptAndUnknown(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	sealed, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)
	sealed.Ciphertext[len(sealed.Ciphertext)-1] ^= 0xff

	_, err = v.Decrypt(sealed)
	assert.True(t, IsDecryptionError(err))

	_, err = v.Decrypt(Sealed{Scheme: SchemeAESGCM, Ciphertext: []byte{1, 2}})
	assert.True(t, IsDecryptionError(err))

	_, err = v.Decrypt(Sealed{Scheme: "rot13", Ciphertext: []byte("uhagre2")})
	assert.True(t, IsDecryptionError(err))

	_, err = v.Decrypt(Sealed{Scheme: SchemeLegacy, Ciphertext: []byte("!!not base64!!")})
	assert.True(t, IsDecryptionError(err))
}

func TestRetaggedCiphertextFails(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	sealed, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	legacy := Sealed{Scheme: SchemeLegacy, Ciphertext: sealed.Ciphertext}
	plain, err := v.Decrypt(legacy)
	if err == nil {
		assert.NotEqual(t, "hunter2", string(plain))
	}
}

func TestRewrapLegacyToStrong(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	legacy, err := v.Encrypt([]byte("hunter2"), SchemeLegacy)
	require.NoError(t, err)

	strong, err := v.Rewrap(legacy, SchemeAESGCM)
	require.NoError(t, err)
	assert.Equal(t, SchemeAESGCM, strong.Scheme)

	plain, err := v.Decrypt(strong)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(plain))

	same, err := v.Rewrap(strong, SchemeAESGCM)
	require.NoError(t, err)
	assert.Equal(t, strong, same)
}

func TestSealedTextForm(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	sealed, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)

	parsed, err := ParseSealed(sealed.String())
	require.NoError(t, err)
	assert.Equal(t, sealed, parsed)

	_, err = ParseSealed("no-tag")
	assert.True(t, IsDecryptionError(err))
	_, err = ParseSealed("mystery:AAAA")
	assert.True(t, IsDecryptionError(err))
}

func TestRoundTripProperty(t *testing.T) {
	v := newTestVault(t, "0123456789abcdef0123456789abcdef")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(p)) == p for every scheme", prop.ForAll(
		func(plain string, strong bool) bool {
			scheme := SchemeLegacy
			if strong {
				scheme = SchemeAESGCM
			}
			sealed, err := v.Encrypt([]byte(plain), scheme)
			if err != nil {
				return false
			}
			out, err := v.Decrypt(sealed)
			return err == nil && string(out) == plain
		},
		gen.AnyString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

type mapKeyStore map[string]string

func (m mapKeyStore) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", os.ErrNotExist
	}
	return v, nil
}

func TestLoadKeySources(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	encoded := base64.StdEncoding.EncodeToString(secret)

	t.Setenv("MAILDIGEST_TEST_KEY", encoded)
	key, err := LoadKey(KeyConfig{Source: KeySourceEnv, EnvVar: "MAILDIGEST_TEST_KEY"}, nil)
	require.NoError(t, err)
	assert.Equal(t, secret, key)

	path := filepath.Join(t.TempDir(), "vault.key")
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0o600))
	key, err = LoadKey(KeyConfig{Source: KeySourceFile, File: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, secret, key)

	ring := mapKeyStore{"vault-key": encoded}
	key, err = LoadKey(KeyConfig{Source: KeySourceKeyring, KeyringItem: "vault-key"}, ring)
	require.NoError(t, err)
	assert.Equal(t, secret, key)
}

func TestLoadKeyMissing(t *testing.T) {
	_, err := LoadKey(KeyConfig{Source: KeySourceEnv, EnvVar: "MAILDIGEST_UNSET_KEY_VAR"}, nil)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadKey(KeyConfig{Source: KeySourceFile, File: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadKey(KeyConfig{Source: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
