package credential

import (
	"encoding/base64"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/maildigest/internal/vault"
)

func TestSetGetDelete(t *testing.T) {
	r := NewRing(keyring.NewArrayKeyring(nil))

	require.NoError(t, r.Set("model-api-key", "sk-test"))
	got, err := r.Get("model-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	require.NoError(t, r.Delete("model-api-key"))
	_, err = r.Get("model-api-key")
	assert.ErrorIs(t, err, keyring.ErrKeyNotFound)
}

func TestGenerateKeyFeedsVault(t *testing.T) {
	r := NewRing(keyring.NewArrayKeyring(nil))

	require.NoError(t, r.GenerateKey("vault-key", 32, false))

	encoded, err := r.Get("vault-key")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	key, err := vault.LoadKey(vault.KeyConfig{
		Source:      vault.KeySourceKeyring,
		KeyringItem: "vault-key",
	}, r)
	require.NoError(t, err)
	_, err = vault.New(key)
	require.NoError(t, err)
}

func TestGenerateKeyKeepsExisting(t *testing.T) {
	r := NewRing(keyring.NewArrayKeyring(nil))
	require.NoError(t, r.GenerateKey("vault-key", 32, false))
	first, err := r.Get("vault-key")
	require.NoError(t, err)

	err = r.GenerateKey("vault-key", 32, false)
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, r.GenerateKey("vault-key", 32, true))
	second, err := r.Get("vault-key")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
